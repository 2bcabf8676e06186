package integration

import (
	"testing"
	"time"

	"edgenode/internal/node"
	"edgenode/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An offline-mode node must ride out an unreachable hub indefinitely and
// resume delivery once the hub comes back.
func TestOfflineNodeSurvivesHubOutage(t *testing.T) {
	env := newEnv(t, func(o *node.Options) { o.OfflineMode = true })
	env.Hub.RejectDials()
	require.NoError(t, env.SeedPipeline(vitalsPipeline("vitals", 2, "")))
	env.Start()

	// Enough time for the retry budget (3 iterations at 20ms) to be
	// exhausted many times over; the loop must still be running.
	_, stopped := env.WaitStopped(500 * time.Millisecond)
	require.False(t, stopped, "offline node stopped during hub outage")

	env.Hub.AcceptDials()
	waitConnected(t, env)
	env.Hub.ClearEnvelopes()

	digests, err := env.WaitForEnvelopes("DIGEST", 1, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "vitals", digests[0].Envelope.Pipeline)
}

// Without offline mode the loop terminates once a channel exhausts its
// retry budget.
func TestOnlineNodeStopsWhenHubUnreachable(t *testing.T) {
	env := newEnv(t)
	env.Hub.RejectDials()
	env.Start()

	err, stopped := env.WaitStopped(10 * time.Second)
	require.True(t, stopped, "online node kept running with the hub unreachable")
	require.ErrorIs(t, err, scheduler.ErrCommFailed)
}

// A dropped connection is redialed; the retry counter resets on success
// so a transient drop never terminates the loop.
func TestNodeRedialsAfterConnectionDrop(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.SeedPipeline(vitalsPipeline("vitals", 2, "")))
	env.Start()
	waitConnected(t, env)
	before := env.Hub.Dials()

	env.Hub.CloseConnections()

	require.Eventually(t, func() bool {
		return env.Hub.Dials() > before
	}, 10*time.Second, 10*time.Millisecond, "node never redialed after the drop")
	waitConnected(t, env)

	env.Hub.ClearEnvelopes()
	_, err := env.WaitForEnvelopes("DIGEST", 1, 10*time.Second)
	require.NoError(t, err, "delivery did not resume after the redial")

	_, stopped := env.WaitStopped(100 * time.Millisecond)
	assert.False(t, stopped, "transient drop terminated the loop")
}
