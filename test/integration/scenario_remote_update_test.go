package integration

import (
	"testing"
	"time"

	"edgenode/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A node booted with no pipelines must build one entirely from a hub
// command and start delivering its telemetry.
func TestHubCommandCreatesPipeline(t *testing.T) {
	env := newEnv(t)
	env.Start()
	waitConnected(t, env)

	require.NoError(t, env.Hub.PushUpdate(vitalsPipeline("remote", 2, "")))

	digests, err := env.WaitForEnvelopes("DIGEST", 1, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "remote", digests[0].Envelope.Pipeline)
	assert.Equal(t, "remote-digest", digests[0].Envelope.InstanceID)
}

// Updating a live pipeline merges configuration into the running
// instance: the digest window change shows up in the payloads without a
// rebuild.
func TestHubCommandMergesConfigIntoLiveInstance(t *testing.T) {
	env := newEnv(t)
	env.Start()
	waitConnected(t, env)

	require.NoError(t, env.Hub.PushUpdate(vitalsPipeline("remote", 2, "")))
	_, err := env.WaitForEnvelopes("DIGEST", 1, 10*time.Second)
	require.NoError(t, err)

	require.NoError(t, env.Hub.PushUpdate(vitalsPipeline("remote", 5, "")))

	require.Eventually(t, func() bool {
		recs := env.Hub.Envelopes()
		return testutil.FindWithData(recs, "DIGEST", "window_ticks", float64(5)) != nil
	}, 10*time.Second, 20*time.Millisecond, "reconfigured window never appeared in a digest")
}

// Archiving tears the pipeline down; the node keeps processing commands
// and serving the pipelines that remain.
func TestHubCommandArchivesPipeline(t *testing.T) {
	env := newEnv(t)
	env.Start()
	waitConnected(t, env)

	require.NoError(t, env.Hub.PushUpdate(vitalsPipeline("remote", 2, "")))
	_, err := env.WaitForEnvelopes("DIGEST", 1, 10*time.Second)
	require.NoError(t, err)

	require.NoError(t, env.Hub.PushArchive("remote"))

	// Let the teardown land and in-flight deliveries flush before the
	// record is reset.
	time.Sleep(500 * time.Millisecond)
	env.Hub.ClearEnvelopes()

	require.NoError(t, env.Hub.PushUpdate(vitalsPipeline("fresh", 2, "")))
	fresh, err := env.WaitForEnvelopes("DIGEST", 2, 10*time.Second)
	require.NoError(t, err)

	for _, rec := range fresh {
		assert.Equal(t, "fresh", rec.Envelope.Pipeline)
	}
	for _, rec := range env.Hub.Envelopes() {
		assert.NotEqual(t, "remote", rec.Envelope.Pipeline,
			"archived pipeline kept emitting after teardown")
	}
}

// Pipeline documents dropped into the watch directory while the node is
// live behave like hub updates.
func TestLocalFileEditCreatesPipeline(t *testing.T) {
	env := newEnv(t)
	env.Start()
	waitConnected(t, env)

	require.NoError(t, env.SeedPipeline(vitalsPipeline("local", 2, "")))

	digests, err := env.WaitForEnvelopes("DIGEST", 1, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "local", digests[0].Envelope.Pipeline)
}
