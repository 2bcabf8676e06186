package integration

import (
	"testing"
	"time"

	"edgenode/internal/node"
	"edgenode/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A node with no pipelines still reports vitals on the heartbeat
// cadence.
func TestHeartbeatsFlowWithoutPipelines(t *testing.T) {
	env := newEnv(t, func(o *node.Options) { o.HeartbeatInterval = 50 * time.Millisecond })
	env.Start()
	waitConnected(t, env)

	beats, err := env.WaitForEnvelopes(plugin.KindHeartbeat, 2, 10*time.Second)
	require.NoError(t, err)

	first := beats[0].Envelope
	assert.Equal(t, "test-node", first.Node)
	assert.NotEmpty(t, first.BootID)
	assert.Empty(t, first.Pipeline, "heartbeats belong to the node, not a pipeline")

	data, ok := first.Data.(map[string]any)
	require.True(t, ok, "heartbeat data should decode as an object")
	assert.Contains(t, data, "tick")
	assert.Contains(t, data, "uptime_sec")
	assert.Contains(t, data, "instances")
}

// Heartbeats interleave with payload envelopes on the same channel.
func TestHeartbeatsInterleaveWithPayloads(t *testing.T) {
	env := newEnv(t, func(o *node.Options) { o.HeartbeatInterval = 50 * time.Millisecond })
	require.NoError(t, env.SeedPipeline(vitalsPipeline("vitals", 2, "")))
	env.Start()

	_, err := env.WaitForEnvelopes(plugin.KindHeartbeat, 2, 10*time.Second)
	require.NoError(t, err)
	digests, err := env.WaitForEnvelopes("DIGEST", 2, 10*time.Second)
	require.NoError(t, err)

	// Payload envelopes carry the payload kind stamp, heartbeats their own.
	for _, rec := range digests {
		assert.Equal(t, "DIGEST", rec.Envelope.Kind)
	}
}
