// Package integration runs a complete node process against an in-process
// websocket hub and exercises the full path: pipeline documents to plugin
// instances to delivered envelopes.
package integration

import (
	"testing"
	"time"

	"edgenode/internal/node"
	"edgenode/internal/pipeline"
	"edgenode/pkg/plugin"
	"edgenode/pkg/testutil"

	"github.com/stretchr/testify/require"
)

const testToken = "test_token_12345"

// newEnv builds an unstarted node environment and registers its cleanup.
func newEnv(t *testing.T, mutate ...func(*node.Options)) *testutil.NodeEnv {
	t.Helper()
	env, err := testutil.NewNodeEnv(testToken, mutate...)
	require.NoError(t, err)
	t.Cleanup(env.Cleanup)
	return env
}

// vitalsPipeline samples host vitals every 10ms and digests them over the
// given number of ticks. With engine set, batches also route through the
// serving scorer.
func vitalsPipeline(name string, window int, engine string) *pipeline.Pipeline {
	cfg := plugin.Config{"DIGEST_WINDOW": window}
	if engine != "" {
		cfg["AI_ENGINE"] = engine
	}
	return &pipeline.Pipeline{
		Name:      name,
		Type:      "SYS_SAMPLER",
		Session:   "sess-" + name,
		Initiator: "integration",
		Config:    plugin.Config{"CAP_INTERVAL_MS": 10},
		Plugins: []pipeline.PluginSpec{{
			Signature: "TELEMETRY_DIGEST",
			Instances: []pipeline.InstanceSpec{{ID: name + "-digest", Config: cfg}},
		}},
	}
}

// waitConnected blocks until the hub has accepted the node's channel.
func waitConnected(t *testing.T, env *testutil.NodeEnv) {
	t.Helper()
	require.Eventually(t, func() bool {
		return env.Hub.ConnectionCount() > 0
	}, 5*time.Second, 10*time.Millisecond, "node never connected to the hub")
}
