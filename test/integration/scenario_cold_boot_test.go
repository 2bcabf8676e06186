package integration

import (
	"strings"
	"testing"
	"time"

	"edgenode/internal/pipeline"
	"edgenode/pkg/plugin"
	"edgenode/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// monitoredPipeline runs the full path: host vitals capture, anomaly
// scoring, digests plus alerts out.
func monitoredPipeline(name string) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name:      name,
		Type:      "SYS_SAMPLER",
		Session:   "sess-" + name,
		Initiator: "integration",
		Config:    plugin.Config{"CAP_INTERVAL_MS": 10},
		Plugins: []pipeline.PluginSpec{
			{
				Signature: "TELEMETRY_DIGEST",
				Instances: []pipeline.InstanceSpec{{
					ID:     name + "-digest",
					Config: plugin.Config{"DIGEST_WINDOW": 2},
				}},
			},
			{
				Signature: "ALERT_RELAY",
				Instances: []pipeline.InstanceSpec{{
					ID:     name + "-alerts",
					Config: plugin.Config{"ALERT_THRESHOLD": 0.0, "AI_ENGINE": "ANOMALY_STATS"},
				}},
			},
		},
	}
}

// A cold boot with one pipeline document on disk must bring the whole
// path up unattended: sampler to scorer to business plugins to stamped
// envelopes at the hub.
func TestColdBootDeliversTelemetry(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.SeedPipeline(monitoredPipeline("vitals")))
	env.Start()

	digests, err := env.WaitForEnvelopes("DIGEST", 2, 10*time.Second)
	require.NoError(t, err)

	first := digests[0].Envelope
	assert.Equal(t, "test-node", first.Node)
	assert.NotEmpty(t, first.BootID)
	assert.Equal(t, "vitals", first.Pipeline)
	assert.Equal(t, plugin.Signature("TELEMETRY_DIGEST"), first.Signature)
	assert.Equal(t, "vitals-digest", first.InstanceID)
	assert.Equal(t, "sess-vitals", first.Session)
	assert.Equal(t, "integration", first.Initiator)
	assert.False(t, first.At.IsZero())

	data, ok := first.Data.(map[string]any)
	require.True(t, ok, "digest data should decode as an object")
	assert.Equal(t, float64(2), data["window_ticks"])
	series, ok := data["series"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, series)
	row := series[0].(map[string]any)
	assert.True(t, strings.HasPrefix(row["series"].(string), "sys."),
		"digest series should come from the system sampler, got %v", row["series"])
	totals := data["totals"].(map[string]any)
	assert.Greater(t, totals["samples"].(float64), float64(0))
}

// The serving stage feeds scored inferences to the alert relay, so a
// zero threshold must produce alert envelopes alongside the digests.
func TestColdBootRoutesInferencesToAlerts(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.SeedPipeline(monitoredPipeline("vitals")))
	env.Start()

	alerts, err := env.WaitForEnvelopes("ALERT", 1, 10*time.Second)
	require.NoError(t, err)

	alert := alerts[0].Envelope
	assert.Equal(t, plugin.Signature("ALERT_RELAY"), alert.Signature)
	assert.Equal(t, "vitals-alerts", alert.InstanceID)

	data, ok := alert.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ANOMALY_STATS", data["engine"])
	assert.True(t, strings.HasPrefix(data["series"].(string), "sys."))
	assert.GreaterOrEqual(t, data["score"].(float64), float64(0))
}

// Every envelope of one process carries the same boot identity.
func TestBootIdentityStableAcrossEnvelopes(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.SeedPipeline(monitoredPipeline("vitals")))
	env.Start()

	digests, err := env.WaitForEnvelopes("DIGEST", 3, 10*time.Second)
	require.NoError(t, err)

	bootID := digests[0].Envelope.BootID
	require.NotEmpty(t, bootID)
	for _, rec := range digests {
		assert.Equal(t, bootID, rec.Envelope.BootID)
	}

	relay := testutil.FindBySignature(env.Hub.Envelopes(), "ALERT_RELAY")
	if relay != nil {
		assert.Equal(t, bootID, relay.Envelope.BootID)
	}
}
