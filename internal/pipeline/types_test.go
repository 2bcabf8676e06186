package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FullDocument(t *testing.T) {
	doc := `
name: lobby-cam
type: video_feed
session: site-7
initiator: scheduler
config:
  CAP_INTERVAL_MS: 250
plugins:
  - signature: alert_relay
    instances:
      - id: relay-1
        config:
          AI_ENGINE: anomaly_stats
          THRESHOLD: 0.8
      - id: relay-2
        disabled: true
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "lobby-cam", p.Name)
	assert.Equal(t, "video_feed", p.Type)
	assert.Equal(t, "site-7", p.Session)
	assert.Equal(t, "scheduler", p.Initiator)
	assert.Equal(t, 250, p.Config.Int("CAP_INTERVAL_MS", 0))

	require.Len(t, p.Plugins, 1)
	require.Len(t, p.Plugins[0].Instances, 2)
	assert.Equal(t, "relay-1", p.Plugins[0].Instances[0].ID)
	assert.Equal(t, "anomaly_stats", p.Plugins[0].Instances[0].Config.String("AI_ENGINE", ""))
	assert.True(t, p.Plugins[0].Instances[1].Disabled)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", "type: video_feed\n"},
		{"missing type", "name: cam\n"},
		{"plugin without signature", "name: cam\ntype: video_feed\nplugins:\n  - instances:\n      - id: a\n"},
		{"instance without id", "name: cam\ntype: video_feed\nplugins:\n  - signature: x\n    instances:\n      - config: {}\n"},
		{"duplicate instance id", "name: cam\ntype: video_feed\nplugins:\n  - signature: x\n    instances:\n      - id: a\n      - id: a\n"},
		{"not yaml", ":\n  - ]["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	p := &Pipeline{
		Name: "cam",
		Type: "video_feed",
		Plugins: []PluginSpec{
			{Signature: "ALERT_RELAY", Instances: []InstanceSpec{{ID: "r1"}}},
		},
	}
	data, err := p.Marshal()
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, p.Name, back.Name)
	assert.Equal(t, p.Type, back.Type)
	require.Len(t, back.Plugins, 1)
	assert.Equal(t, "r1", back.Plugins[0].Instances[0].ID)
}
