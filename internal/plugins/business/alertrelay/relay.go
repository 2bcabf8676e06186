// Package alertrelay provides the ALERT_RELAY business plugin: inference
// scores past a configured threshold become alert envelopes for the
// outbound channel.
package alertrelay

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"edgenode/internal/plugins/base"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"
)

// Signature identifies this plugin in pipeline definitions.
const Signature = "ALERT_RELAY"

// KindAlert is the envelope kind of raised alerts.
const KindAlert = "ALERT"

// Config keys.
const (
	KeyAlertThreshold = "ALERT_THRESHOLD"
	KeyAlertSeries    = "ALERT_SERIES"
)

var spec = &schema.Spec{
	Kind:    "business/ALERT_RELAY",
	Extends: base.BusinessSpec(),
	Fields: []schema.Field{
		{Key: KeyAlertThreshold, Type: schema.TypeFloat, Default: 0.9, Min: schema.FloatPtr(0)},
		{Key: KeyAlertSeries, Type: schema.TypeList},
	},
}

func init() {
	plugin.MustRegister(plugin.Descriptor{
		Signature:   Signature,
		Category:    plugin.CategoryBusiness,
		Description: "Raises alert envelopes for inference scores past a threshold",
		Version:     "1.0.0",
		Priority:    plugin.PriorityDefault,
		Factory:     New,
		Defaults:    plugin.Config(schema.MustCompile(spec).Defaults()),
		Spec:        spec,
	})
}

// Alert is the payload of a raised alert envelope.
type Alert struct {
	Series    string  `json:"series"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Engine    string  `json:"engine"`
	Source    string  `json:"source"`
	Tick      uint64  `json:"tick"`
}

// Relay turns high inference scores into alerts. Its counters are runtime
// state: incremental config merges leave them untouched.
type Relay struct {
	base.Business

	executions   uint64
	alertsRaised uint64
}

// New constructs a relay.
func New(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) (plugin.Plugin, error) {
	return &Relay{Business: base.NewBusiness(rt, key, cfg)}, nil
}

// OnConfigUpdate logs the new threshold; Execute reads config fresh every
// tick, so nothing is cached.
func (r *Relay) OnConfigUpdate(changed []string) error {
	for _, key := range changed {
		if key == KeyAlertThreshold {
			r.Log.Info("Alert threshold updated",
				zap.Float64("threshold", r.Cfg.Float(KeyAlertThreshold, 0.9)))
		}
	}
	return nil
}

// Execute drains the queued tick inputs and raises one alert per series
// whose score meets the threshold. With no inputs queued it does nothing
// unless ALLOW_EMPTY_INPUTS is set.
func (r *Relay) Execute(ctx context.Context) ([]plugin.Envelope, error) {
	now := r.Now()
	if !r.DelayElapsed(now) {
		return nil, nil
	}

	inputs := r.DrainInputs()
	if len(inputs) == 0 && !r.AllowEmptyInputs() {
		return nil, nil
	}
	r.MarkRun(now)
	r.executions++

	threshold := r.Cfg.Float(KeyAlertThreshold, 0.9)
	filter := seriesFilter(r.Cfg.StringSlice(KeyAlertSeries))

	var alerts []Alert
	for _, in := range inputs {
		for _, inf := range in.Inferences {
			for series, score := range inf.Scores {
				if filter != nil && !filter[series] {
					continue
				}
				if score < threshold {
					continue
				}
				alerts = append(alerts, Alert{
					Series:    series,
					Score:     score,
					Threshold: threshold,
					Engine:    string(inf.Engine),
					Source:    inf.Source.String(),
					Tick:      in.Tick,
				})
			}
		}
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	// Score maps iterate in random order; emit deterministically.
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Tick != alerts[j].Tick {
			return alerts[i].Tick < alerts[j].Tick
		}
		return alerts[i].Series < alerts[j].Series
	})

	out := make([]plugin.Envelope, 0, len(alerts))
	for _, a := range alerts {
		r.alertsRaised++
		out = append(out, r.NewEnvelope(KindAlert, now, a))
	}
	r.Log.Info("Alerts raised", zap.Int("count", len(out)), zap.Float64("threshold", threshold))
	return out, nil
}

// Counters reports executions and alerts raised since construction.
func (r *Relay) Counters() (executions, alertsRaised uint64) {
	return r.executions, r.alertsRaised
}

func seriesFilter(series []string) map[string]bool {
	if len(series) == 0 {
		return nil
	}
	f := make(map[string]bool, len(series))
	for _, s := range series {
		f[s] = true
	}
	return f
}
