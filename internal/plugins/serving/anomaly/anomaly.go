// Package anomaly provides the ANOMALY_STATS serving engine: per-series
// rolling mean and standard deviation with z-score output. It is the
// reference engine for statistical anomaly flags on numeric telemetry.
package anomaly

import (
	"context"
	"math"

	"go.uber.org/zap"

	"edgenode/internal/plugins/base"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"
)

// Signature identifies this engine in pipeline definitions.
const Signature = "ANOMALY_STATS"

// KeyWindow configures the rolling window length per series.
const KeyWindow = "WINDOW"

// minObservations is how many points a series needs before it scores;
// below this the z-score is reported as zero.
const minObservations = 3

// minStd floors the deviation denominator so a spike after a perfectly
// flat baseline still produces a finite, very large score.
const minStd = 1e-6

var spec = &schema.Spec{
	Kind:    "serving/ANOMALY_STATS",
	Extends: base.ServingSpec(),
	Fields: []schema.Field{
		{Key: KeyWindow, Type: schema.TypeInt, Default: 64, Min: schema.FloatPtr(8)},
	},
}

func init() {
	plugin.MustRegister(plugin.Descriptor{
		Signature:   Signature,
		Category:    plugin.CategoryServing,
		Description: "Rolling mean/stddev z-scores over numeric telemetry series",
		Version:     "1.0.0",
		Priority:    plugin.PriorityDefault,
		Factory:     New,
		Defaults:    plugin.Config(schema.MustCompile(spec).Defaults()),
		Spec:        spec,
	})
}

// Engine keeps one rolling window per series. Infer runs only on the
// scheduler's inference stage, which is sequenced against refresh, so no
// lock guards the windows.
type Engine struct {
	base.Plugin

	size   int
	series map[string]*window
}

// New constructs the engine with the window size fixed from config.
func New(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) (plugin.Plugin, error) {
	size := cfg.Int(KeyWindow, 64)
	if size < 1 {
		size = 1
	}
	return &Engine{
		Plugin: base.New(rt, key, cfg),
		size:   size,
		series: make(map[string]*window),
	}, nil
}

// OnConfigUpdate resets the baselines when the window length changes;
// scores rebuild from fresh history.
func (e *Engine) OnConfigUpdate(changed []string) error {
	for _, key := range changed {
		if key == KeyWindow {
			size := e.Cfg.Int(KeyWindow, 64)
			if size < 1 {
				size = 1
			}
			e.size = size
			e.series = make(map[string]*window)
			e.Log.Info("Window resized, baselines reset", zap.Int("window", e.size))
		}
	}
	return nil
}

// Infer scores every numeric field of every sample against its series
// baseline and returns one inference per batch carrying the max z-score
// seen per series. Each point is scored against the history before it, then
// folded in.
func (e *Engine) Infer(ctx context.Context, batches []plugin.Batch) ([]plugin.Inference, error) {
	out := make([]plugin.Inference, 0, len(batches))
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		scores := make(map[string]float64)
		for _, s := range b.Samples {
			for field, raw := range s.Fields {
				v, ok := base.Numeric(raw)
				if !ok {
					continue
				}
				name := s.Kind + "." + field
				z := e.observe(name, v)
				if prev, seen := scores[name]; !seen || z > prev {
					scores[name] = z
				}
			}
		}
		if len(scores) == 0 {
			continue
		}

		out = append(out, plugin.Inference{
			Engine: Signature,
			Source: b.Source,
			At:     e.Now(),
			Scores: scores,
		})
	}
	return out, nil
}

// observe scores v against the series baseline, then adds it to the window.
func (e *Engine) observe(name string, v float64) float64 {
	w := e.series[name]
	if w == nil {
		w = newWindow(e.size)
		e.series[name] = w
	}
	z := w.score(v)
	w.add(v)
	return z
}

// window is a fixed-size ring with running sum and sum of squares.
type window struct {
	values []float64
	next   int
	count  int
	sum    float64
	sumsq  float64
}

func newWindow(size int) *window {
	return &window{values: make([]float64, size)}
}

func (w *window) add(v float64) {
	if w.count == len(w.values) {
		old := w.values[w.next]
		w.sum -= old
		w.sumsq -= old * old
	} else {
		w.count++
	}
	w.values[w.next] = v
	w.sum += v
	w.sumsq += v * v
	w.next = (w.next + 1) % len(w.values)
}

// score returns |v-mean|/stddev against the current window, zero while the
// series is too short to have a baseline.
func (w *window) score(v float64) float64 {
	if w.count < minObservations {
		return 0
	}
	n := float64(w.count)
	mean := w.sum / n
	variance := w.sumsq/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	dev := math.Abs(v - mean)
	if dev == 0 {
		return 0
	}
	std := math.Sqrt(variance)
	if std < minStd {
		std = minStd
	}
	return dev / std
}
