// Package digest provides the TELEMETRY_DIGEST business plugin: windowed
// min/max/mean summaries of numeric telemetry, emitted every
// DIGEST_WINDOW executed ticks. Lifetime totals persist across restarts
// through the runtime state store.
package digest

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"edgenode/internal/plugins/base"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"
)

// Signature identifies this plugin in pipeline definitions.
const Signature = "TELEMETRY_DIGEST"

// KindDigest is the envelope kind of emitted digests.
const KindDigest = "DIGEST"

// KeyDigestWindow configures how many executed ticks one digest spans.
const KeyDigestWindow = "DIGEST_WINDOW"

// stateKeyTotals is the persistence key for lifetime counters.
const stateKeyTotals = "totals"

var spec = &schema.Spec{
	Kind:    "business/TELEMETRY_DIGEST",
	Extends: base.BusinessSpec(),
	Fields: []schema.Field{
		{Key: KeyDigestWindow, Type: schema.TypeInt, Default: 10, Min: schema.FloatPtr(1)},
	},
}

func init() {
	plugin.MustRegister(plugin.Descriptor{
		Signature:   Signature,
		Category:    plugin.CategoryBusiness,
		Description: "Emits windowed min/max/mean digests of numeric telemetry",
		Version:     "1.0.0",
		Priority:    plugin.PriorityDefault,
		Factory:     New,
		Defaults:    plugin.Config(schema.MustCompile(spec).Defaults()),
		Spec:        spec,
	})
}

// SeriesDigest is one series' summary within a digest payload.
type SeriesDigest struct {
	Series string  `json:"series"`
	Count  uint64  `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

// Payload is the digest envelope body.
type Payload struct {
	WindowTicks int            `json:"window_ticks"`
	Series      []SeriesDigest `json:"series"`
	Totals      Totals         `json:"totals"`
}

// Totals are lifetime counters that survive restarts.
type Totals struct {
	Samples uint64 `json:"samples"`
	Digests uint64 `json:"digests"`
}

type agg struct {
	count    uint64
	min, max float64
	sum      float64
}

// Digest accumulates numeric fields per series and emits a summary when
// the window completes.
type Digest struct {
	base.Business

	window map[string]*agg
	ticks  int
	totals Totals
}

// New constructs a digest instance with an empty window.
func New(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) (plugin.Plugin, error) {
	return &Digest{
		Business: base.NewBusiness(rt, key, cfg),
		window:   make(map[string]*agg),
	}, nil
}

// Startup restores lifetime totals from the state store when one is
// configured.
func (d *Digest) Startup(ctx context.Context) error {
	if d.RT.State == nil {
		return nil
	}
	found, err := d.RT.State.Load(stateKeyTotals, &d.totals)
	if err != nil {
		return err
	}
	if found {
		d.Log.Info("Restored digest totals",
			zap.Uint64("samples", d.totals.Samples),
			zap.Uint64("digests", d.totals.Digests))
	}
	return nil
}

// Execute folds the tick's batches into the window and emits one digest
// envelope when DIGEST_WINDOW executed ticks have accumulated.
func (d *Digest) Execute(ctx context.Context) ([]plugin.Envelope, error) {
	now := d.Now()
	if !d.DelayElapsed(now) {
		return nil, nil
	}

	inputs := d.DrainInputs()
	if len(inputs) == 0 && !d.AllowEmptyInputs() {
		return nil, nil
	}
	d.MarkRun(now)

	for _, in := range inputs {
		for _, b := range in.Batches {
			for _, s := range b.Samples {
				d.fold(s)
			}
		}
	}
	d.ticks++

	size := d.Cfg.Int(KeyDigestWindow, 10)
	if d.ticks < size {
		return nil, nil
	}

	payload := d.buildPayload(size)
	d.window = make(map[string]*agg)
	d.ticks = 0

	if d.RT.State != nil {
		if err := d.RT.State.Save(stateKeyTotals, d.totals); err != nil {
			d.Log.Warn("Persisting digest totals failed", zap.Error(err))
		}
	}

	d.Log.Debug("Digest emitted", zap.Int("series", len(payload.Series)))
	return []plugin.Envelope{d.NewEnvelope(KindDigest, now, payload)}, nil
}

func (d *Digest) fold(s plugin.Sample) {
	for field, raw := range s.Fields {
		v, ok := base.Numeric(raw)
		if !ok {
			continue
		}
		name := s.Kind + "." + field
		a := d.window[name]
		if a == nil {
			a = &agg{min: v, max: v}
			d.window[name] = a
		}
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
		a.sum += v
		a.count++
		d.totals.Samples++
	}
}

func (d *Digest) buildPayload(size int) Payload {
	d.totals.Digests++

	names := make([]string, 0, len(d.window))
	for name := range d.window {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]SeriesDigest, 0, len(names))
	for _, name := range names {
		a := d.window[name]
		series = append(series, SeriesDigest{
			Series: name,
			Count:  a.count,
			Min:    a.min,
			Max:    a.max,
			Mean:   a.sum / float64(a.count),
		})
	}
	return Payload{WindowTicks: size, Series: series, Totals: d.totals}
}

// Totals reports the lifetime counters.
func (d *Digest) Totals() Totals { return d.totals }
