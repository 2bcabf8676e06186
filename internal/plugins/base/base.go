// Package base provides the root configuration schemas and the embeddable
// behavior shared by the builtin plugins: logger scoping, PROCESS_DELAY
// gating, the bounded input queue of business plugins, and the bounded
// batch buffer of capture plugins.
//
// Configuration maps are written in place by incremental merges on the
// scheduler goroutine. Plugins that run their own goroutines must copy the
// values they need at construction and refresh the copies in
// OnConfigUpdate; only tick-thread code may read the map directly.
package base

import (
	"context"
	"sync"
	"time"

	"edgenode/internal/schema"
	"edgenode/pkg/plugin"

	"go.uber.org/zap"
)

// Config keys shared across categories.
const (
	KeyProcessDelay       = "PROCESS_DELAY"
	KeyDisabled           = "DISABLED"
	KeyAllowEmptyInputs   = "ALLOW_EMPTY_INPUTS"
	KeyMaxInputsQueueSize = "MAX_INPUTS_QUEUE_SIZE"
	KeyCapIntervalMS      = "CAP_INTERVAL_MS"
	KeyMaxBufferLen       = "MAX_BUFFER_LEN"
	KeyAIEngine           = "AI_ENGINE"
	KeyURL                = "URL"
	KeyToken              = "TOKEN"
)

var (
	rootSpec = &schema.Spec{
		Kind: "base/root",
		Fields: []schema.Field{
			{Key: KeyProcessDelay, Type: schema.TypeDuration, Default: 0},
			{Key: KeyDisabled, Type: schema.TypeBool, Default: false},
		},
	}

	captureSpec = &schema.Spec{
		Kind:    "base/capture",
		Extends: rootSpec,
		Fields: []schema.Field{
			{Key: KeyCapIntervalMS, Type: schema.TypeInt, Default: 1000, Min: schema.FloatPtr(10)},
			{Key: KeyMaxBufferLen, Type: schema.TypeInt, Default: 32, Min: schema.FloatPtr(1)},
		},
	}

	businessSpec = &schema.Spec{
		Kind:    "base/business",
		Extends: rootSpec,
		Fields: []schema.Field{
			{Key: KeyAllowEmptyInputs, Type: schema.TypeBool, Default: false},
			{Key: KeyMaxInputsQueueSize, Type: schema.TypeInt, Default: 16, Min: schema.FloatPtr(1)},
			{Key: KeyAIEngine, Type: schema.TypeString},
		},
	}

	servingSpec = &schema.Spec{
		Kind:    "base/serving",
		Extends: rootSpec,
	}

	commSpec = &schema.Spec{
		Kind:    "base/comm",
		Extends: rootSpec,
		Fields: []schema.Field{
			{Key: KeyURL, Type: schema.TypeString, Required: true},
			{Key: KeyToken, Type: schema.TypeString},
		},
	}
)

// RootSpec is the chain root all category bases extend.
func RootSpec() *schema.Spec { return rootSpec }

// CaptureSpec is the base schema for capture plugins.
func CaptureSpec() *schema.Spec { return captureSpec }

// BusinessSpec is the base schema for business plugins.
func BusinessSpec() *schema.Spec { return businessSpec }

// ServingSpec is the base schema for serving plugins.
func ServingSpec() *schema.Spec { return servingSpec }

// CommSpec is the base schema for comm plugins.
func CommSpec() *schema.Spec { return commSpec }

// Plugin is the embeddable core: identity, config, scoped logger, and the
// PROCESS_DELAY execution gate.
type Plugin struct {
	Key plugin.InstanceKey
	Cfg plugin.Config
	Log *zap.Logger
	RT  *plugin.Runtime

	lastRun time.Time
}

// New builds the embeddable core with a logger scoped to the instance.
func New(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) Plugin {
	return Plugin{
		Key: key,
		Cfg: cfg,
		Log: rt.Logger.Named(plugin.SnakeName(key.Signature)).With(zap.String("instance", key.InstanceID)),
		RT:  rt,
	}
}

// Startup is a no-op default; plugins with resources override it.
func (p *Plugin) Startup(ctx context.Context) error { return nil }

// Teardown is a no-op default.
func (p *Plugin) Teardown() error { return nil }

// DelayElapsed reports whether PROCESS_DELAY has passed since the previous
// MarkRun. A zero delay always passes.
func (p *Plugin) DelayElapsed(now time.Time) bool {
	delay := p.Cfg.Duration(KeyProcessDelay, 0)
	if delay <= 0 {
		return true
	}
	return p.lastRun.IsZero() || now.Sub(p.lastRun) >= delay
}

// MarkRun records an execution for the PROCESS_DELAY gate.
func (p *Plugin) MarkRun(now time.Time) { p.lastRun = now }

// Now returns the runtime clock's current time.
func (p *Plugin) Now() time.Time { return p.RT.Clock()() }

// NewEnvelope builds an outbound envelope with the instance's identity
// fields filled in; node identity and session metadata are stamped by the
// scheduler before enqueue.
func (p *Plugin) NewEnvelope(kind string, at time.Time, data any) plugin.Envelope {
	return plugin.Envelope{
		Pipeline:   p.Key.Pipeline,
		Signature:  p.Key.Signature,
		InstanceID: p.Key.InstanceID,
		Kind:       kind,
		At:         at,
		Data:       data,
	}
}

// Business adds the bounded per-tick input queue of business plugins.
// AddInputs is called by the scheduler; the oldest queued input is dropped
// when the queue is full, mirroring the outbound queue policy.
type Business struct {
	Plugin

	mu      sync.Mutex
	inputs  []plugin.TickInput
	dropped uint64
}

// NewBusiness builds the business core.
func NewBusiness(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) Business {
	return Business{Plugin: New(rt, key, cfg)}
}

// AddInputs queues one tick's routed inputs, evicting the oldest entry
// when MAX_INPUTS_QUEUE_SIZE is reached.
func (b *Business) AddInputs(in plugin.TickInput) error {
	max := b.Cfg.Int(KeyMaxInputsQueueSize, 16)
	if max < 1 {
		max = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inputs) >= max {
		drop := len(b.inputs) - max + 1
		b.inputs = b.inputs[drop:]
		b.dropped += uint64(drop)
		b.Log.Debug("Input queue full, dropped oldest", zap.Int("dropped", drop))
	}
	b.inputs = append(b.inputs, in)
	return nil
}

// DrainInputs returns and clears the queued inputs.
func (b *Business) DrainInputs() []plugin.TickInput {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.inputs
	b.inputs = nil
	return out
}

// QueueDepth reports the queued input count and drops so far.
func (b *Business) QueueDepth() (depth int, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inputs), b.dropped
}

// AllowEmptyInputs reports whether the instance executes on ticks with no
// queued inputs.
func (b *Business) AllowEmptyInputs() bool {
	return b.Cfg.Bool(KeyAllowEmptyInputs, false)
}

// Saturated reports whether the input queue is at capacity: the next
// AddInputs would evict. The scheduler reads this for backpressure.
func (b *Business) Saturated() bool {
	max := b.Cfg.Int(KeyMaxInputsQueueSize, 16)
	if max < 1 {
		max = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inputs) >= max
}

// Capture adds the bounded batch buffer of capture plugins. The
// acquisition goroutine pushes; the scheduler collects.
type Capture struct {
	Plugin

	mu  sync.Mutex
	buf []plugin.Batch
	seq uint64
	max int
}

// NewCapture builds the capture core. The buffer bound is fixed at
// construction; a MAX_BUFFER_LEN merge takes effect on reconstruction.
func NewCapture(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) Capture {
	max := cfg.Int(KeyMaxBufferLen, 32)
	if max < 1 {
		max = 1
	}
	return Capture{Plugin: New(rt, key, cfg), max: max}
}

// Push wraps samples into a batch and appends it, evicting the oldest
// batch when the buffer is full.
func (c *Capture) Push(at time.Time, samples []plugin.Sample) {
	if len(samples) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	if len(c.buf) >= c.max {
		drop := len(c.buf) - c.max + 1
		c.buf = c.buf[drop:]
		c.Log.Debug("Capture buffer full, dropped oldest", zap.Int("dropped", drop))
	}
	c.buf = append(c.buf, plugin.Batch{
		Source:  c.Key,
		Seq:     c.seq,
		At:      at,
		Samples: samples,
	})
}

// Collect drains the buffered batches.
func (c *Capture) Collect() []plugin.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf
	c.buf = nil
	return out
}

// Backlog reports the buffer depth and capacity.
func (c *Capture) Backlog() (queued, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf), c.max
}

// Numeric coerces a sample field value to float64, tolerating the numeric
// types JSON decoding and direct construction produce.
func Numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
