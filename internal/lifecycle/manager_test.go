package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"edgenode/internal/metrics"
	"edgenode/internal/resolver"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeInstance records lifecycle calls and keeps a mutable runtime state
// counter so tests can tell a surviving instance from a rebuilt one.
type fakeInstance struct {
	mu        sync.Mutex
	key       plugin.InstanceKey
	cfg       plugin.Config
	startups  int
	teardowns int
	state     int
	changed   [][]string
}

func (f *fakeInstance) Startup(ctx context.Context) error {
	f.mu.Lock()
	f.startups++
	sleep := f.cfg.Duration("STARTUP_SLEEP", 0)
	fail := f.cfg.Bool("FAIL_STARTUP", false)
	f.mu.Unlock()

	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("scripted startup failure")
	}
	return nil
}

func (f *fakeInstance) Teardown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	return nil
}

func (f *fakeInstance) OnConfigUpdate(changed []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, changed)
	return nil
}

func (f *fakeInstance) bumpState() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state++
}

func (f *fakeInstance) snapshot() (startups, teardowns, state int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startups, f.teardowns, f.state
}

// countingDiscoverer counts discovery cycles and never finds anything.
type countingDiscoverer struct {
	mu        sync.Mutex
	discovers int
}

func (d *countingDiscoverer) Discover(category plugin.Category, sig plugin.Signature) (*resolver.Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discovers++
	return nil, nil
}

func (d *countingDiscoverer) Read(c *resolver.Candidate) ([]byte, error) { return nil, nil }

func (d *countingDiscoverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discovers
}

type harness struct {
	mgr  *Manager
	disc *countingDiscoverer

	mu      sync.Mutex
	created []*fakeInstance
}

func (h *harness) createdCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.created)
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	h := &harness{disc: &countingDiscoverer{}}

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(plugin.Descriptor{
		Signature:   "WORKER",
		Category:    plugin.CategoryBusiness,
		Description: "test worker",
		Version:     "0.1.0",
		Factory: func(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) (plugin.Plugin, error) {
			if cfg.Bool("FAIL_FACTORY", false) {
				return nil, fmt.Errorf("scripted factory failure")
			}
			inst := &fakeInstance{key: key, cfg: cfg}
			h.mu.Lock()
			h.created = append(h.created, inst)
			h.mu.Unlock()
			return inst, nil
		},
		Spec: &schema.Spec{
			Kind: "business/WORKER",
			Fields: []schema.Field{
				{Key: "RATE", Type: schema.TypeFloat, Default: 1.0, Min: schema.FloatPtr(0), Max: schema.FloatPtr(100)},
				{Key: "NOTE", Type: schema.TypeString},
				{Key: "FAIL_STARTUP", Type: schema.TypeBool, Default: false},
				{Key: "FAIL_FACTORY", Type: schema.TypeBool, Default: false},
				{Key: "STARTUP_SLEEP", Type: schema.TypeDuration},
			},
		},
	}))

	rules := schema.NewCache(true, logger)
	res := resolver.New(reg, h.disc, rules, resolver.DefaultOptions(), logger, metrics.NewTestSet())
	runtime := func(key plugin.InstanceKey) *plugin.Runtime {
		return plugin.NewRuntime(logger, plugin.NodeInfo{Name: "test-node"}, nil)
	}

	h.mgr = NewManager(plugin.CategoryBusiness, res, rules, runtime, opts, logger, metrics.NewTestSet())
	return h
}

func workerKey(id string) plugin.InstanceKey {
	return plugin.InstanceKey{
		Category:   plugin.CategoryBusiness,
		Pipeline:   "pipe1",
		Signature:  "WORKER",
		InstanceID: id,
	}
}

func desiredSet(ids ...string) map[plugin.InstanceKey]plugin.Config {
	out := make(map[plugin.InstanceKey]plugin.Config, len(ids))
	for _, id := range ids {
		out[workerKey(id)] = plugin.Config{}
	}
	return out
}

func TestRefresh_ConstructsDesired(t *testing.T) {
	h := newHarness(t, Options{})

	report := h.mgr.Refresh(context.Background(), desiredSet("A", "B"))

	assert.Len(t, report.Constructed, 2)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 2, h.mgr.Len())

	inst, ok := h.mgr.Get(workerKey("A"))
	require.True(t, ok)
	startups, teardowns, _ := inst.Plugin.(*fakeInstance).snapshot()
	assert.Equal(t, 1, startups)
	assert.Equal(t, 0, teardowns)
}

func TestRefresh_Idempotent(t *testing.T) {
	h := newHarness(t, Options{})
	desired := desiredSet("A", "B")

	first := h.mgr.Refresh(context.Background(), desired)
	require.Len(t, first.Constructed, 2)

	instA, _ := h.mgr.Get(workerKey("A"))
	pluginA := instA.Plugin

	second := h.mgr.Refresh(context.Background(), desired)

	assert.Empty(t, second.Constructed)
	assert.Empty(t, second.Merged)
	assert.Empty(t, second.Removed)
	assert.Len(t, second.Retained, 2)
	assert.False(t, second.Changed())

	// Object identity persists across ticks.
	instA2, _ := h.mgr.Get(workerKey("A"))
	assert.Same(t, pluginA, instA2.Plugin)
	assert.Equal(t, 2, h.createdCount())
}

func TestRefresh_RemovesUndesired(t *testing.T) {
	h := newHarness(t, Options{})

	h.mgr.Refresh(context.Background(), desiredSet("A", "B"))
	instB, _ := h.mgr.Get(workerKey("B"))

	report := h.mgr.Refresh(context.Background(), desiredSet("A"))

	assert.Equal(t, []plugin.InstanceKey{workerKey("B")}, report.Removed)
	assert.Equal(t, 1, h.mgr.Len())

	_, teardowns, _ := instB.Plugin.(*fakeInstance).snapshot()
	assert.Equal(t, 1, teardowns)
}

func TestRefresh_RemoveThenReaddBuildsFresh(t *testing.T) {
	h := newHarness(t, Options{})

	h.mgr.Refresh(context.Background(), desiredSet("A"))
	orig, _ := h.mgr.Get(workerKey("A"))
	origPlugin := orig.Plugin.(*fakeInstance)
	origPlugin.bumpState()

	h.mgr.Refresh(context.Background(), desiredSet())
	report := h.mgr.Refresh(context.Background(), desiredSet("A"))

	require.Len(t, report.Constructed, 1)
	fresh, _ := h.mgr.Get(workerKey("A"))
	freshPlugin := fresh.Plugin.(*fakeInstance)

	// A full teardown and a fresh construction: new object, default state.
	assert.NotSame(t, origPlugin, freshPlugin)
	_, origTeardowns, origState := origPlugin.snapshot()
	assert.Equal(t, 1, origTeardowns)
	assert.Equal(t, 1, origState)
	_, _, freshState := freshPlugin.snapshot()
	assert.Equal(t, 0, freshState, "no state carries over")
}

func TestRefresh_IncrementalMerge(t *testing.T) {
	h := newHarness(t, Options{})
	key := workerKey("A")

	h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		key: {"RATE": 1.0, "NOTE": "v1"},
	})
	inst, _ := h.mgr.Get(key)
	fake := inst.Plugin.(*fakeInstance)
	fake.bumpState()

	report := h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		key: {"RATE": 2.5, "NOTE": "v1"},
	})

	assert.Equal(t, []plugin.InstanceKey{key}, report.Merged)
	assert.Empty(t, report.Constructed)

	// Same object, config updated in place, runtime state untouched.
	after, _ := h.mgr.Get(key)
	assert.Same(t, fake, after.Plugin)
	assert.Equal(t, 2.5, fake.cfg.Float("RATE", 0))
	assert.Equal(t, "v1", fake.cfg.String("NOTE", ""))
	_, _, state := fake.snapshot()
	assert.Equal(t, 1, state)

	fake.mu.Lock()
	require.Len(t, fake.changed, 1)
	assert.Equal(t, []string{"RATE"}, fake.changed[0])
	fake.mu.Unlock()
}

func TestRefresh_MergeRejectedKeepsPreviousConfig(t *testing.T) {
	h := newHarness(t, Options{})
	key := workerKey("A")

	h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		key: {"RATE": 2.0},
	})
	inst, _ := h.mgr.Get(key)

	report := h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		key: {"RATE": 500.0}, // above the schema maximum
	})

	require.Contains(t, report.MergeRejected, key)
	assert.Empty(t, report.Merged)
	assert.Equal(t, 2.0, inst.Config.Float("RATE", 0), "previous config stays in force")
}

func TestRefresh_ConstructionCapDefersFIFO(t *testing.T) {
	h := newHarness(t, Options{MaxNewPerTick: 2})
	desired := desiredSet("A", "B", "C", "D", "E")

	r1 := h.mgr.Refresh(context.Background(), desired)
	assert.Len(t, r1.Constructed, 2)
	require.Len(t, r1.Deferred, 3)
	deferredFirst := r1.Deferred[0]

	r2 := h.mgr.Refresh(context.Background(), desired)
	assert.Len(t, r2.Constructed, 2)
	assert.Len(t, r2.Deferred, 1)
	// Deferred keys keep their FIFO position.
	assert.Equal(t, deferredFirst, r2.Constructed[0])

	r3 := h.mgr.Refresh(context.Background(), desired)
	assert.Len(t, r3.Constructed, 1)
	assert.Empty(t, r3.Deferred)
	assert.Equal(t, 5, h.mgr.Len())
}

func TestRefresh_FailureIsolation(t *testing.T) {
	h := newHarness(t, Options{})
	good := workerKey("GOOD")
	bad := workerKey("BAD")

	desired := map[plugin.InstanceKey]plugin.Config{
		good: {},
		bad:  {"FAIL_STARTUP": true},
	}

	report := h.mgr.Refresh(context.Background(), desired)

	// The bad key fails alone; the good one is live.
	assert.Equal(t, []plugin.InstanceKey{good}, report.Constructed)
	require.Contains(t, report.Failed, bad)
	assert.Equal(t, 1, h.mgr.Len())

	// Retried next tick, still failing.
	report = h.mgr.Refresh(context.Background(), desired)
	require.Contains(t, report.Failed, bad)

	// A fixed config heals it.
	desired[bad] = plugin.Config{}
	report = h.mgr.Refresh(context.Background(), desired)
	assert.Equal(t, []plugin.InstanceKey{bad}, report.Constructed)
	assert.Equal(t, 2, h.mgr.Len())
}

func TestRefresh_FactoryFailureIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	bad := workerKey("BAD")

	report := h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		bad: {"FAIL_FACTORY": true},
	})
	require.Contains(t, report.Failed, bad)
	assert.Contains(t, report.Failed[bad].Error(), "factory")
	assert.Equal(t, 0, h.mgr.Len())
}

func TestRefresh_SuppressStopsRetries(t *testing.T) {
	h := newHarness(t, Options{})
	bad := workerKey("BAD")
	desired := map[plugin.InstanceKey]plugin.Config{bad: {"FAIL_STARTUP": true}}

	h.mgr.Refresh(context.Background(), desired)
	attempts := h.createdCount()
	require.Equal(t, 1, attempts)

	h.mgr.Suppress(bad)
	report := h.mgr.Refresh(context.Background(), desired)
	assert.NotContains(t, report.Failed, bad)
	assert.Equal(t, attempts, h.createdCount(), "suppressed key is not attempted")

	h.mgr.Unsuppress(bad)
	report = h.mgr.Refresh(context.Background(), desired)
	assert.Contains(t, report.Failed, bad)
	assert.Equal(t, attempts+1, h.createdCount())
}

func TestRefresh_StartupTimeoutFailsKey(t *testing.T) {
	h := newHarness(t, Options{ConstructTimeout: 30 * time.Millisecond})
	slow := workerKey("SLOW")

	report := h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		slow: {"STARTUP_SLEEP": "200ms"},
	})

	require.Contains(t, report.Failed, slow)
	assert.Contains(t, report.Failed[slow].Error(), "timed out")
	assert.Equal(t, 0, h.mgr.Len())
}

func TestRefresh_InvalidConfigRejectedBeforeFactory(t *testing.T) {
	h := newHarness(t, Options{})
	bad := workerKey("BAD")

	report := h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		bad: {"RATE": -5.0},
	})

	require.Contains(t, report.Failed, bad)
	assert.ErrorIs(t, report.Failed[bad], schema.ErrInvalid)
	assert.Equal(t, 0, h.createdCount(), "factory never ran")
}

func TestRefresh_UnknownSignatureFailsSticky(t *testing.T) {
	h := newHarness(t, Options{})
	ghost := plugin.InstanceKey{
		Category:   plugin.CategoryBusiness,
		Pipeline:   "pipe1",
		Signature:  "GHOST",
		InstanceID: "G1",
	}
	desired := map[plugin.InstanceKey]plugin.Config{ghost: {}}

	report := h.mgr.Refresh(context.Background(), desired)
	require.Contains(t, report.Failed, ghost)
	assert.ErrorIs(t, report.Failed[ghost], resolver.ErrNotFound)

	// The second refresh hits the sticky cache: no new discovery cycle.
	h.mgr.Refresh(context.Background(), desired)
	assert.Equal(t, 1, h.disc.count())
}

func TestRefresh_UndeclaredKeysTolerated(t *testing.T) {
	h := newHarness(t, Options{})
	key := workerKey("A")

	report := h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		key: {"SOMETHING_ELSE": 42},
	})
	assert.Len(t, report.Constructed, 1)
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, Options{})
	h.mgr.Refresh(context.Background(), desiredSet("A", "B", "C"))
	require.Equal(t, 3, h.mgr.Len())

	h.mgr.StopAll()
	assert.Equal(t, 0, h.mgr.Len())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, inst := range h.created {
		_, teardowns, _ := inst.snapshot()
		assert.Equal(t, 1, teardowns)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	h.mgr.Refresh(context.Background(), map[plugin.InstanceKey]plugin.Config{
		workerKey("A"): {},
		workerKey("B"): {"FAIL_STARTUP": true},
	})

	live, failed := h.mgr.Snapshot()
	require.Len(t, live, 1)
	assert.Equal(t, "WORKER", live[0].Signature)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "startup")
	assert.Equal(t, 1, failed[0].Failures)
}
