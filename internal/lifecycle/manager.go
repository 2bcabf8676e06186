// Package lifecycle maps desired instance keys to live plugin instances,
// one manager per category. A refresh computes the delta against the live
// set: new keys are resolved, validated, constructed, and started under a
// timeout; removed keys are torn down; retained keys get changed config
// fields merged in place. Failures never cross keys and never abort a
// refresh.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"edgenode/internal/metrics"
	"edgenode/internal/resolver"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"

	"go.uber.org/zap"
)

// Instance is one live plugin instance and its bookkeeping. The Plugin
// object's identity persists for as long as its key stays desired; only
// Config contents and tick stamps mutate.
type Instance struct {
	Key        plugin.InstanceKey
	Descriptor *plugin.Descriptor

	// Config is shared with the plugin instance: incremental merges write
	// changed fields into this map so the instance observes updates
	// without reconstruction.
	Config plugin.Config

	Plugin plugin.Plugin

	CreatedTick     uint64
	LastTickUpdated uint64
	StartedAt       time.Time
}

// RuntimeFactory builds the construction runtime for a key: scoped logger,
// persistence scope, node identity.
type RuntimeFactory func(key plugin.InstanceKey) *plugin.Runtime

// Options tune a manager.
type Options struct {
	// MaxNewPerTick caps constructions in a single refresh; keys past the
	// cap are deferred in FIFO order. Zero means unlimited.
	MaxNewPerTick int

	// ConstructTimeout bounds factory plus Startup per instance. A timeout
	// marks the key failed-this-tick instead of stalling the refresh.
	ConstructTimeout time.Duration
}

const defaultConstructTimeout = 10 * time.Second

// Manager owns the live instances of one category.
type Manager struct {
	category plugin.Category
	resolver *resolver.Resolver
	rules    *schema.Cache
	runtime  RuntimeFactory
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Set

	live       map[plugin.InstanceKey]*Instance
	pending    []plugin.InstanceKey
	suppressed map[plugin.InstanceKey]bool
	failures   map[plugin.InstanceKey]*failureRecord

	tick uint64
}

type failureRecord struct {
	count    int
	lastErr  error
	lastTick uint64
}

// NewManager creates a lifecycle manager for one category.
func NewManager(category plugin.Category, res *resolver.Resolver, rules *schema.Cache, runtime RuntimeFactory, opts Options, logger *zap.Logger, m *metrics.Set) *Manager {
	if opts.ConstructTimeout <= 0 {
		opts.ConstructTimeout = defaultConstructTimeout
	}
	return &Manager{
		category:   category,
		resolver:   res,
		rules:      rules,
		runtime:    runtime,
		opts:       opts,
		logger:     logger.Named("lifecycle").With(zap.String("category", string(category))),
		metrics:    m,
		live:       make(map[plugin.InstanceKey]*Instance),
		suppressed: make(map[plugin.InstanceKey]bool),
		failures:   make(map[plugin.InstanceKey]*failureRecord),
	}
}

// Category returns the manager's category.
func (m *Manager) Category() plugin.Category { return m.category }

// Refresh reconciles the live set against desired. Called once per tick
// from the scheduler goroutine; not safe for concurrent use.
func (m *Manager) Refresh(ctx context.Context, desired map[plugin.InstanceKey]plugin.Config) Report {
	m.tick++
	started := time.Now()
	report := Report{
		Tick:          m.tick,
		Failed:        make(map[plugin.InstanceKey]error),
		MergeRejected: make(map[plugin.InstanceKey]error),
	}

	m.removeUndesired(desired, &report)
	m.constructNew(ctx, desired, &report)
	m.mergeRetained(desired, &report)

	m.metrics.LiveInstances.WithLabelValues(string(m.category)).Set(float64(len(m.live)))
	report.Duration = time.Since(started)

	if report.Changed() || len(report.Failed) > 0 {
		m.logger.Info("Refresh complete",
			zap.Uint64("tick", m.tick),
			zap.Int("constructed", len(report.Constructed)),
			zap.Int("merged", len(report.Merged)),
			zap.Int("removed", len(report.Removed)),
			zap.Int("deferred", len(report.Deferred)),
			zap.Int("failed", len(report.Failed)),
			zap.Duration("duration", report.Duration))
	}
	return report
}

// removeUndesired tears down every live instance whose key left the
// desired set. Teardown errors are logged, never propagated.
func (m *Manager) removeUndesired(desired map[plugin.InstanceKey]plugin.Config, report *Report) {
	var doomed []plugin.InstanceKey
	for key := range m.live {
		if _, ok := desired[key]; !ok {
			doomed = append(doomed, key)
		}
	}
	sortKeys(doomed)

	for _, key := range doomed {
		m.teardown(m.live[key])
		report.Removed = append(report.Removed, key)
	}
}

// constructNew builds instances for keys that are desired but not live,
// honoring the per-tick cap. Keys deferred on an earlier tick keep their
// FIFO position ahead of newly appearing keys.
func (m *Manager) constructNew(ctx context.Context, desired map[plugin.InstanceKey]plugin.Config, report *Report) {
	isNew := func(key plugin.InstanceKey) bool {
		if _, live := m.live[key]; live {
			return false
		}
		_, wanted := desired[key]
		return wanted && !m.suppressed[key]
	}

	// Carried-over deferrals first, in their original order.
	var queue []plugin.InstanceKey
	queued := make(map[plugin.InstanceKey]bool)
	for _, key := range m.pending {
		if isNew(key) && !queued[key] {
			queue = append(queue, key)
			queued[key] = true
		}
	}
	var fresh []plugin.InstanceKey
	for key := range desired {
		if isNew(key) && !queued[key] {
			fresh = append(fresh, key)
		}
	}
	sortKeys(fresh)
	queue = append(queue, fresh...)
	m.pending = nil

	for i, key := range queue {
		if m.opts.MaxNewPerTick > 0 && len(report.Constructed)+len(report.Failed) >= m.opts.MaxNewPerTick {
			m.pending = append([]plugin.InstanceKey(nil), queue[i:]...)
			report.Deferred = append(report.Deferred, m.pending...)
			m.metrics.DeferredKeys.WithLabelValues(string(m.category)).Add(float64(len(m.pending)))
			m.logger.Debug("Construction cap reached, deferring",
				zap.Int("deferred", len(m.pending)))
			break
		}

		if err := m.construct(ctx, key, desired[key]); err != nil {
			report.Failed[key] = err
			m.recordFailure(key, err)
			continue
		}
		report.Constructed = append(report.Constructed, key)
		delete(m.failures, key)
	}
}

// construct resolves, validates, builds, and starts one instance.
func (m *Manager) construct(ctx context.Context, key plugin.InstanceKey, overrides plugin.Config) error {
	desc, err := m.resolver.Resolve(key.Category, string(key.Signature))
	if err != nil {
		return err
	}

	effective := desc.Defaults.Clone()
	for k, v := range overrides.Clone() {
		effective[k] = v
	}

	if desc.Spec != nil {
		rules, rerr := m.rules.Rules(desc.Spec)
		if rerr != nil {
			return fmt.Errorf("config rules for %s: %w", desc.Kind(), rerr)
		}
		if unknown := rules.Unknown(effective); len(unknown) > 0 {
			m.logger.Warn("Ignoring undeclared config keys",
				zap.String("key", key.String()),
				zap.Strings("unknown", unknown))
		}
		if verr := rules.Validate(effective); verr != nil {
			return fmt.Errorf("construct %s: %w", key, verr)
		}
	}

	inst, err := m.build(ctx, key, desc, effective)
	if err != nil {
		m.metrics.ConstructionFailures.WithLabelValues(string(m.category)).Inc()
		m.logger.Warn("Construction failed",
			zap.String("key", key.String()),
			zap.Error(err))
		return err
	}

	m.live[key] = inst
	m.metrics.Constructions.WithLabelValues(string(m.category)).Inc()
	m.logger.Info("Instance constructed",
		zap.String("key", key.String()),
		zap.String("version", desc.Version),
		zap.String("module", desc.Module))
	return nil
}

// build runs factory and Startup under the construction timeout. First-time
// bootstrap can block on downloads or device warmup; the timeout keeps one
// slow instance from stalling the whole tick.
func (m *Manager) build(ctx context.Context, key plugin.InstanceKey, desc *plugin.Descriptor, effective plugin.Config) (*Instance, error) {
	p, err := safeCall(func() (plugin.Plugin, error) {
		return desc.Factory(m.runtime(key), key, effective)
	})
	if err != nil {
		return nil, fmt.Errorf("factory: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("factory returned nil instance")
	}

	tctx, cancel := context.WithTimeout(ctx, m.opts.ConstructTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, serr := safeCall(func() (plugin.Plugin, error) {
			return nil, p.Startup(tctx)
		})
		done <- serr
	}()

	select {
	case serr := <-done:
		if serr != nil {
			m.teardownQuietly(key, p)
			return nil, fmt.Errorf("startup: %w", serr)
		}
	case <-tctx.Done():
		// No cancellation primitive exists for an in-flight startup; the
		// goroutine finishes on its own time and a late success is torn
		// down then, never used.
		go func() {
			if serr := <-done; serr == nil {
				m.teardownQuietly(key, p)
			}
		}()
		return nil, fmt.Errorf("startup timed out after %s", m.opts.ConstructTimeout)
	}

	return &Instance{
		Key:             key,
		Descriptor:      desc,
		Config:          effective,
		Plugin:          p,
		CreatedTick:     m.tick,
		LastTickUpdated: m.tick,
		StartedAt:       time.Now(),
	}, nil
}

// mergeRetained applies incremental config merges to instances that stayed
// desired. Only changed fields are written; runtime state is untouched. A
// merge that fails validation is rejected and the previous config stays in
// force.
func (m *Manager) mergeRetained(desired map[plugin.InstanceKey]plugin.Config, report *Report) {
	constructed := make(map[plugin.InstanceKey]bool, len(report.Constructed))
	for _, key := range report.Constructed {
		constructed[key] = true
	}

	var retained []plugin.InstanceKey
	for key := range desired {
		if _, live := m.live[key]; live && !constructed[key] {
			retained = append(retained, key)
		}
	}
	sortKeys(retained)

	for _, key := range retained {
		inst := m.live[key]

		effective := inst.Descriptor.Defaults.Clone()
		for k, v := range desired[key].Clone() {
			effective[k] = v
		}

		changed := inst.Config.Diff(effective)
		if len(changed) == 0 {
			report.Retained = append(report.Retained, key)
			continue
		}

		if inst.Descriptor.Spec != nil {
			if rules, err := m.rules.Rules(inst.Descriptor.Spec); err == nil {
				if verr := rules.Validate(effective); verr != nil {
					report.MergeRejected[key] = verr
					m.logger.Warn("Config merge rejected, previous config kept",
						zap.String("key", key.String()),
						zap.Strings("changed", changed),
						zap.Error(verr))
					continue
				}
			}
		}

		inst.Config.ApplyFrom(effective, changed)
		inst.LastTickUpdated = m.tick
		m.metrics.ConfigMerges.WithLabelValues(string(m.category)).Inc()

		if rc, ok := inst.Plugin.(plugin.Reconfigurable); ok {
			if _, err := safeCall(func() (plugin.Plugin, error) {
				return nil, rc.OnConfigUpdate(changed)
			}); err != nil {
				m.logger.Warn("Instance rejected config update",
					zap.String("key", key.String()),
					zap.Error(err))
			}
		}

		report.Merged = append(report.Merged, key)
		m.logger.Info("Config merged",
			zap.String("key", key.String()),
			zap.Strings("changed", changed))
	}
}

func (m *Manager) teardown(inst *Instance) {
	if _, err := safeCall(func() (plugin.Plugin, error) {
		return nil, inst.Plugin.Teardown()
	}); err != nil {
		m.logger.Warn("Teardown failed",
			zap.String("key", inst.Key.String()),
			zap.Error(err))
	}
	delete(m.live, inst.Key)
	m.metrics.Teardowns.WithLabelValues(string(m.category)).Inc()
	m.logger.Info("Instance torn down", zap.String("key", inst.Key.String()))
}

func (m *Manager) teardownQuietly(key plugin.InstanceKey, p plugin.Plugin) {
	if _, err := safeCall(func() (plugin.Plugin, error) {
		return nil, p.Teardown()
	}); err != nil {
		m.logger.Debug("Teardown of failed construction",
			zap.String("key", key.String()),
			zap.Error(err))
	}
}

func (m *Manager) recordFailure(key plugin.InstanceKey, err error) {
	rec := m.failures[key]
	if rec == nil {
		rec = &failureRecord{}
		m.failures[key] = rec
	}
	rec.count++
	rec.lastErr = err
	rec.lastTick = m.tick
}

// Suppress stops retrying a persistently failing key until Unsuppress.
func (m *Manager) Suppress(key plugin.InstanceKey) {
	m.suppressed[key] = true
	m.logger.Info("Key suppressed", zap.String("key", key.String()))
}

// Unsuppress re-enables construction retries for a key.
func (m *Manager) Unsuppress(key plugin.InstanceKey) {
	delete(m.suppressed, key)
}

// Get returns the live instance for a key.
func (m *Manager) Get(key plugin.InstanceKey) (*Instance, bool) {
	inst, ok := m.live[key]
	return inst, ok
}

// Live returns the live instances sorted by key for deterministic
// iteration.
func (m *Manager) Live() []*Instance {
	keys := make([]plugin.InstanceKey, 0, len(m.live))
	for key := range m.live {
		keys = append(keys, key)
	}
	sortKeys(keys)

	out := make([]*Instance, len(keys))
	for i, key := range keys {
		out[i] = m.live[key]
	}
	return out
}

// Len returns the live instance count.
func (m *Manager) Len() int { return len(m.live) }

// StopAll tears down every live instance, newest first. Used at shutdown.
func (m *Manager) StopAll() {
	insts := m.Live()
	for i := len(insts) - 1; i >= 0; i-- {
		m.teardown(insts[i])
	}
}

// InstanceStatus is a /status row for one live instance.
type InstanceStatus struct {
	Key         string    `json:"key"`
	Signature   string    `json:"signature"`
	Version     string    `json:"version,omitempty"`
	Module      string    `json:"module,omitempty"`
	CreatedTick uint64    `json:"created_tick"`
	UpdatedTick uint64    `json:"updated_tick"`
	StartedAt   time.Time `json:"started_at"`
}

// FailureStatus is a /status row for a key that keeps failing.
type FailureStatus struct {
	Key        string `json:"key"`
	Failures   int    `json:"failures"`
	LastError  string `json:"last_error"`
	LastTick   uint64 `json:"last_tick"`
	Suppressed bool   `json:"suppressed"`
}

// Snapshot returns status rows for live instances and failing keys.
func (m *Manager) Snapshot() ([]InstanceStatus, []FailureStatus) {
	live := make([]InstanceStatus, 0, len(m.live))
	for _, inst := range m.Live() {
		live = append(live, InstanceStatus{
			Key:         inst.Key.String(),
			Signature:   string(inst.Key.Signature),
			Version:     inst.Descriptor.Version,
			Module:      inst.Descriptor.Module,
			CreatedTick: inst.CreatedTick,
			UpdatedTick: inst.LastTickUpdated,
			StartedAt:   inst.StartedAt,
		})
	}

	failed := make([]FailureStatus, 0, len(m.failures))
	for key, rec := range m.failures {
		failed = append(failed, FailureStatus{
			Key:        key.String(),
			Failures:   rec.count,
			LastError:  rec.lastErr.Error(),
			LastTick:   rec.lastTick,
			Suppressed: m.suppressed[key],
		})
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Key < failed[j].Key })
	return live, failed
}

// safeCall confines plugin panics to the calling key.
func safeCall(fn func() (plugin.Plugin, error)) (p plugin.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func sortKeys(keys []plugin.InstanceKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
