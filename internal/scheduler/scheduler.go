// Package scheduler drives the node's tick loop: seven strictly sequential
// stages from command drain to comm-health evaluation. One goroutine owns
// the loop; capture sources, comm channels, and the serving pool run
// concurrently but exchange data with the tick only through bounded,
// thread-safe buffers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"edgenode/internal/clock"
	"edgenode/internal/comm"
	"edgenode/internal/heartbeat"
	"edgenode/internal/lifecycle"
	"edgenode/internal/metrics"
	"edgenode/internal/pipeline"
	"edgenode/internal/serving"
	"edgenode/pkg/plugin"
)

// ErrCommFailed terminates the loop when a channel exhausts its retry
// budget on a node that is not in offline mode.
var ErrCommFailed = errors.New("comm channel failed after retries")

// Managers bundles the four lifecycle managers in refresh order.
type Managers struct {
	Comm     *lifecycle.Manager
	Capture  *lifecycle.Manager
	Serving  *lifecycle.Manager
	Business *lifecycle.Manager
}

// ordered returns the managers in their refresh order: comm first so the
// channel exists before the tick's envelopes, business last so its engines
// and sources are already live.
func (m Managers) ordered() []*lifecycle.Manager {
	return []*lifecycle.Manager{m.Comm, m.Capture, m.Serving, m.Business}
}

// Options tune the loop.
type Options struct {
	// TickInterval paces Run. Zero falls back to one second.
	TickInterval time.Duration

	// OfflineMode keeps the loop running when comm health fails; the node
	// processes local data indefinitely.
	OfflineMode bool
}

const defaultTickInterval = time.Second

// Scheduler owns the tick loop.
type Scheduler struct {
	opts      Options
	store     *pipeline.Store
	endpoints []pipeline.Endpoint
	managers  Managers
	pool      *serving.Pool
	monitor   *comm.Monitor
	beacon    *heartbeat.Beacon
	node      plugin.NodeInfo
	clk       clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Set

	tick       atomic.Uint64
	lastTickNS atomic.Int64
	instances  atomic.Value // []CategorySnapshot
}

// CategorySnapshot is one manager's published status rows. The scheduler
// refreshes the snapshot at the end of every tick so HTTP handlers can read
// instance state without touching the single-owner managers.
type CategorySnapshot struct {
	Category string                     `json:"category"`
	Live     []lifecycle.InstanceStatus `json:"live"`
	Failed   []lifecycle.FailureStatus  `json:"failed,omitempty"`
}

// New assembles a scheduler. The beacon may be nil when heartbeats are
// disabled.
func New(
	opts Options,
	store *pipeline.Store,
	endpoints []pipeline.Endpoint,
	managers Managers,
	pool *serving.Pool,
	monitor *comm.Monitor,
	beacon *heartbeat.Beacon,
	node plugin.NodeInfo,
	clk clock.Clock,
	logger *zap.Logger,
	m *metrics.Set,
) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Scheduler{
		opts:      opts,
		store:     store,
		endpoints: endpoints,
		managers:  managers,
		pool:      pool,
		monitor:   monitor,
		beacon:    beacon,
		node:      node,
		clk:       clk,
		logger:    logger.Named("scheduler"),
		metrics:   m,
	}
}

// Run drives ticks on the configured interval until the context is
// cancelled or the comm-health stage terminates the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		zap.Duration("interval", s.opts.TickInterval),
		zap.Bool("offline_mode", s.opts.OfflineMode))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped", zap.Uint64("ticks", s.tick.Load()))
			return ctx.Err()
		case <-s.clk.After(s.opts.TickInterval):
			if err := s.RunTick(ctx); err != nil {
				s.logger.Error("Scheduler terminating", zap.Error(err))
				return err
			}
		}
	}
}

// RunTick executes exactly one tick. Exported so tests and the CLI's
// single-step mode can drive the loop themselves.
func (s *Scheduler) RunTick(ctx context.Context) error {
	started := s.clk.Now()
	tick := s.tick.Add(1)

	s.drainCommands()
	pipelines := s.store.Snapshot()

	s.refresh(ctx, pipelines)

	batches := s.collect()
	inferences := s.infer(ctx, batches)
	s.attach(tick, batches, inferences)
	envelopes := s.execute(ctx)
	s.dispatch(pipelines, envelopes, started, tick)
	s.publishInstances()

	s.metrics.Ticks.Inc()
	s.metrics.TickDuration.Observe(s.clk.Since(started).Seconds())
	s.lastTickNS.Store(s.clk.Now().UnixNano())

	if s.monitor.FailedAfterRetries() {
		if s.opts.OfflineMode {
			s.logger.Debug("Comm degraded, offline mode keeps the loop running",
				zap.Uint64("tick", tick))
			return nil
		}
		return fmt.Errorf("tick %d: %w", tick, ErrCommFailed)
	}
	return nil
}

// Tick returns the number of completed ticks.
func (s *Scheduler) Tick() uint64 { return s.tick.Load() }

// publishInstances snapshots every manager for concurrent status readers.
// Runs on the tick goroutine, the only legal caller of Manager.Snapshot.
func (s *Scheduler) publishInstances() {
	snap := make([]CategorySnapshot, 0, 4)
	for _, mgr := range s.managers.ordered() {
		live, failed := mgr.Snapshot()
		snap = append(snap, CategorySnapshot{
			Category: string(mgr.Category()),
			Live:     live,
			Failed:   failed,
		})
	}
	s.instances.Store(snap)
}

// Instances returns the per-category snapshot published by the last
// completed tick. Safe for concurrent readers; empty before the first tick.
func (s *Scheduler) Instances() []CategorySnapshot {
	snap, _ := s.instances.Load().([]CategorySnapshot)
	return snap
}

// LastTickAt returns when the last tick finished, zero before the first.
func (s *Scheduler) LastTickAt() time.Time {
	ns := s.lastTickNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// drainCommands applies queued inbound messages to the pipeline store.
// Unknown commands are skipped; the channel carries more than this node
// consumes.
func (s *Scheduler) drainCommands() {
	for _, msg := range s.monitor.Drain() {
		if err := s.store.HandleCommand(msg); err != nil {
			if errors.Is(err, pipeline.ErrUnknownCommand) {
				s.logger.Debug("Ignoring inbound message", zap.Error(err))
				continue
			}
			s.logger.Warn("Pipeline command failed", zap.Error(err))
		}
	}
}

// refresh reconciles every category against the pipeline snapshot, then
// syncs constructed and removed comm instances with the monitor.
func (s *Scheduler) refresh(ctx context.Context, pipelines []*pipeline.Pipeline) {
	for _, mgr := range s.managers.ordered() {
		desired := pipeline.Desired(mgr.Category(), pipelines, s.endpoints)
		report := mgr.Refresh(ctx, desired)
		if mgr.Category() == plugin.CategoryComm {
			s.syncChannels(report)
		}
	}
}

// syncChannels opens channels for newly constructed comm instances and
// unregisters channels whose instances were torn down.
func (s *Scheduler) syncChannels(report lifecycle.Report) {
	for _, key := range report.Removed {
		s.monitor.Unregister(key.InstanceID)
	}

	for _, key := range report.Constructed {
		inst, ok := s.managers.Comm.Get(key)
		if !ok {
			continue
		}
		provider, ok := inst.Plugin.(plugin.ChannelProvider)
		if !ok {
			s.logger.Warn("Comm instance provides no channel",
				zap.String("key", key.String()))
			continue
		}
		ch, err := provider.OpenChannel()
		if err != nil {
			s.logger.Warn("Channel open failed",
				zap.String("key", key.String()),
				zap.Error(err))
			continue
		}
		if err := s.monitor.Register(key.InstanceID, ch); err != nil {
			s.logger.Warn("Channel registration failed",
				zap.String("key", key.String()),
				zap.Error(err))
		}
	}
}

// collect drains capture buffers grouped by pipeline. A pipeline whose
// business consumers are saturated is skipped for the tick: its captures
// keep buffering (bounded, oldest evicted) and the backlog drains once the
// consumers catch up.
func (s *Scheduler) collect() map[string][]plugin.Batch {
	saturated := s.saturatedPipelines()

	byPipeline := make(map[string][]plugin.Batch)
	for _, inst := range s.managers.Capture.Live() {
		src, ok := inst.Plugin.(plugin.Source)
		if !ok {
			continue
		}

		if saturated[inst.Key.Pipeline] {
			queued, capacity := src.Backlog()
			s.metrics.BackpressureSkips.WithLabelValues(inst.Key.Pipeline).Inc()
			s.logger.Warn("Backpressure, capture collection skipped",
				zap.String("key", inst.Key.String()),
				zap.Int("backlog", queued),
				zap.Int("capacity", capacity))
			continue
		}

		if batches := src.Collect(); len(batches) > 0 {
			byPipeline[inst.Key.Pipeline] = append(byPipeline[inst.Key.Pipeline], batches...)
		}
	}
	return byPipeline
}

func (s *Scheduler) saturatedPipelines() map[string]bool {
	var out map[string]bool
	for _, inst := range s.managers.Business.Live() {
		if sat, ok := inst.Plugin.(plugin.Saturable); ok && sat.Saturated() {
			if out == nil {
				out = make(map[string]bool)
			}
			out[inst.Key.Pipeline] = true
		}
	}
	return out
}

// infer routes the tick's batches to the engines referenced by business
// configs and joins on the serving pool. Results come back keyed by engine
// signature.
func (s *Scheduler) infer(ctx context.Context, batches map[string][]plugin.Batch) map[plugin.Signature][]plugin.Inference {
	if len(batches) == 0 {
		return nil
	}

	jobs := s.buildJobs(batches)
	if len(jobs) == 0 {
		return nil
	}

	out := make(map[plugin.Signature][]plugin.Inference, len(jobs))
	for _, res := range s.pool.RunAll(ctx, jobs) {
		if res.Err != nil {
			s.logger.Warn("Inference failed",
				zap.String("key", res.Key.String()),
				zap.Error(res.Err))
			continue
		}
		out[res.Key.Signature] = append(out[res.Key.Signature], res.Inferences...)
	}
	return out
}

// buildJobs assembles one job per live engine over the batches of every
// pipeline whose business instances reference it.
func (s *Scheduler) buildJobs(batches map[string][]plugin.Batch) []serving.Job {
	// Engine signature -> pipelines feeding it.
	feeds := make(map[plugin.Signature]map[string]bool)
	for _, inst := range s.managers.Business.Live() {
		engine := plugin.NormalizeSignature(inst.Config.String(pipeline.KeyAIEngine, ""))
		if engine == "" {
			continue
		}
		if feeds[engine] == nil {
			feeds[engine] = make(map[string]bool)
		}
		feeds[engine][inst.Key.Pipeline] = true
	}

	var jobs []serving.Job
	for _, inst := range s.managers.Serving.Live() {
		engine, ok := inst.Plugin.(plugin.Engine)
		if !ok {
			continue
		}
		pipelines := feeds[inst.Key.Signature]
		if len(pipelines) == 0 {
			continue
		}

		names := make([]string, 0, len(pipelines))
		for name := range pipelines {
			names = append(names, name)
		}
		sort.Strings(names)

		var routed []plugin.Batch
		for _, name := range names {
			routed = append(routed, batches[name]...)
		}
		if len(routed) == 0 {
			continue
		}
		jobs = append(jobs, serving.Job{Key: inst.Key, Engine: engine, Batches: routed})
	}
	return jobs
}

// attach queues each business instance's share of the tick: its pipeline's
// batches plus the inferences its engine produced over them.
func (s *Scheduler) attach(tick uint64, batches map[string][]plugin.Batch, inferences map[plugin.Signature][]plugin.Inference) {
	for _, inst := range s.managers.Business.Live() {
		consumer, ok := inst.Plugin.(plugin.InputConsumer)
		if !ok {
			continue
		}

		in := plugin.TickInput{
			Tick:    tick,
			Batches: batches[inst.Key.Pipeline],
		}
		engine := plugin.NormalizeSignature(inst.Config.String(pipeline.KeyAIEngine, ""))
		if engine != "" {
			for _, inf := range inferences[engine] {
				if inf.Source.Pipeline == inst.Key.Pipeline {
					in.Inferences = append(in.Inferences, inf)
				}
			}
		}
		if len(in.Batches) == 0 && len(in.Inferences) == 0 {
			continue
		}

		if err := consumer.AddInputs(in); err != nil {
			s.logger.Warn("Input attach failed",
				zap.String("key", inst.Key.String()),
				zap.Error(err))
		}
	}
}

// execute runs every business instance once. Failures are isolated per
// key; a panicking instance loses only its own tick.
func (s *Scheduler) execute(ctx context.Context) []plugin.Envelope {
	var out []plugin.Envelope
	for _, inst := range s.managers.Business.Live() {
		exec, ok := inst.Plugin.(plugin.Executor)
		if !ok {
			continue
		}

		envs, err := safeExecute(ctx, exec)
		s.metrics.BusinessExecutions.Inc()
		if err != nil {
			s.metrics.BusinessFailures.Inc()
			s.logger.Warn("Business execution failed",
				zap.String("key", inst.Key.String()),
				zap.Error(err))
			continue
		}
		out = append(out, envs...)
	}
	return out
}

func safeExecute(ctx context.Context, exec plugin.Executor) (envs []plugin.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			envs = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return exec.Execute(ctx)
}

// dispatch stamps node identity and pipeline session metadata onto the
// tick's envelopes and enqueues them, then emits a heartbeat when due. The
// bounded outbound queue absorbs everything; eviction is its problem.
func (s *Scheduler) dispatch(pipelines []*pipeline.Pipeline, envelopes []plugin.Envelope, now time.Time, tick uint64) {
	sessions := make(map[string]*pipeline.Pipeline, len(pipelines))
	for _, p := range pipelines {
		sessions[p.Name] = p
	}

	for _, env := range envelopes {
		env.Node = s.node.Name
		env.BootID = s.node.BootID
		if env.Kind == "" {
			env.Kind = plugin.KindPayload
		}
		if p, ok := sessions[env.Pipeline]; ok {
			env.Session = p.Session
			env.Initiator = p.Initiator
		}
		s.monitor.Enqueue(env)
	}

	if s.beacon != nil && s.beacon.Due(now) {
		counts := make(map[string]int, 4)
		for _, mgr := range s.managers.ordered() {
			counts[string(mgr.Category())] = mgr.Len()
		}
		if env := s.beacon.Emit(now, tick, counts, s.monitor.QueueDepth()); env != nil {
			s.monitor.Enqueue(*env)
		}
	}
}
