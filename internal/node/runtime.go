package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"edgenode/internal/api"
	"edgenode/internal/clock"
	"edgenode/internal/comm"
	"edgenode/internal/heartbeat"
	"edgenode/internal/lifecycle"
	"edgenode/internal/metrics"
	"edgenode/internal/persist"
	"edgenode/internal/pipeline"
	"edgenode/internal/resolver"
	"edgenode/internal/scheduler"
	"edgenode/internal/schema"
	"edgenode/internal/serving"
	"edgenode/pkg/plugin"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runtime owns every long-lived component of one node process.
type Runtime struct {
	opts   Options
	logger *zap.Logger
	node   plugin.NodeInfo

	registry *prometheus.Registry
	metrics  *metrics.Set
	resolver *resolver.Resolver
	states   *persist.Store
	store    *pipeline.Store
	monitor  *comm.Monitor
	pool     *serving.Pool
	managers scheduler.Managers
	sched    *scheduler.Scheduler
	api      *api.Server
}

// New wires the full component graph from options. Nothing is started
// until Run; a fresh boot ID is minted here so every restart is
// distinguishable on the hub side.
func New(opts Options, logger *zap.Logger) (*Runtime, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	node := plugin.NodeInfo{
		Name:    opts.NodeName,
		BootID:  uuid.NewString(),
		Version: opts.Version,
	}

	promReg := prometheus.NewRegistry()
	m := metrics.NewSet(promReg)

	states := persist.NewStore(filepath.Join(opts.DataDir, "state"), logger)
	rules := schema.NewCache(opts.SchemaCacheEnabled, logger)

	disc := resolver.NewFilesystemDiscovery(opts.TrustedPluginDirs, opts.PluginDirs, logger)
	res := resolver.New(plugin.Default(), disc, rules, resolver.Options{
		CacheEnabled:  opts.ResolverCacheEnabled,
		CacheFailures: opts.ResolverCacheFailures,
	}, logger, m)

	runtimeFor := func(key plugin.InstanceKey) *plugin.Runtime {
		return plugin.NewRuntime(
			logger.Named("plugin"),
			node,
			states.Scope(key.Category, key.InstanceID),
		)
	}
	lcOpts := lifecycle.Options{
		MaxNewPerTick:    opts.MaxNewPerTick,
		ConstructTimeout: opts.ConstructTimeout,
	}
	managers := scheduler.Managers{
		Comm:     lifecycle.NewManager(plugin.CategoryComm, res, rules, runtimeFor, lcOpts, logger, m),
		Capture:  lifecycle.NewManager(plugin.CategoryCapture, res, rules, runtimeFor, lcOpts, logger, m),
		Serving:  lifecycle.NewManager(plugin.CategoryServing, res, rules, runtimeFor, lcOpts, logger, m),
		Business: lifecycle.NewManager(plugin.CategoryBusiness, res, rules, runtimeFor, lcOpts, logger, m),
	}

	store := pipeline.NewStore(opts.PipelineDir, logger)

	monitor := comm.NewMonitor(comm.Options{
		MaxRetryIterations: opts.MaxRetryIterations,
		RetryDelay:         opts.RetryDelay,
		QueueCapacity:      opts.QueueCapacity,
	}, logger, m)

	pool, err := serving.NewPool(opts.ServingWorkers, opts.ServingTimeout, logger, m)
	if err != nil {
		return nil, fmt.Errorf("start serving pool: %w", err)
	}

	var beacon *heartbeat.Beacon
	if opts.HeartbeatInterval > 0 {
		beacon = heartbeat.NewBeacon(node, heartbeat.Options{Interval: opts.HeartbeatInterval}, logger, m)
	}

	sched := scheduler.New(
		scheduler.Options{TickInterval: opts.TickInterval, OfflineMode: opts.OfflineMode},
		store, opts.Endpoints, managers, pool, monitor, beacon, node,
		clock.NewRealClock(), logger, m,
	)

	apiSrv := api.NewServer(api.Config{
		Addr:         opts.APIAddr,
		Node:         node,
		OfflineMode:  opts.OfflineMode,
		TickInterval: opts.TickInterval,
	}, api.Deps{
		Scheduler: sched,
		Monitor:   monitor,
		Store:     store,
		Resolver:  res,
		Gatherer:  promReg,
	}, logger)

	return &Runtime{
		opts:     opts,
		logger:   logger.Named("node"),
		node:     node,
		registry: promReg,
		metrics:  m,
		resolver: res,
		states:   states,
		store:    store,
		monitor:  monitor,
		pool:     pool,
		managers: managers,
		sched:    sched,
		api:      apiSrv,
	}, nil
}

// Node returns the identity stamped into this process's envelopes.
func (r *Runtime) Node() plugin.NodeInfo { return r.node }

// Run starts every component and blocks until the context is cancelled or
// the loop terminates on comm failure. Components are torn down before
// returning; a clean cancellation returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("Edge node starting",
		zap.String("node", r.node.Name),
		zap.String("boot_id", r.node.BootID),
		zap.String("version", r.node.Version),
		zap.Bool("offline_mode", r.opts.OfflineMode),
		zap.Int("endpoints", len(r.opts.Endpoints)))

	if err := r.ensureDirs(); err != nil {
		return err
	}
	if err := r.store.LoadAll(); err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	if err := r.store.Watch(); err != nil {
		// Remote commands still reshape the store without a watcher, so a
		// missing inotify descriptor only loses local file edits.
		r.logger.Warn("Pipeline directory watch unavailable", zap.Error(err))
	}
	r.monitor.Start()
	if err := r.api.Start(); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.sched.Run(gctx)
	})
	g.Go(func() error {
		// Close the HTTP surface as soon as the loop winds down, whether
		// from cancellation or a comm-health termination.
		<-gctx.Done()
		return r.api.Stop()
	})
	err := g.Wait()

	r.teardown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ensureDirs creates the writable roots so first boot on an empty host
// works without provisioning.
func (r *Runtime) ensureDirs() error {
	for _, dir := range []string{r.opts.DataDir, r.opts.PipelineDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// teardown releases components after the loop has exited. Managers stop in
// reverse data-flow order so downstream consumers finish first.
func (r *Runtime) teardown() {
	r.monitor.Stop()
	for _, mgr := range []*lifecycle.Manager{
		r.managers.Business, r.managers.Serving, r.managers.Capture, r.managers.Comm,
	} {
		mgr.StopAll()
	}
	r.pool.Release()
	r.store.Stop()
	r.logger.Info("Edge node stopped", zap.String("boot_id", r.node.BootID))
}
