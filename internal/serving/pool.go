// Package serving runs inference engines over a bounded worker pool. The
// scheduler submits one job per engine per tick and joins on the whole
// batch before moving to the attach stage; no inference ever crosses a
// tick boundary.
package serving

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"edgenode/internal/metrics"
	"edgenode/pkg/plugin"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Job couples one live engine instance with the batches routed to it this
// tick.
type Job struct {
	Key     plugin.InstanceKey
	Engine  plugin.Engine
	Batches []plugin.Batch
}

// Result carries one engine's inferences or its isolated failure.
type Result struct {
	Key        plugin.InstanceKey
	Inferences []plugin.Inference
	Err        error
	Elapsed    time.Duration
}

// Pool wraps a fixed-size ants worker pool with per-job timeouts and panic
// confinement.
type Pool struct {
	workers *ants.Pool
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Set
}

// NewPool creates the serving pool. Size zero defaults to the CPU count;
// timeout zero disables the per-job deadline.
func NewPool(size int, timeout time.Duration, logger *zap.Logger, m *metrics.Set) (*Pool, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	workers, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create serving pool: %w", err)
	}
	return &Pool{
		workers: workers,
		timeout: timeout,
		logger:  logger.Named("serving"),
		metrics: m,
	}, nil
}

// RunAll executes every job on the pool and blocks until all complete.
// Failures stay inside their Result; a panicking or slow engine never
// affects its siblings.
func (p *Pool) RunAll(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))

	var wg sync.WaitGroup
	for i := range jobs {
		i := i
		wg.Add(1)
		err := p.workers.Submit(func() {
			defer wg.Done()
			results[i] = p.run(ctx, jobs[i])
		})
		if err != nil {
			wg.Done()
			results[i] = Result{Key: jobs[i].Key, Err: fmt.Errorf("submit inference: %w", err)}
		}
	}
	wg.Wait()

	for _, r := range results {
		p.metrics.InferenceRuns.Inc()
		p.metrics.InferenceDuration.Observe(r.Elapsed.Seconds())
		if r.Err != nil {
			p.metrics.InferenceFailures.Inc()
			p.logger.Warn("Inference failed",
				zap.String("key", r.Key.String()),
				zap.Error(r.Err))
		}
	}
	return results
}

func (p *Pool) run(ctx context.Context, job Job) Result {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	started := time.Now()
	inferences, err := infer(ctx, job)
	elapsed := time.Since(started)

	if err == nil && ctx.Err() != nil {
		// The engine returned after its deadline; stale inferences are
		// discarded rather than attached to the tick.
		err = fmt.Errorf("inference exceeded deadline: %w", ctx.Err())
		inferences = nil
	}
	return Result{Key: job.Key, Inferences: inferences, Err: err, Elapsed: elapsed}
}

func infer(ctx context.Context, job Job) (out []plugin.Inference, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Engine.Infer(ctx, job.Batches)
}

// Running reports the workers currently busy.
func (p *Pool) Running() int { return p.workers.Running() }

// Cap reports the pool capacity.
func (p *Pool) Cap() int { return p.workers.Cap() }

// Release shuts the pool down once in-flight jobs return.
func (p *Pool) Release() { p.workers.Release() }
