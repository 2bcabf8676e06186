// This file provides NodeEnv, a harness that runs one complete node
// process against a MockHub for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"edgenode/internal/node"
	"edgenode/internal/pipeline"
	_ "edgenode/internal/plugins"

	"go.uber.org/zap"
)

// NodeEnv owns a hub, a node runtime wired to it, and the scratch
// directories underneath. Construction assembles everything; Start boots
// the node, so tests can seed pipeline documents first.
//
// Example usage:
//
//	env, err := testutil.NewNodeEnv("test-token")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	env.SeedPipeline(p)
//	env.Start()
//	recs, err := env.WaitForEnvelopes("DIGEST", 1, 5*time.Second)
type NodeEnv struct {
	Hub    *MockHub
	Opts   node.Options
	Logger *zap.Logger

	runtime *node.Runtime
	workdir string
	cancel  context.CancelFunc
	done    chan error
	started bool
	stopped bool
	runErr  error
}

// NewNodeEnv builds a hub and an unstarted node pointed at it. Mutators
// adjust options before assembly: tick pace, offline mode, heartbeats.
func NewNodeEnv(token string, mutate ...func(*node.Options)) (*NodeEnv, error) {
	logger, _ := zap.NewDevelopment()

	hub := NewMockHub(token)
	hub.Start()

	workdir, err := os.MkdirTemp("", "edgenode-env-*")
	if err != nil {
		hub.Stop()
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	opts := node.DefaultOptions()
	opts.NodeName = "test-node"
	opts.Version = "integration"
	opts.DataDir = filepath.Join(workdir, "data")
	opts.PipelineDir = filepath.Join(workdir, "pipelines")
	opts.TickInterval = 20 * time.Millisecond
	opts.HeartbeatInterval = 0
	opts.MaxRetryIterations = 3
	opts.RetryDelay = 20 * time.Millisecond
	opts.APIAddr = "127.0.0.1:0"
	opts.ServingWorkers = 2
	opts.Endpoints = []pipeline.Endpoint{{Name: "hub", URL: hub.URL(), Token: token}}
	for _, m := range mutate {
		m(&opts)
	}

	rt, err := node.New(opts, logger)
	if err != nil {
		hub.Stop()
		os.RemoveAll(workdir)
		return nil, err
	}

	return &NodeEnv{
		Hub:     hub,
		Opts:    opts,
		Logger:  logger,
		runtime: rt,
		workdir: workdir,
		done:    make(chan error, 1),
	}, nil
}

// SeedPipeline writes a pipeline document into the node's pipeline
// directory. Before Start it is picked up by the initial load; afterwards
// by the directory watcher.
func (e *NodeEnv) SeedPipeline(p *pipeline.Pipeline) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.Opts.PipelineDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(e.Opts.PipelineDir, p.Name+".yaml"), data, 0o644)
}

// Start boots the node on its own goroutine.
func (e *NodeEnv) Start() {
	if e.started {
		return
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() { e.done <- e.runtime.Run(ctx) }()
}

// WaitForEnvelopes blocks until the hub holds at least n records of the
// kind, or the timeout passes.
func (e *NodeEnv) WaitForEnvelopes(kind string, n int, timeout time.Duration) ([]Received, error) {
	deadline := time.Now().Add(timeout)
	for {
		recs := FilterByKind(e.Hub.Envelopes(), kind)
		if len(recs) >= n {
			return recs, nil
		}
		if time.Now().After(deadline) {
			return recs, fmt.Errorf("timed out waiting for %d %s envelope(s), have %d", n, kind, len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitStopped waits for the node's run loop to exit on its own and
// returns its terminal error. The second return is false on timeout.
func (e *NodeEnv) WaitStopped(timeout time.Duration) (error, bool) {
	if e.stopped {
		return e.runErr, true
	}
	select {
	case err := <-e.done:
		e.stopped = true
		e.runErr = err
		return err, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Cleanup cancels the node, waits for shutdown, and removes all scratch
// state. Always defer it right after NewNodeEnv succeeds.
func (e *NodeEnv) Cleanup() {
	if e.started && !e.stopped {
		e.cancel()
		select {
		case e.runErr = <-e.done:
			e.stopped = true
		case <-time.After(10 * time.Second):
			e.Logger.Error("Node did not stop within cleanup deadline")
		}
	}
	e.Hub.Stop()
	os.RemoveAll(e.workdir)
}
