// Package api serves the node's local HTTP surface: the operator status
// snapshot, the active pipeline documents, Prometheus metrics, and the
// liveness/readiness probes. Everything it reports comes from snapshot
// reads; handlers never touch the tick loop's single-owner components.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"edgenode/internal/comm"
	"edgenode/internal/pipeline"
	"edgenode/internal/resolver"
	"edgenode/internal/scheduler"
	"edgenode/pkg/plugin"
)

// Config tunes the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":9460".
	Addr string

	// Node identifies the process in /status responses.
	Node plugin.NodeInfo

	// OfflineMode mirrors the scheduler option; an offline node reports
	// ready regardless of comm health.
	OfflineMode bool

	// TickInterval sizes the liveness threshold: the loop counts as stuck
	// once no tick has finished within five intervals.
	TickInterval time.Duration
}

// Deps are the runtime components the handlers read from. All of them
// expose concurrency-safe snapshot methods.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Monitor   *comm.Monitor
	Store     *pipeline.Store
	Resolver  *resolver.Resolver
	Gatherer  prometheus.Gatherer
}

// Server is the node's local HTTP endpoint.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	server  *http.Server
	started time.Time
}

// NewServer assembles the mux and the health checks.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("api"),
		started: time.Now(),
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("tick-loop", s.checkTickFresh)
	health.AddReadinessCheck("comm", s.checkCommReady)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pipelines", s.handlePipelines)
	mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// CommStatus summarizes channel health and the outbound queue.
type CommStatus struct {
	Channels   []comm.ChannelStatus `json:"channels"`
	QueueDepth int                  `json:"queue_depth"`
	Degraded   bool                 `json:"failed_after_retries"`
}

// StatusResponse is the /status document.
type StatusResponse struct {
	Node       string                       `json:"node"`
	BootID     string                       `json:"boot_id"`
	Version    string                       `json:"version,omitempty"`
	Offline    bool                         `json:"offline_mode"`
	StartedAt  time.Time                    `json:"started_at"`
	UptimeSec  int64                        `json:"uptime_sec"`
	Tick       uint64                       `json:"tick"`
	LastTickAt time.Time                    `json:"last_tick_at,omitempty"`
	Pipelines  []string                     `json:"pipelines"`
	Instances  []scheduler.CategorySnapshot `json:"instances"`
	Comm       CommStatus                   `json:"comm"`
	Resolver   []resolver.CacheEntry        `json:"resolver,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Node:       s.cfg.Node.Name,
		BootID:     s.cfg.Node.BootID,
		Version:    s.cfg.Node.Version,
		Offline:    s.cfg.OfflineMode,
		StartedAt:  s.started,
		UptimeSec:  int64(time.Since(s.started).Seconds()),
		Tick:       s.deps.Scheduler.Tick(),
		LastTickAt: s.deps.Scheduler.LastTickAt(),
		Pipelines:  []string{},
		Instances:  s.deps.Scheduler.Instances(),
		Comm: CommStatus{
			Channels:   s.deps.Monitor.Status(),
			QueueDepth: s.deps.Monitor.QueueDepth(),
			Degraded:   s.deps.Monitor.FailedAfterRetries(),
		},
		Resolver: s.deps.Resolver.Snapshot(),
	}
	for _, p := range s.deps.Store.Snapshot() {
		resp.Pipelines = append(resp.Pipelines, p.Name)
	}

	s.writeJSON(w, r, resp)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, r, s.deps.Store.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.logger.Debug("Request served",
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr))
}

// handleSitemap lists the available endpoints. It answers 404 so automation
// probing the root still sees "not found", with a body a human can use.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "Edge Node API\n\n")
	fmt.Fprintf(w, "  %-10s %-14s %s\n", "GET", "/status", "Node, instance, and comm status snapshot")
	fmt.Fprintf(w, "  %-10s %-14s %s\n", "GET", "/pipelines", "Active pipeline documents")
	fmt.Fprintf(w, "  %-10s %-14s %s\n", "GET", "/metrics", "Prometheus metrics")
	fmt.Fprintf(w, "  %-10s %-14s %s\n", "GET", "/live", "Liveness probe (tick loop freshness)")
	fmt.Fprintf(w, "  %-10s %-14s %s\n", "GET", "/ready", "Readiness probe (comm health)")
}

// checkTickFresh fails once the loop stops finishing ticks. A node that has
// not completed its first tick yet still counts as live.
func (s *Server) checkTickFresh() error {
	last := s.deps.Scheduler.LastTickAt()
	if last.IsZero() {
		return nil
	}
	if stale := time.Since(last); stale > 5*s.cfg.TickInterval {
		return fmt.Errorf("last tick finished %s ago", stale)
	}
	return nil
}

// checkCommReady fails while a channel is past its retry budget, unless the
// node runs in offline mode.
func (s *Server) checkCommReady() error {
	if s.cfg.OfflineMode {
		return nil
	}
	if s.deps.Monitor.FailedAfterRetries() {
		return fmt.Errorf("comm channel failed after retries")
	}
	return nil
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
