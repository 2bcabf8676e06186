// Package node assembles an edge node process: it loads options, wires
// every component together, and runs the composed whole until shutdown.
package node

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"edgenode/internal/pipeline"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Options collects every tunable of the node process. Values come from
// three layers, each overriding the one before: built-in defaults, an
// optional YAML file, and EDGENODE_* environment variables.
type Options struct {
	// NodeName identifies this node in every outbound envelope. Defaults
	// to the hostname.
	NodeName string `yaml:"node_name"`

	// Version is the build version stamped into heartbeats and the status
	// API. Set by the binary, not by configuration.
	Version string `yaml:"-"`

	// DataDir is the root for locally persisted state.
	DataDir string `yaml:"data_dir"`

	// PipelineDir holds the pipeline YAML documents.
	PipelineDir string `yaml:"pipeline_dir"`

	// PluginDirs are searched for deployed plugin manifests, after
	// TrustedPluginDirs.
	PluginDirs        []string `yaml:"plugin_dirs"`
	TrustedPluginDirs []string `yaml:"trusted_plugin_dirs"`

	// TickInterval paces the main loop.
	TickInterval time.Duration `yaml:"tick_interval"`

	// OfflineMode keeps the loop alive when no channel can be reached.
	OfflineMode bool `yaml:"offline_mode"`

	// MaxNewPerTick caps plugin constructions per tick; zero is unlimited.
	MaxNewPerTick int `yaml:"max_new_per_tick"`

	// ConstructTimeout bounds a single plugin construction.
	ConstructTimeout time.Duration `yaml:"construct_timeout"`

	// ResolverCacheEnabled makes resolutions sticky; ResolverCacheFailures
	// extends that to failed resolutions.
	ResolverCacheEnabled  bool `yaml:"resolver_cache_enabled"`
	ResolverCacheFailures bool `yaml:"resolver_cache_failures"`

	// SchemaCacheEnabled memoizes compiled config rules per kind. Disabling
	// it recompiles on every access; a performance toggle, never a
	// correctness one.
	SchemaCacheEnabled bool `yaml:"schema_cache_enabled"`

	// ServingWorkers sizes the inference worker pool; zero means one per
	// CPU. ServingTimeout bounds a single inference job.
	ServingWorkers int           `yaml:"serving_workers"`
	ServingTimeout time.Duration `yaml:"serving_timeout"`

	// APIAddr is the listen address of the local HTTP surface.
	APIAddr string `yaml:"api_addr"`

	// HeartbeatInterval paces vitals reporting; zero disables it.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxRetryIterations, RetryDelay and QueueCapacity tune channel health
	// monitoring and the outbound queue.
	MaxRetryIterations int           `yaml:"max_retry_iterations"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	QueueCapacity      int           `yaml:"queue_capacity"`

	// Endpoints are the remote hubs this node reports to.
	Endpoints []pipeline.Endpoint `yaml:"endpoints"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "edge-node"
	}
	return Options{
		NodeName:              name,
		DataDir:               "./data",
		PipelineDir:           "./pipelines",
		TickInterval:          time.Second,
		MaxNewPerTick:         4,
		ConstructTimeout:      10 * time.Second,
		ResolverCacheEnabled:  true,
		ResolverCacheFailures: true,
		SchemaCacheEnabled:    true,
		ServingTimeout:        5 * time.Second,
		APIAddr:               ":9460",
		HeartbeatInterval:     30 * time.Second,
		MaxRetryIterations:    10,
		RetryDelay:            5 * time.Second,
		QueueCapacity:         256,
		LogLevel:              "info",
	}
}

// LoadOptions builds the effective options. A non-empty path names the
// YAML file to read; otherwise EDGENODE_CONFIG is consulted, and when that
// is empty too the file layer is skipped entirely.
func LoadOptions(path string) (Options, error) {
	// A .env in the working directory is a convenience for development;
	// absence is the normal production case.
	_ = godotenv.Load()

	opts := DefaultOptions()

	if path == "" {
		path = os.Getenv("EDGENODE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read options file: %w", err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("parse options file %s: %w", path, err)
		}
	}

	if err := opts.applyEnv(); err != nil {
		return opts, err
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// applyEnv overlays EDGENODE_* variables onto the options. All malformed
// values are reported together rather than one at a time.
func (o *Options) applyEnv() error {
	var errs []error

	envString("EDGENODE_NAME", &o.NodeName)
	envString("EDGENODE_DATA_DIR", &o.DataDir)
	envString("EDGENODE_PIPELINE_DIR", &o.PipelineDir)
	envList("EDGENODE_PLUGIN_DIRS", &o.PluginDirs)
	envList("EDGENODE_TRUSTED_PLUGIN_DIRS", &o.TrustedPluginDirs)
	envString("EDGENODE_API_ADDR", &o.APIAddr)
	envString("EDGENODE_LOG_LEVEL", &o.LogLevel)

	errs = append(errs,
		envDuration("EDGENODE_TICK_INTERVAL", &o.TickInterval),
		envDuration("EDGENODE_CONSTRUCT_TIMEOUT", &o.ConstructTimeout),
		envDuration("EDGENODE_SERVING_TIMEOUT", &o.ServingTimeout),
		envDuration("EDGENODE_HEARTBEAT_INTERVAL", &o.HeartbeatInterval),
		envDuration("EDGENODE_RETRY_DELAY", &o.RetryDelay),
		envBool("EDGENODE_OFFLINE_MODE", &o.OfflineMode),
		envBool("EDGENODE_RESOLVER_CACHE", &o.ResolverCacheEnabled),
		envBool("EDGENODE_RESOLVER_CACHE_FAILURES", &o.ResolverCacheFailures),
		envBool("EDGENODE_SCHEMA_CACHE", &o.SchemaCacheEnabled),
		envInt("EDGENODE_MAX_NEW_PER_TICK", &o.MaxNewPerTick),
		envInt("EDGENODE_SERVING_WORKERS", &o.ServingWorkers),
		envInt("EDGENODE_MAX_RETRY_ITERATIONS", &o.MaxRetryIterations),
		envInt("EDGENODE_QUEUE_CAPACITY", &o.QueueCapacity),
	)

	// Single-hub shorthand: EDGENODE_HUB_URL declares (or replaces) an
	// endpoint named "hub" without needing an options file.
	if url := os.Getenv("EDGENODE_HUB_URL"); url != "" {
		ep := pipeline.Endpoint{
			Name:      "hub",
			Signature: os.Getenv("EDGENODE_HUB_SIGNATURE"),
			URL:       url,
			Token:     os.Getenv("EDGENODE_HUB_TOKEN"),
		}
		replaced := false
		for i := range o.Endpoints {
			if o.Endpoints[i].Name == ep.Name {
				o.Endpoints[i] = ep
				replaced = true
				break
			}
		}
		if !replaced {
			o.Endpoints = append(o.Endpoints, ep)
		}
	}

	return errors.Join(errs...)
}

// Validate rejects option combinations the runtime cannot start with.
func (o Options) Validate() error {
	if strings.TrimSpace(o.NodeName) == "" {
		return fmt.Errorf("node name must not be empty")
	}
	if o.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", o.TickInterval)
	}
	if o.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", o.QueueCapacity)
	}
	if o.MaxNewPerTick < 0 {
		return fmt.Errorf("max new per tick must not be negative, got %d", o.MaxNewPerTick)
	}
	if _, err := zapcore.ParseLevel(o.LogLevel); err != nil {
		return fmt.Errorf("unknown log level %q", o.LogLevel)
	}
	seen := make(map[string]bool, len(o.Endpoints))
	for _, ep := range o.Endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("endpoint with url %q has no name", ep.URL)
		}
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("endpoint %q has no url", ep.Name)
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = true
	}
	return nil
}

// NewLogger builds the process logger at the configured level.
func (o Options) NewLogger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %q", o.LogLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// envList splits a comma-separated variable; empty elements are dropped.
func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a duration", key, v)
	}
	*dst = d
	return nil
}
