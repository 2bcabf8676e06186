// Package resolver maps plugin signatures to loadable descriptors. The
// compiled-in registry is the trusted root; external deployments are picked
// up through manifest discovery over configured search roots, with a static
// safety scan in front of anything from an untrusted root. Outcomes, errors
// included, are cached sticky for the process lifetime.
package resolver

import (
	"errors"
	"fmt"
	"sort"

	"edgenode/internal/metrics"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

// Options tune the descriptor cache. Both default to on; disabling failure
// caching makes unresolved signatures retry discovery every tick instead of
// failing sticky until restart.
type Options struct {
	CacheEnabled  bool
	CacheFailures bool
}

// DefaultOptions returns the production defaults: everything sticky.
func DefaultOptions() Options {
	return Options{CacheEnabled: true, CacheFailures: true}
}

type entry struct {
	desc *plugin.Descriptor
	err  error
}

// Resolver resolves signatures to descriptors with a sticky cache.
type Resolver struct {
	registry *plugin.Registry
	disc     Discoverer
	rules    *schema.Cache
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Set

	cache cmap.ConcurrentMap[string, entry]
}

// New creates a resolver over the given registry and discoverer.
func New(registry *plugin.Registry, disc Discoverer, rules *schema.Cache, opts Options, logger *zap.Logger, m *metrics.Set) *Resolver {
	return &Resolver{
		registry: registry,
		disc:     disc,
		rules:    rules,
		opts:     opts,
		logger:   logger.Named("resolver"),
		metrics:  m,
		cache:    cmap.New[entry](),
	}
}

// Resolve maps a raw plugin name to its descriptor. The first call per
// signature and category runs the full discovery cycle; every later call
// returns the stored outcome, error outcomes included. Resolution never
// retries a cached failure within the process lifetime (unless failure
// caching was disabled).
func (r *Resolver) Resolve(category plugin.Category, raw string) (*plugin.Descriptor, error) {
	sig := plugin.NormalizeSignature(raw)
	if sig == "" {
		return nil, newError(category, sig, ErrNotFound, fmt.Errorf("empty signature %q", raw))
	}
	key := string(category) + "/" + string(sig)

	if r.opts.CacheEnabled {
		if e, ok := r.cache.Get(key); ok {
			r.metrics.ResolverHits.Inc()
			return e.desc, e.err
		}
	}
	r.metrics.ResolverMisses.Inc()

	desc, err := r.lookup(category, sig)
	if err != nil {
		r.metrics.ResolverFailures.WithLabelValues(failureClass(err)).Inc()
		r.logger.Warn("Plugin resolution failed",
			zap.String("category", string(category)),
			zap.String("signature", string(sig)),
			zap.Error(err))
	}

	if r.opts.CacheEnabled && (err == nil || r.opts.CacheFailures) {
		// First insert wins so concurrent resolvers of the same signature
		// all see one immutable outcome.
		r.cache.SetIfAbsent(key, entry{desc: desc, err: err})
		if e, ok := r.cache.Get(key); ok {
			return e.desc, e.err
		}
	}
	return desc, err
}

func (r *Resolver) lookup(category plugin.Category, sig plugin.Signature) (*plugin.Descriptor, error) {
	// Registered implementations are the trusted root and win outright.
	if d := r.registry.Get(category, sig); d != nil {
		desc, err := r.finalize(d, d.Defaults, d.Version, d.Module)
		if err != nil {
			return nil, newError(category, sig, ErrLoadFailure, err)
		}
		r.logger.Info("Resolved builtin plugin",
			zap.String("category", string(category)),
			zap.String("signature", string(sig)),
			zap.String("module", desc.Module))
		return desc, nil
	}

	cand, err := r.disc.Discover(category, sig)
	if err != nil {
		return nil, newError(category, sig, ErrLoadFailure, err)
	}
	if cand == nil {
		return nil, newError(category, sig, ErrNotFound, nil)
	}

	data, err := r.disc.Read(cand)
	if err != nil {
		return nil, newError(category, sig, ErrLoadFailure, err)
	}

	if !cand.Trusted {
		if err := safetyScan(data); err != nil {
			return nil, newError(category, sig, ErrUnsafe, fmt.Errorf("%s: %w", cand.Path, err))
		}
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, newError(category, sig, ErrLoadFailure, err)
	}
	if plugin.Category(m.Category) != category {
		return nil, newError(category, sig, ErrLoadFailure,
			fmt.Errorf("manifest %s declares category %q", cand.Path, m.Category))
	}
	if got := plugin.NormalizeSignature(m.Signature); got != sig {
		return nil, newError(category, sig, ErrLoadFailure,
			fmt.Errorf("manifest %s declares signature %q", cand.Path, m.Signature))
	}

	// The manifest's base kind provides factory and schema; the manifest
	// itself contributes identity, version, and default overrides.
	baseName := m.Base
	if baseName == "" {
		baseName = m.Signature
	}
	base := r.registry.Get(category, plugin.NormalizeSignature(baseName))
	if base == nil {
		return nil, newError(category, sig, ErrLoadFailure,
			fmt.Errorf("manifest %s names unregistered base kind %q", cand.Path, baseName))
	}

	overlay := base.Defaults.Clone()
	for k, v := range m.Defaults {
		overlay[k] = v
	}
	desc, err := r.finalize(base, overlay, m.Version, cand.Path)
	if err != nil {
		return nil, newError(category, sig, ErrLoadFailure, err)
	}
	desc.Signature = sig
	if m.Description != "" {
		desc.Description = m.Description
	}
	r.logger.Info("Resolved discovered plugin",
		zap.String("category", string(category)),
		zap.String("signature", string(sig)),
		zap.String("manifest", cand.Path),
		zap.Bool("trusted", cand.Trusted))
	return desc, nil
}

// finalize builds the immutable descriptor handed to callers: schema chain
// defaults first, then the descriptor or manifest overlay.
func (r *Resolver) finalize(base *plugin.Descriptor, overlay plugin.Config, version, module string) (*plugin.Descriptor, error) {
	defaults := plugin.Config{}
	if base.Spec != nil {
		rules, err := r.rules.Rules(base.Spec)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", base.Kind(), err)
		}
		defaults = plugin.Config(rules.Defaults())
	}
	for k, v := range overlay.Clone() {
		defaults[k] = v
	}

	d := *base
	d.Defaults = defaults
	d.Version = version
	d.Module = module
	return &d, nil
}

// CacheEntry is one resolver cache row, for /status reporting.
type CacheEntry struct {
	Kind    string `json:"kind"`
	Module  string `json:"module,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Snapshot lists the cached outcomes sorted by kind.
func (r *Resolver) Snapshot() []CacheEntry {
	items := r.cache.Items()
	out := make([]CacheEntry, 0, len(items))
	for kind, e := range items {
		row := CacheEntry{Kind: kind}
		if e.err != nil {
			row.Error = e.err.Error()
		} else if e.desc != nil {
			row.Module = e.desc.Module
			row.Version = e.desc.Version
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, ErrUnsafe):
		return "unsafe"
	case errors.Is(err, ErrLoadFailure):
		return "load_failure"
	default:
		return "not_found"
	}
}
