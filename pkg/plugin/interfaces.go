// Package plugin provides the plugin contracts and registry for the edge
// node runtime. Plugin packages register their descriptors with the global
// registry using init() functions, allowing for compile-time plugin
// selection and priority-based override mechanisms for private
// implementations. External deployments are resolved on top of this registry
// through manifest discovery (see internal/resolver).
package plugin

import (
	"context"

	pkgcomm "edgenode/pkg/comm"
)

// Plugin is the core interface that all plugin instances implement,
// regardless of category. Construction happens through the registered
// Factory; Startup and Teardown bracket the instance's live window.
type Plugin interface {
	// Startup prepares the instance for ticking.
	// - Opens resources and starts any background goroutines
	// - Must respect ctx cancellation and deadline
	// - Returns error if initialization fails
	Startup(ctx context.Context) error

	// Teardown gracefully shuts down the instance.
	// - Stops any background goroutines
	// - Flushes or persists state where applicable
	// - Releases resources
	Teardown() error
}

// InputConsumer is implemented by plugins that receive per-tick inputs
// (business plugins). Inputs are attached by the scheduler after capture
// collection and inference aggregation; the instance buffers them until
// its next Execute.
type InputConsumer interface {
	// AddInputs appends the tick's routed batches and inferences to the
	// instance's bounded input buffer.
	AddInputs(in TickInput) error
}

// Executor is implemented by business plugins. Execute runs at most once
// per tick and returns the payload envelopes the instance wants delivered
// over the communication channel.
type Executor interface {
	Execute(ctx context.Context) ([]Envelope, error)
}

// Source is implemented by capture plugins. Acquisition runs on the
// instance's own goroutine into a bounded internal buffer; Collect drains
// whatever has accumulated since the previous call.
type Source interface {
	// Collect returns and removes all buffered batches.
	Collect() []Batch

	// Backlog reports the current buffer depth and its capacity.
	Backlog() (queued, capacity int)
}

// Engine is implemented by serving plugins. Infer runs synchronously within
// a tick over the batches routed to the engine and returns inference
// results for downstream business instances.
type Engine interface {
	Infer(ctx context.Context, batches []Batch) ([]Inference, error)
}

// Saturable is optionally implemented by input consumers whose buffers can
// fill. The scheduler skips collecting a pipeline's captures while any of
// its consumers reports saturation, trading freshness for bounded memory.
type Saturable interface {
	Saturated() bool
}

// ChannelProvider is implemented by comm plugins. OpenChannel builds the
// underlying channel primitive from the instance configuration; connection
// management is owned by the comm health monitor, not the plugin.
type ChannelProvider interface {
	OpenChannel() (pkgcomm.Channel, error)
}

// Reconfigurable is an optional interface for instances that want to react
// to incremental configuration merges. The lifecycle manager calls
// OnConfigUpdate after writing changed fields in place; runtime state is
// never reset by a merge.
type Reconfigurable interface {
	// OnConfigUpdate receives the sorted list of changed config keys.
	OnConfigUpdate(changed []string) error
}

// StateStore is scoped persistence offered to instances through the
// Runtime. Implementations namespace values per category and instance id
// and guard the on-disk format with a signature field.
type StateStore interface {
	// Load reads the value stored under key into the provided pointer.
	// Returns false if no value is stored.
	Load(key string, into any) (bool, error)

	// Save stores the value under key.
	Save(key string, value any) error
}

// Factory creates a new plugin instance for the given key and effective
// configuration. Factories are registered with the registry and invoked by
// the lifecycle managers; a factory must not block on I/O (that belongs in
// Startup, which is bounded by the construction timeout).
type Factory func(rt *Runtime, key InstanceKey, cfg Config) (Plugin, error)
