package plugin

import (
	"time"

	"go.uber.org/zap"
)

// NodeInfo identifies the hosting node to plugins and outbound payloads.
type NodeInfo struct {
	// Name is the configured node name.
	Name string

	// BootID is a UUID generated at process start; it distinguishes
	// restarts of the same node.
	BootID string

	// Version is the build version of the runtime.
	Version string
}

// Runtime provides dependencies to plugin instances during construction.
// It wraps the services every category needs in a single struct for cleaner
// factory signatures.
type Runtime struct {
	// Logger is a structured logger already scoped to the lifecycle
	// manager. Factories should use Logger.Named(instance id) for
	// per-instance namespacing.
	Logger *zap.Logger

	// Node identifies the hosting process.
	Node NodeInfo

	// State is the instance's persistence scope, namespaced by category
	// and instance id. Nil when persistence is disabled.
	State StateStore

	// Now returns the current time; tests substitute a fake. A nil Now
	// means time.Now.
	Now func() time.Time
}

// Clock returns the runtime's time source, defaulting to time.Now.
func (rt *Runtime) Clock() func() time.Time {
	if rt == nil || rt.Now == nil {
		return time.Now
	}
	return rt.Now
}

// NewRuntime creates a runtime with the given dependencies.
func NewRuntime(logger *zap.Logger, node NodeInfo, state StateStore) *Runtime {
	return &Runtime{
		Logger: logger,
		Node:   node,
		State:  state,
	}
}
