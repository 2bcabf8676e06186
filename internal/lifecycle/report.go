package lifecycle

import (
	"time"

	"edgenode/pkg/plugin"
)

// Report summarizes what one Refresh did. A refresh with an unchanged
// desired set and unchanged configs reports nothing but retained keys.
type Report struct {
	Tick     uint64
	Duration time.Duration

	// Constructed keys went from desired to live this refresh.
	Constructed []plugin.InstanceKey

	// Retained keys were live before and needed no change.
	Retained []plugin.InstanceKey

	// Merged keys were live and had changed fields written in place.
	Merged []plugin.InstanceKey

	// Removed keys were torn down after leaving the desired set.
	Removed []plugin.InstanceKey

	// Deferred keys were pushed to a later tick by the construction cap,
	// in the FIFO order they will be attempted.
	Deferred []plugin.InstanceKey

	// Failed maps keys to this refresh's isolated failure. Construction
	// failures retry on the next refresh unless suppressed.
	Failed map[plugin.InstanceKey]error

	// MergeRejected maps retained keys to the validation error that kept
	// their previous configuration in force.
	MergeRejected map[plugin.InstanceKey]error
}

// Changed reports whether the refresh altered the live set or any config.
func (r Report) Changed() bool {
	return len(r.Constructed)+len(r.Merged)+len(r.Removed) > 0
}

// FailureCount returns how many keys failed this refresh.
func (r Report) FailureCount() int { return len(r.Failed) }
