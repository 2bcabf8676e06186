package plugin

import "time"

// Sample is one captured data point.
type Sample struct {
	// Kind labels the sample ("cpu", "net", "synthetic").
	Kind string `json:"kind"`

	// At is the acquisition timestamp.
	At time.Time `json:"at"`

	// Fields holds the sample values keyed by series name.
	Fields map[string]any `json:"fields"`
}

// Batch is a group of samples collected from one capture instance in one
// acquisition cycle. Sequence numbers are per source and monotonically
// increasing, so consumers can detect gaps introduced by backpressure.
type Batch struct {
	Source  InstanceKey `json:"source"`
	Seq     uint64      `json:"seq"`
	At      time.Time   `json:"at"`
	Samples []Sample    `json:"samples"`
}

// Inference is one serving engine's output over a batch.
type Inference struct {
	// Engine is the serving signature that produced the result.
	Engine Signature `json:"engine"`

	// Source is the capture instance whose batch was scored.
	Source InstanceKey `json:"source"`

	At time.Time `json:"at"`

	// Scores maps series names to the engine's numeric output.
	Scores map[string]float64 `json:"scores"`

	// Meta carries engine-specific extras (thresholds, model tags).
	Meta map[string]any `json:"meta,omitempty"`
}

// TickInput is what the scheduler attaches to a business instance in one
// tick: the batches routed from its pipeline's capture instance followed by
// the inference outputs of the engine its configuration names.
type TickInput struct {
	Tick       uint64      `json:"tick"`
	Batches    []Batch     `json:"batches,omitempty"`
	Inferences []Inference `json:"inferences,omitempty"`
}

// Envelope kinds used by the runtime itself; business plugins may define
// their own.
const (
	KindPayload   = "PAYLOAD"
	KindHeartbeat = "HEARTBEAT"
)

// Envelope is an outbound payload addressed to the upstream. The node
// identity fields are stamped by the scheduler; plugins fill the rest.
type Envelope struct {
	Node       string    `json:"node"`
	BootID     string    `json:"boot_id"`
	Pipeline   string    `json:"pipeline,omitempty"`
	Signature  Signature `json:"signature,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Session    string    `json:"session,omitempty"`
	Initiator  string    `json:"initiator,omitempty"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	Data       any       `json:"data"`
}
