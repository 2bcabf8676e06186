// Package comm defines the communication channel primitive used between the
// edge node and its upstream. Implementations live in internal/comm; this
// package only carries the contract so plugin packages can provide channels
// without importing the monitor.
package comm

// Channel is a point-to-point message transport. Implementations must be
// safe for use by the monitor's sender and receiver goroutines; Connect is
// never called concurrently with itself.
type Channel interface {
	// Connect establishes the underlying transport. It returns an error on
	// failure and may be called again after any send or receive failure.
	Connect() error

	// Send delivers one message. It must fail fast when the transport is
	// down rather than buffering internally.
	Send(payload []byte) error

	// Recv returns all messages received since the previous call, without
	// blocking. An empty slice and nil error means nothing arrived.
	Recv() ([][]byte, error)

	// IsConnected reports whether the transport currently looks healthy.
	IsConnected() bool

	// Close tears the transport down. The channel may not be reused after
	// Close returns.
	Close() error
}
