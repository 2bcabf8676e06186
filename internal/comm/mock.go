package comm

import (
	"fmt"
	"sync"
)

// MockChannel implements pkg/comm.Channel for testing. Connection attempts
// can be scripted to fail a fixed number of times, sends are recorded, and
// inbound messages are queued by the test.
type MockChannel struct {
	mu sync.Mutex

	connected       bool
	closed          bool
	connectAttempts int
	failConnects    int
	connectErr      error

	sent    [][]byte
	sendErr error

	inbound [][]byte
	recvErr error
}

// NewMockChannel creates a mock channel that connects on the first attempt.
func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

// FailConnects makes the next n Connect calls fail.
func (m *MockChannel) FailConnects(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnects = n
}

// FailConnectsForever makes every Connect call fail until cleared with
// FailConnects(0).
func (m *MockChannel) FailConnectsForever() {
	m.FailConnects(-1)
}

// SetConnectErr overrides the error returned by failing connects.
func (m *MockChannel) SetConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendErr makes subsequent Send calls fail.
func (m *MockChannel) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetRecvErr makes subsequent Recv calls fail.
func (m *MockChannel) SetRecvErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvErr = err
}

// QueueInbound appends a message for the next Recv to return.
func (m *MockChannel) QueueInbound(msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, msg)
}

// Connect succeeds unless scripted to fail.
func (m *MockChannel) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectAttempts++
	if m.failConnects != 0 {
		if m.failConnects > 0 {
			m.failConnects--
		}
		if m.connectErr != nil {
			return m.connectErr
		}
		return fmt.Errorf("connect refused")
	}
	m.connected = true
	return nil
}

// Send records the payload.
func (m *MockChannel) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		m.connected = false
		return m.sendErr
	}
	if !m.connected {
		return fmt.Errorf("not connected")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.sent = append(m.sent, cp)
	return nil
}

// Recv returns queued inbound messages.
func (m *MockChannel) Recv() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recvErr != nil {
		m.connected = false
		return nil, m.recvErr
	}
	msgs := m.inbound
	m.inbound = nil
	return msgs, nil
}

// IsConnected returns the scripted connection state.
func (m *MockChannel) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close marks the channel closed.
func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closed = true
	return nil
}

// ConnectAttempts returns how many times Connect was called.
func (m *MockChannel) ConnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectAttempts
}

// SentPayloads returns a copy of every recorded payload.
func (m *MockChannel) SentPayloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// Closed reports whether Close was called.
func (m *MockChannel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
