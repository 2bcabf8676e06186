// Package comm owns the node's communication channels: the connection state
// machine per channel, the retry accounting the scheduler's offline gate
// reads, and the bounded best-effort outbound queue. Channel transports
// implement pkg/comm.Channel; everything here runs asynchronously to the
// tick loop and exposes only snapshot reads to it.
package comm

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"edgenode/internal/metrics"
	"edgenode/pkg/plugin"

	pkgcomm "edgenode/pkg/comm"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

// State is a channel's position in the connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options tune the monitor. RetryDelay is fixed per attempt, deliberately
// not exponential: on a flaky edge link the reconnect cadence must stay
// predictable.
type Options struct {
	// MaxRetryIterations is the threshold for FailedAfterRetries: the
	// predicate turns true once a channel's retry count exceeds it.
	MaxRetryIterations int

	// RetryDelay is the fixed wait between failed connection attempts.
	RetryDelay time.Duration

	// QueueCapacity bounds the outbound queue.
	QueueCapacity int

	// SendInterval paces the async sender.
	SendInterval time.Duration

	// PollInterval paces receive polling on a connected channel.
	PollInterval time.Duration

	// InboundBuffer bounds how many received messages are held between
	// Drain calls.
	InboundBuffer int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetryIterations: 10,
		RetryDelay:         5 * time.Second,
		QueueCapacity:      256,
		SendInterval:       100 * time.Millisecond,
		PollInterval:       50 * time.Millisecond,
		InboundBuffer:      128,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetryIterations <= 0 {
		o.MaxRetryIterations = d.MaxRetryIterations
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = d.QueueCapacity
	}
	if o.SendInterval <= 0 {
		o.SendInterval = d.SendInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = d.InboundBuffer
	}
	return o
}

// ChannelStatus is a snapshot row for one managed channel.
type ChannelStatus struct {
	Name               string    `json:"name"`
	State              string    `json:"state"`
	RetryCount         uint64    `json:"retry_count"`
	LastSuccess        time.Time `json:"last_success,omitempty"`
	FailedAfterRetries bool      `json:"failed_after_retries"`
}

type managedChannel struct {
	name        string
	ch          pkgcomm.Channel
	state       atomic.Int32
	retryCount  atomic.Uint64
	lastSuccess atomic.Int64

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

func (mc *managedChannel) State() State     { return State(mc.state.Load()) }
func (mc *managedChannel) setState(s State) { mc.state.Store(int32(s)) }
func (mc *managedChannel) retries() uint64  { return mc.retryCount.Load() }
func (mc *managedChannel) markSuccess(t time.Time) {
	mc.retryCount.Store(0)
	mc.lastSuccess.Store(t.UnixNano())
	mc.setState(StateConnected)
}

// Monitor drives every registered channel through the
// disconnected/connecting/connected state machine and runs the async
// sender over the shared outbound queue.
type Monitor struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Set
	queue   *OutboundQueue

	mu       sync.RWMutex
	channels map[string]*managedChannel
	order    []string

	inMu    sync.Mutex
	inbound [][]byte

	stopChan    chan struct{}
	stoppedChan chan struct{}
	started     bool
}

// NewMonitor creates a monitor; channels are attached through Register as
// comm plugin instances come up.
func NewMonitor(opts Options, logger *zap.Logger, m *metrics.Set) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{
		opts:     opts,
		logger:   logger.Named("comm"),
		metrics:  m,
		queue:    NewOutboundQueue(opts.QueueCapacity),
		channels: make(map[string]*managedChannel),
	}
}

// Start launches the async sender. Channel loops start at Register time.
func (m *Monitor) Start() {
	if m.started {
		return
	}
	m.started = true
	m.stopChan = make(chan struct{})
	m.stoppedChan = make(chan struct{})
	go m.senderLoop()
}

// Stop terminates the sender and every channel loop, closing the channels.
func (m *Monitor) Stop() {
	if m.started {
		close(m.stopChan)
		<-m.stoppedChan
		m.started = false
	}

	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()
	for _, name := range names {
		m.Unregister(name)
	}
}

// Register attaches a channel under a unique name and starts driving its
// connection. The first registered channel carries outbound payloads.
func (m *Monitor) Register(name string, ch pkgcomm.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	mc := &managedChannel{
		name:        name,
		ch:          ch,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	m.channels[name] = mc
	m.order = append(m.order, name)

	go m.runChannel(mc)
	m.logger.Info("Channel registered", zap.String("channel", name))
	return nil
}

// Unregister stops a channel's loop and closes it.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	mc, ok := m.channels[name]
	if ok {
		delete(m.channels, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	close(mc.stopChan)
	<-mc.stoppedChan
	if err := mc.ch.Close(); err != nil {
		m.logger.Debug("Channel close failed", zap.String("channel", name), zap.Error(err))
	}
	m.logger.Info("Channel unregistered", zap.String("channel", name))
}

// runChannel is the per-channel connection loop: connect with a fixed delay
// between failed attempts, then poll for inbound messages until something
// breaks.
func (m *Monitor) runChannel(mc *managedChannel) {
	defer close(mc.stoppedChan)

	retryWait := backoff.NewConstantBackOff(m.opts.RetryDelay)

	for {
		select {
		case <-mc.stopChan:
			return
		default:
		}

		if mc.State() != StateConnected {
			mc.setState(StateConnecting)
			if err := mc.ch.Connect(); err != nil {
				n := mc.retryCount.Add(1)
				m.metrics.CommRetries.WithLabelValues(mc.name).Inc()
				m.logger.Warn("Connection attempt failed",
					zap.String("channel", mc.name),
					zap.Uint64("retry_count", n),
					zap.Error(err))
				select {
				case <-mc.stopChan:
					return
				case <-time.After(retryWait.NextBackOff()):
				}
				continue
			}
			mc.markSuccess(time.Now())
			m.metrics.CommReconnects.WithLabelValues(mc.name).Inc()
			m.logger.Info("Channel connected", zap.String("channel", mc.name))
			continue
		}

		msgs, err := mc.ch.Recv()
		if err != nil {
			m.logger.Warn("Receive failed, channel disconnected",
				zap.String("channel", mc.name),
				zap.Error(err))
			mc.setState(StateDisconnected)
			continue
		}
		for _, msg := range msgs {
			m.pushInbound(msg)
		}

		select {
		case <-mc.stopChan:
			return
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// senderLoop pops the oldest queued envelope and attempts delivery on every
// pass, regardless of connection state. A failed delivery drops the entry;
// nothing is ever re-enqueued.
func (m *Monitor) senderLoop() {
	defer close(m.stoppedChan)

	ticker := time.NewTicker(m.opts.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Monitor) flush() {
	target := m.payloadChannel()
	for {
		env, ok := m.queue.Dequeue()
		if !ok {
			break
		}
		m.metrics.OutboundDepth.Set(float64(m.queue.Len()))
		if err := m.deliver(target, env); err != nil {
			m.metrics.OutboundSendFails.Inc()
			m.logger.Debug("Outbound delivery failed, payload dropped",
				zap.String("kind", env.Kind),
				zap.Error(err))
			if target != nil {
				target.setState(StateDisconnected)
			}
			// The popped entry is gone; whatever is still queued waits
			// for the next pass.
			break
		}
		m.metrics.OutboundSent.Inc()
	}
}

func (m *Monitor) deliver(target *managedChannel, env plugin.Envelope) error {
	if target == nil {
		return fmt.Errorf("no channel registered")
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(env); err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := target.ch.Send(buf.Bytes()); err != nil {
		return fmt.Errorf("send on %s: %w", target.name, err)
	}
	return nil
}

func (m *Monitor) payloadChannel() *managedChannel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil
	}
	return m.channels[m.order[0]]
}

func (m *Monitor) pushInbound(msg []byte) {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	if len(m.inbound) >= m.opts.InboundBuffer {
		m.inbound = m.inbound[1:]
	}
	m.inbound = append(m.inbound, msg)
}

// Enqueue accepts an outbound envelope, evicting the oldest entry when the
// queue is full.
func (m *Monitor) Enqueue(env plugin.Envelope) {
	if m.queue.Enqueue(env) {
		m.metrics.OutboundEvicted.Inc()
	}
	m.metrics.OutboundEnqueued.Inc()
	m.metrics.OutboundDepth.Set(float64(m.queue.Len()))
}

// Drain returns the messages received since the previous call.
func (m *Monitor) Drain() [][]byte {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	out := m.inbound
	m.inbound = nil
	return out
}

// FailedAfterRetries reports whether any channel has exhausted its retry
// budget: retry count strictly above MaxRetryIterations. This snapshot read
// is the only comm signal the scheduler consults.
func (m *Monitor) FailedAfterRetries() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mc := range m.channels {
		if mc.retries() > uint64(m.opts.MaxRetryIterations) {
			return true
		}
	}
	return false
}

// QueueDepth returns the current outbound queue depth.
func (m *Monitor) QueueDepth() int { return m.queue.Len() }

// Status snapshots every managed channel, sorted by name.
func (m *Monitor) Status() []ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(m.channels))
	for _, mc := range m.channels {
		st := ChannelStatus{
			Name:               mc.name,
			State:              mc.State().String(),
			RetryCount:         mc.retries(),
			FailedAfterRetries: mc.retries() > uint64(m.opts.MaxRetryIterations),
		}
		if ns := mc.lastSuccess.Load(); ns > 0 {
			st.LastSuccess = time.Unix(0, ns)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
