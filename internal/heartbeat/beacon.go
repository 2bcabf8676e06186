// Package heartbeat reports node vitals at a fixed interval. The scheduler
// asks the beacon once per tick; when due, the beacon samples host metrics,
// records them in a bounded history, and hands back a HEARTBEAT envelope
// for the outbound queue.
package heartbeat

import (
	"time"

	"edgenode/internal/metrics"
	"edgenode/pkg/plugin"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Vitals is one heartbeat sample.
type Vitals struct {
	At         time.Time      `json:"at"`
	Tick       uint64         `json:"tick"`
	CPUPercent float64        `json:"cpu_percent"`
	MemPercent float64        `json:"mem_percent"`
	MemUsedMB  uint64         `json:"mem_used_mb"`
	UptimeSec  uint64         `json:"uptime_sec"`
	Instances  map[string]int `json:"instances"`
	QueueDepth int            `json:"queue_depth"`
}

// Options tune the beacon.
type Options struct {
	// Interval between heartbeats; zero disables the beacon.
	Interval time.Duration

	// MaxHistory bounds the in-memory sample history; the oldest sample is
	// dropped on overflow.
	MaxHistory int
}

const defaultMaxHistory = 32

// Beacon samples and reports node vitals.
type Beacon struct {
	node    plugin.NodeInfo
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Set

	// Probes are swappable for tests.
	cpuPercent    func() (float64, error)
	memoryStatus  func() (used uint64, percent float64, err error)
	uptimeSeconds func() (uint64, error)

	history []Vitals
	last    time.Time
}

// NewBeacon creates a beacon wired to the host probes.
func NewBeacon(node plugin.NodeInfo, opts Options, logger *zap.Logger, m *metrics.Set) *Beacon {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	return &Beacon{
		node:    node,
		opts:    opts,
		logger:  logger.Named("heartbeat"),
		metrics: m,
		cpuPercent: func() (float64, error) {
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				return 0, err
			}
			return percents[0], nil
		},
		memoryStatus: func() (uint64, float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, 0, err
			}
			return vm.Used / (1 << 20), vm.UsedPercent, nil
		},
		uptimeSeconds: host.Uptime,
	}
}

// Due reports whether a heartbeat should be emitted at now. The first call
// after start is always due.
func (b *Beacon) Due(now time.Time) bool {
	if b.opts.Interval <= 0 {
		return false
	}
	return b.last.IsZero() || now.Sub(b.last) >= b.opts.Interval
}

// Emit samples vitals and returns the heartbeat envelope. Probe errors are
// logged and leave the affected field zero; a heartbeat always goes out.
func (b *Beacon) Emit(now time.Time, tick uint64, instances map[string]int, queueDepth int) *plugin.Envelope {
	v := Vitals{
		At:         now,
		Tick:       tick,
		Instances:  instances,
		QueueDepth: queueDepth,
	}

	if pct, err := b.cpuPercent(); err != nil {
		b.logger.Warn("CPU probe failed", zap.Error(err))
	} else {
		v.CPUPercent = pct
	}
	if used, pct, err := b.memoryStatus(); err != nil {
		b.logger.Warn("Memory probe failed", zap.Error(err))
	} else {
		v.MemUsedMB = used
		v.MemPercent = pct
	}
	if up, err := b.uptimeSeconds(); err != nil {
		b.logger.Warn("Uptime probe failed", zap.Error(err))
	} else {
		v.UptimeSec = up
	}

	b.history = append(b.history, v)
	if len(b.history) > b.opts.MaxHistory {
		b.history = b.history[len(b.history)-b.opts.MaxHistory:]
	}
	b.last = now
	b.metrics.HeartbeatsSent.Inc()

	b.logger.Debug("Heartbeat emitted",
		zap.Uint64("tick", tick),
		zap.Float64("cpu", v.CPUPercent),
		zap.Float64("mem", v.MemPercent))

	return &plugin.Envelope{
		Node:   b.node.Name,
		BootID: b.node.BootID,
		Kind:   plugin.KindHeartbeat,
		At:     now,
		Data:   v,
	}
}

// History returns a copy of the retained samples, oldest first.
func (b *Beacon) History() []Vitals {
	out := make([]Vitals, len(b.history))
	copy(out, b.history)
	return out
}
