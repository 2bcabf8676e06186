// Package syssampler provides the SYS_SAMPLER capture plugin: host cpu,
// memory, and load readings acquired on a fixed interval by a background
// goroutine.
package syssampler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"edgenode/internal/plugins/base"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"
)

// Signature identifies this plugin in pipeline definitions.
const Signature = "SYS_SAMPLER"

// KindSys is the sample kind emitted by the sampler.
const KindSys = "sys"

var spec = &schema.Spec{
	Kind:    "capture/SYS_SAMPLER",
	Extends: base.CaptureSpec(),
}

func init() {
	plugin.MustRegister(plugin.Descriptor{
		Signature:   Signature,
		Category:    plugin.CategoryCapture,
		Description: "Samples host cpu, memory, and load into capture batches",
		Version:     "1.0.0",
		Priority:    plugin.PriorityDefault,
		Factory:     New,
		Defaults:    plugin.Config(schema.MustCompile(spec).Defaults()),
		Spec:        spec,
	})
}

// Sampler acquires host vitals on its own goroutine into the bounded
// capture buffer. The sampling interval lives in an atomic so config
// merges on the scheduler goroutine never race the acquisition loop.
type Sampler struct {
	base.Capture

	intervalMS atomic.Int64
	probe      func() map[string]any

	started     bool
	kick        chan struct{}
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// New constructs a sampler; the acquisition goroutine starts in Startup.
func New(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) (plugin.Plugin, error) {
	s := &Sampler{
		Capture:     base.NewCapture(rt, key, cfg),
		kick:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	s.probe = hostVitals
	s.intervalMS.Store(int64(cfg.Int(base.KeyCapIntervalMS, 1000)))
	return s, nil
}

func (s *Sampler) Startup(ctx context.Context) error {
	s.started = true
	go s.run()
	s.Log.Info("System sampler started", zap.Int64("interval_ms", s.intervalMS.Load()))
	return nil
}

func (s *Sampler) Teardown() error {
	if !s.started {
		return nil
	}
	close(s.stopChan)
	<-s.stoppedChan
	s.Log.Info("System sampler stopped")
	return nil
}

// OnConfigUpdate refreshes the interval atomic and kicks the acquisition
// loop so the new interval applies without waiting out the old one.
func (s *Sampler) OnConfigUpdate(changed []string) error {
	for _, key := range changed {
		if key == base.KeyCapIntervalMS {
			s.intervalMS.Store(int64(s.Cfg.Int(base.KeyCapIntervalMS, 1000)))
			s.Log.Info("Sampling interval updated", zap.Int64("interval_ms", s.intervalMS.Load()))
			select {
			case s.kick <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (s *Sampler) run() {
	defer close(s.stoppedChan)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if fields := s.probe(); len(fields) > 0 {
				now := time.Now()
				s.Push(now, []plugin.Sample{{Kind: KindSys, At: now, Fields: fields}})
			}
			timer.Reset(s.interval())
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval())
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sampler) interval() time.Duration {
	ms := s.intervalMS.Load()
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// hostVitals reads the gauges that are cheap enough to poll every interval.
// Probes that fail are simply absent from the sample.
func hostVitals() map[string]any {
	fields := make(map[string]any, 4)
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		fields["cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["mem_percent"] = vm.UsedPercent
		fields["mem_used_mb"] = float64(vm.Used) / (1 << 20)
	}
	if avg, err := load.Avg(); err == nil {
		fields["load1"] = avg.Load1
	}
	return fields
}
