// Package netlistener provides the NET_LISTENER capture plugin: a UDP
// socket that turns JSON datagrams from co-located sensors into capture
// samples.
package netlistener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"edgenode/internal/plugins/base"
	"edgenode/internal/schema"
	"edgenode/pkg/plugin"
)

// Signature identifies this plugin in pipeline definitions.
const Signature = "NET_LISTENER"

// KindNet is the fallback sample kind when a datagram carries none.
const KindNet = "net"

// KeyListenAddr configures the UDP bind address.
const KeyListenAddr = "LISTEN_ADDR"

var spec = &schema.Spec{
	Kind:    "capture/NET_LISTENER",
	Extends: base.CaptureSpec(),
	Fields: []schema.Field{
		{Key: KeyListenAddr, Type: schema.TypeString, Default: "127.0.0.1:9461"},
	},
}

func init() {
	plugin.MustRegister(plugin.Descriptor{
		Signature:   Signature,
		Category:    plugin.CategoryCapture,
		Description: "Receives JSON datagrams over UDP as capture samples",
		Version:     "1.0.0",
		Priority:    plugin.PriorityDefault,
		Factory:     New,
		Defaults:    plugin.Config(schema.MustCompile(spec).Defaults()),
		Spec:        spec,
	})
}

// Listener reads datagrams on its own goroutine into the bounded capture
// buffer. The socket opens in Startup so a bad address surfaces as a
// construction failure, not a silent dead instance.
type Listener struct {
	base.Capture

	addr string
	conn net.PacketConn

	started     bool
	stoppedChan chan struct{}
}

// New constructs a listener; the socket opens in Startup.
func New(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) (plugin.Plugin, error) {
	return &Listener{
		Capture:     base.NewCapture(rt, key, cfg),
		addr:        cfg.String(KeyListenAddr, "127.0.0.1:9461"),
		stoppedChan: make(chan struct{}),
	}, nil
}

func (l *Listener) Startup(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	l.conn = conn
	l.started = true
	go l.readLoop()
	l.Log.Info("Net listener started", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

func (l *Listener) Teardown() error {
	if !l.started {
		return nil
	}
	if err := l.conn.Close(); err != nil {
		l.Log.Warn("Socket close failed", zap.Error(err))
	}
	<-l.stoppedChan
	l.Log.Info("Net listener stopped")
	return nil
}

// Addr returns the bound address once Startup has succeeded.
func (l *Listener) Addr() string {
	if l.conn == nil {
		return ""
	}
	return l.conn.LocalAddr().String()
}

func (l *Listener) readLoop() {
	defer close(l.stoppedChan)

	buf := make([]byte, 64<<10)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.Log.Warn("Datagram read failed", zap.Error(err))
			continue
		}

		sample, ok := decode(buf[:n])
		if !ok {
			l.Log.Debug("Dropped malformed datagram", zap.Int("bytes", n))
			continue
		}
		l.Push(sample.At, []plugin.Sample{sample})
	}
}

// decode parses one datagram. The payload must be a JSON object; a string
// "kind" member names the sample kind and is removed from the fields.
func decode(data []byte) (plugin.Sample, bool) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return plugin.Sample{}, false
	}

	kind := KindNet
	if k, ok := fields["kind"].(string); ok && k != "" {
		kind = k
		delete(fields, "kind")
	}
	return plugin.Sample{Kind: kind, At: time.Now(), Fields: fields}, true
}
