// Package wschannel provides the WEBSOCKET comm plugin. It builds the
// websocket channel primitive from endpoint configuration; connection
// lifecycle and retries belong to the comm health monitor.
package wschannel

import (
	"fmt"
	"net/http"

	comm "edgenode/internal/comm"
	"edgenode/internal/plugins/base"
	"edgenode/internal/schema"
	pkgcomm "edgenode/pkg/comm"
	"edgenode/pkg/plugin"
)

// Signature identifies this plugin in endpoint definitions. It is the
// default comm signature when an endpoint names none.
const Signature = "WEBSOCKET"

var spec = &schema.Spec{
	Kind:    "comm/WEBSOCKET",
	Extends: base.CommSpec(),
}

func init() {
	plugin.MustRegister(plugin.Descriptor{
		Signature:   Signature,
		Category:    plugin.CategoryComm,
		Description: "Websocket channel transport for outbound envelopes",
		Version:     "1.0.0",
		Priority:    plugin.PriorityDefault,
		Factory:     New,
		Defaults:    plugin.Config(schema.MustCompile(spec).Defaults()),
		Spec:        spec,
	})
}

// Provider opens websocket channels for the monitor.
type Provider struct {
	base.Plugin
}

// New constructs a provider.
func New(rt *plugin.Runtime, key plugin.InstanceKey, cfg plugin.Config) (plugin.Plugin, error) {
	return &Provider{Plugin: base.New(rt, key, cfg)}, nil
}

// OpenChannel builds the channel from URL and TOKEN. The token, when set,
// rides as a bearer Authorization header on the dial.
func (p *Provider) OpenChannel() (pkgcomm.Channel, error) {
	url := p.Cfg.String(base.KeyURL, "")
	if url == "" {
		return nil, fmt.Errorf("endpoint %s: URL is required", p.Key.InstanceID)
	}

	var headers http.Header
	if token := p.Cfg.String(base.KeyToken, ""); token != "" {
		headers = http.Header{}
		headers.Set("Authorization", "Bearer "+token)
	}
	return comm.NewWebsocketChannel(url, headers, p.Log), nil
}
