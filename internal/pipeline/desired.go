package pipeline

import (
	"edgenode/pkg/plugin"
)

// Node-global instances (serving engines, comm channels) do not belong to
// any one pipeline; they carry these placeholders in their keys.
const (
	NodePipeline   = "node"
	SharedInstance = "shared"
)

// DefaultCommSignature is used for endpoints that do not name a comm plugin.
const DefaultCommSignature = "WEBSOCKET"

// KeyAIEngine is the business config key naming the serving engine whose
// inferences the instance consumes. It drives both the desired serving set
// and the scheduler's batch routing.
const KeyAIEngine = "AI_ENGINE"

// Desired derives the desired instance set for one category from the active
// pipeline snapshot and the node's endpoints.
func Desired(category plugin.Category, pipelines []*Pipeline, endpoints []Endpoint) map[plugin.InstanceKey]plugin.Config {
	switch category {
	case plugin.CategoryCapture:
		return DesiredCapture(pipelines)
	case plugin.CategoryBusiness:
		return DesiredBusiness(pipelines)
	case plugin.CategoryServing:
		return DesiredServing(pipelines)
	case plugin.CategoryComm:
		return DesiredComm(endpoints)
	default:
		return nil
	}
}

// DesiredCapture wants exactly one capture instance per active pipeline,
// keyed by the pipeline name and built from the pipeline's type signature.
func DesiredCapture(pipelines []*Pipeline) map[plugin.InstanceKey]plugin.Config {
	out := make(map[plugin.InstanceKey]plugin.Config)
	for _, p := range pipelines {
		if p.Disabled {
			continue
		}
		key := plugin.InstanceKey{
			Category:   plugin.CategoryCapture,
			Pipeline:   p.Name,
			Signature:  plugin.NormalizeSignature(p.Type),
			InstanceID: p.Name,
		}
		out[key] = p.Config
	}
	return out
}

// DesiredBusiness wants every non-disabled instance entry of every active
// pipeline. Disabling an entry removes its key, which tears the instance
// down on the next refresh.
func DesiredBusiness(pipelines []*Pipeline) map[plugin.InstanceKey]plugin.Config {
	out := make(map[plugin.InstanceKey]plugin.Config)
	for _, p := range pipelines {
		if p.Disabled {
			continue
		}
		for _, ps := range p.Plugins {
			sig := plugin.NormalizeSignature(ps.Signature)
			for _, inst := range ps.Instances {
				if inst.Disabled {
					continue
				}
				key := plugin.InstanceKey{
					Category:   plugin.CategoryBusiness,
					Pipeline:   p.Name,
					Signature:  sig,
					InstanceID: inst.ID,
				}
				out[key] = inst.Config
			}
		}
	}
	return out
}

// DesiredServing wants one node-global engine instance per distinct
// AI_ENGINE referenced by active business instance configs. Engines are
// shared across pipelines; the last pipeline to stop referencing one
// releases it.
func DesiredServing(pipelines []*Pipeline) map[plugin.InstanceKey]plugin.Config {
	out := make(map[plugin.InstanceKey]plugin.Config)
	for _, p := range pipelines {
		if p.Disabled {
			continue
		}
		for _, ps := range p.Plugins {
			for _, inst := range ps.Instances {
				if inst.Disabled {
					continue
				}
				engine := plugin.NormalizeSignature(inst.Config.String(KeyAIEngine, ""))
				if engine == "" {
					continue
				}
				key := plugin.InstanceKey{
					Category:   plugin.CategoryServing,
					Pipeline:   NodePipeline,
					Signature:  engine,
					InstanceID: SharedInstance,
				}
				if _, ok := out[key]; !ok {
					out[key] = plugin.Config{}
				}
			}
		}
	}
	return out
}

// DesiredComm wants one channel instance per configured endpoint. Endpoint
// URL and token fold into the instance config under the base keys the comm
// plugins declare.
func DesiredComm(endpoints []Endpoint) map[plugin.InstanceKey]plugin.Config {
	out := make(map[plugin.InstanceKey]plugin.Config)
	for _, ep := range endpoints {
		if ep.Name == "" || ep.URL == "" {
			continue
		}
		sig := plugin.NormalizeSignature(ep.Signature)
		if sig == "" {
			sig = DefaultCommSignature
		}
		cfg := ep.Config.Clone()
		cfg["URL"] = ep.URL
		if ep.Token != "" {
			cfg["TOKEN"] = ep.Token
		}
		key := plugin.InstanceKey{
			Category:   plugin.CategoryComm,
			Pipeline:   NodePipeline,
			Signature:  sig,
			InstanceID: ep.Name,
		}
		out[key] = cfg
	}
	return out
}
