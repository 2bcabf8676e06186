// Package pipeline holds the node's dataflow configuration: the pipeline
// documents that describe which plugins run, and the derivation of desired
// instance sets per category from the active snapshot.
package pipeline

import (
	"fmt"
	"strings"

	"edgenode/pkg/plugin"

	"gopkg.in/yaml.v3"
)

// Pipeline describes one capture-to-business dataflow on the node. Type
// names the capture plugin signature; every pipeline owns exactly one
// capture instance keyed by the pipeline name.
type Pipeline struct {
	Name      string        `yaml:"name" json:"name"`
	Type      string        `yaml:"type" json:"type"`
	Session   string        `yaml:"session,omitempty" json:"session,omitempty"`
	Initiator string        `yaml:"initiator,omitempty" json:"initiator,omitempty"`
	Disabled  bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Config    plugin.Config `yaml:"config,omitempty" json:"config,omitempty"`
	Plugins   []PluginSpec  `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// PluginSpec groups the configured instances of one business plugin
// signature within a pipeline.
type PluginSpec struct {
	Signature string         `yaml:"signature" json:"signature"`
	Instances []InstanceSpec `yaml:"instances" json:"instances"`
}

// InstanceSpec is one configured business plugin instance. Disabled entries
// stay in the document but leave the desired set.
type InstanceSpec struct {
	ID       string        `yaml:"id" json:"id"`
	Disabled bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Config   plugin.Config `yaml:"config,omitempty" json:"config,omitempty"`
}

// Endpoint is one remote hub connection. Endpoints come from node options
// and stay fixed for the process lifetime.
type Endpoint struct {
	Name      string        `yaml:"name" json:"name"`
	Signature string        `yaml:"signature,omitempty" json:"signature,omitempty"`
	URL       string        `yaml:"url" json:"url"`
	Token     string        `yaml:"token,omitempty" json:"token,omitempty"`
	Config    plugin.Config `yaml:"config,omitempty" json:"config,omitempty"`
}

// Parse decodes a single pipeline document.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural requirements: name and type present, no
// duplicate instance IDs within a plugin entry.
func (p *Pipeline) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("pipeline missing name")
	}
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("pipeline %q missing type", p.Name)
	}
	for _, ps := range p.Plugins {
		if strings.TrimSpace(ps.Signature) == "" {
			return fmt.Errorf("pipeline %q has a plugin entry without signature", p.Name)
		}
		seen := make(map[string]bool, len(ps.Instances))
		for _, inst := range ps.Instances {
			if strings.TrimSpace(inst.ID) == "" {
				return fmt.Errorf("pipeline %q plugin %q has an instance without id", p.Name, ps.Signature)
			}
			if seen[inst.ID] {
				return fmt.Errorf("pipeline %q plugin %q repeats instance id %q", p.Name, ps.Signature, inst.ID)
			}
			seen[inst.ID] = true
		}
	}
	return nil
}

// Marshal encodes the pipeline back to YAML for on-disk persistence.
func (p *Pipeline) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline %q: %w", p.Name, err)
	}
	return data, nil
}
