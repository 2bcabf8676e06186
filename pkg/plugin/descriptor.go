package plugin

import (
	"fmt"

	"edgenode/internal/schema"
)

// InstanceKey uniquely identifies one desired or live plugin instance.
// At most one live instance exists per key at any time.
type InstanceKey struct {
	Category   Category  `json:"category"`
	Pipeline   string    `json:"pipeline"`
	Signature  Signature `json:"signature"`
	InstanceID string    `json:"instance_id"`
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Category, k.Pipeline, k.Signature, k.InstanceID)
}

// Descriptor is the resolved definition of one plugin type: everything the
// lifecycle managers need to construct instances. Descriptors are produced
// once per signature and category, cached by the resolver, and treated as
// immutable from then on.
type Descriptor struct {
	// Signature is the canonical plugin signature.
	Signature Signature

	// Category the plugin belongs to.
	Category Category

	// Description is a human-readable summary used in logs and /status.
	Description string

	// Version tags the implementation ("1.4.0", manifest-declared for
	// external plugins).
	Version string

	// Module records where the descriptor came from: "builtin" for
	// registered implementations, the manifest path for discovered ones.
	Module string

	// Priority determines which descriptor wins when multiple register
	// under the same signature and category. Higher priority wins.
	Priority int

	// Factory creates new instances of the plugin.
	Factory Factory

	// Defaults is the plugin's default configuration. The resolver hands
	// out deep copies; the stored map is never mutated.
	Defaults Config

	// Spec declares the configuration schema chain used for key filtering
	// and validation.
	Spec *schema.Spec
}

// Kind returns the schema identity of the descriptor, the unit of
// config-rule compilation.
func (d *Descriptor) Kind() string {
	return string(d.Category) + "/" + string(d.Signature)
}
