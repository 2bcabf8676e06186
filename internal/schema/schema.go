// Package schema declares plugin configuration schemas and compiles them
// into reusable rule sets. A plugin kind declares a Spec; specs form chains
// through Extends the way base configurations are layered, and the compiler
// walks the chain exactly once per kind to produce the merged key set,
// defaults, and validator sequence.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalid is wrapped by every validation failure so callers can test
// with errors.Is without caring about the specific rule that fired.
var ErrInvalid = errors.New("invalid configuration")

// FieldType constrains the value accepted for a config key. Numeric types
// tolerate the int/int64/float64 variants YAML and JSON decoders produce.
type FieldType string

const (
	TypeAny      FieldType = "any"
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDuration FieldType = "duration"
	TypeList     FieldType = "list"
	TypeMap      FieldType = "map"
)

// Field declares one configuration key.
type Field struct {
	Key      string
	Type     FieldType
	Default  any
	Required bool

	// Min and Max bound numeric fields when set.
	Min *float64
	Max *float64

	// OneOf restricts string fields to an enumerated set when non-empty.
	OneOf []string
}

// Validator is a named cross-field check run after per-field rules.
type Validator struct {
	Name  string
	Check func(cfg map[string]any) error
}

// Spec declares the configuration schema of one plugin kind. Kinds extend
// their category base through Extends; the chain is resolved at compile
// time, child declarations overriding parent ones key by key.
type Spec struct {
	Kind       string
	Extends    *Spec
	Fields     []Field
	Validators []Validator
}

// Rules is the compiled form of a spec chain: flat key set, merged
// defaults, and the full validator sequence in parent-first order.
type Rules struct {
	Kind       string
	fields     map[string]Field
	keys       []string
	validators []Validator
}

// Compile walks the spec chain once and produces its rule set. The walk is
// parent-first so child fields override and child validators run last,
// mirroring how layered default configurations merge.
func Compile(spec *Spec) (*Rules, error) {
	if spec == nil {
		return nil, fmt.Errorf("compile: nil spec")
	}

	// Collect the chain child-first, guard against cycles.
	var chain []*Spec
	seen := make(map[*Spec]bool)
	for s := spec; s != nil; s = s.Extends {
		if seen[s] {
			return nil, fmt.Errorf("compile %s: cyclic extends chain", spec.Kind)
		}
		seen[s] = true
		chain = append(chain, s)
	}

	r := &Rules{
		Kind:   spec.Kind,
		fields: make(map[string]Field),
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, f := range chain[i].Fields {
			if f.Key == "" {
				return nil, fmt.Errorf("compile %s: field with empty key in %s", spec.Kind, chain[i].Kind)
			}
			r.fields[f.Key] = f
		}
		r.validators = append(r.validators, chain[i].Validators...)
	}

	r.keys = make([]string, 0, len(r.fields))
	for k := range r.fields {
		r.keys = append(r.keys, k)
	}
	sort.Strings(r.keys)
	return r, nil
}

// MustCompile is Compile for package init blocks; it panics on a malformed
// spec chain.
func MustCompile(spec *Spec) *Rules {
	r, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return r
}

// Keys returns the sorted set of declared configuration keys.
func (r *Rules) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Validators returns the compiled validator sequence, field rules first.
func (r *Rules) Validators() []Validator {
	out := make([]Validator, 0, len(r.validators)+1)
	out = append(out, Validator{Name: "fields", Check: r.checkFields})
	out = append(out, r.validators...)
	return out
}

// Defaults returns the merged default configuration of the chain. The map
// is freshly built on every call so callers can mutate it.
func (r *Rules) Defaults() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, f := range r.fields {
		if f.Default != nil {
			out[k] = f.Default
		}
	}
	return out
}

// Unknown returns the keys in cfg that no field declares, sorted. Unknown
// keys are tolerated (logged by the caller), never fatal.
func (r *Rules) Unknown(cfg map[string]any) []string {
	var out []string
	for k := range cfg {
		if _, ok := r.fields[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Validate runs the full validator sequence against cfg and returns the
// first failure wrapped in ErrInvalid.
func (r *Rules) Validate(cfg map[string]any) error {
	for _, v := range r.Validators() {
		if err := v.Check(cfg); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrInvalid, r.Kind, err)
		}
	}
	return nil
}

func (r *Rules) checkFields(cfg map[string]any) error {
	for _, k := range r.keys {
		f := r.fields[k]
		v, present := cfg[k]
		if !present || v == nil {
			if f.Required {
				return fmt.Errorf("field %s is required", k)
			}
			continue
		}
		if err := checkValue(f, v); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
	}
	return nil
}

func checkValue(f Field, v any) error {
	switch f.Type {
	case TypeAny, "":
		return nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(f.OneOf) > 0 {
			for _, allowed := range f.OneOf {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("value %q not in %v", s, f.OneOf)
		}
		return nil
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		return nil
	case TypeInt, TypeFloat:
		n, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		if f.Type == TypeInt && n != float64(int64(n)) {
			return fmt.Errorf("expected integer, got %v", v)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Errorf("value %v below minimum %v", v, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Errorf("value %v above maximum %v", v, *f.Max)
		}
		return nil
	case TypeDuration:
		switch d := v.(type) {
		case int, int64, float64:
			return nil
		case string:
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("bad duration %q", d)
			}
			return nil
		default:
			return fmt.Errorf("expected duration, got %T", v)
		}
	case TypeList:
		switch v.(type) {
		case []any, []string:
			return nil
		}
		return fmt.Errorf("expected list, got %T", v)
	case TypeMap:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected map, got %T", v)
		}
		return nil
	default:
		return fmt.Errorf("unknown field type %q", f.Type)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// FloatPtr is a convenience for Min/Max bounds in spec literals.
func FloatPtr(f float64) *float64 { return &f }
