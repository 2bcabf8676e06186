package plugin

import (
	"reflect"
	"sort"
	"time"
)

// Config is an instance configuration: the descriptor's defaults overlaid
// with per-instance overrides. Keys follow the upper snake-case convention
// of signatures ("PROCESS_DELAY", "ALERT_THRESHOLD"). Values are plain
// scalars, string slices, or nested maps as decoded from YAML or JSON.
type Config map[string]any

// Clone returns a deep copy. Descriptor defaults are cloned on every
// resolve so no two instances ever share mutable configuration.
func (c Config) Clone() Config {
	if c == nil {
		return Config{}
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Config:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

// Diff returns the sorted keys whose values differ between c and desired,
// including keys present only in desired. Neither map is mutated; the
// lifecycle manager uses the result to decide whether a retained instance
// needs an incremental merge at all.
func (c Config) Diff(desired Config) []string {
	var changed []string
	for k, v := range desired {
		cur, ok := c[k]
		if !ok || !reflect.DeepEqual(cur, v) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// ApplyFrom writes the listed keys from src into c in place. Only the named
// fields move; everything else in c, including any runtime bookkeeping the
// instance hung off its config, stays untouched.
func (c Config) ApplyFrom(src Config, keys []string) {
	for _, k := range keys {
		c[k] = cloneValue(src[k])
	}
}

// String returns the string value under key, or def when absent or not a
// string.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer value under key, tolerating the numeric types
// YAML and JSON decoders produce.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float returns the float value under key.
func (c Config) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Bool returns the boolean value under key.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Duration interprets the value under key as seconds (numeric) or a
// time.Duration string ("1500ms").
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// StringSlice returns the string slice under key.
func (c Config) StringSlice(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
