package schema

import (
	"sync"

	"go.uber.org/zap"
)

// Cache memoizes compiled rule sets per kind so the chain walk happens at
// most once per plugin kind per process. All categories share one cache.
// The cache can be disabled through configuration, in which case every
// access recompiles the chain: behavior is identical, access is slower.
type Cache struct {
	enabled bool
	logger  *zap.Logger

	mu    sync.RWMutex
	rules map[string]*Rules
}

// NewCache creates a rule cache. When enabled is false the cache stores
// nothing and compiles on demand.
func NewCache(enabled bool, logger *zap.Logger) *Cache {
	return &Cache{
		enabled: enabled,
		logger:  logger.Named("schema"),
		rules:   make(map[string]*Rules),
	}
}

// Rules returns the compiled rule set for the spec, compiling it on first
// access per kind.
func (c *Cache) Rules(spec *Spec) (*Rules, error) {
	if spec == nil {
		return nil, ErrInvalid
	}

	if c.enabled {
		c.mu.RLock()
		r, ok := c.rules[spec.Kind]
		c.mu.RUnlock()
		if ok {
			return r, nil
		}
	}

	r, err := Compile(spec)
	if err != nil {
		return nil, err
	}

	if c.enabled {
		c.mu.Lock()
		// A concurrent compile of the same kind may have landed first;
		// keep the stored one so callers always see a single instance.
		if prev, ok := c.rules[spec.Kind]; ok {
			r = prev
		} else {
			c.rules[spec.Kind] = r
			c.logger.Debug("Compiled config rules",
				zap.String("kind", spec.Kind),
				zap.Int("keys", len(r.keys)),
				zap.Int("validators", len(r.validators)))
		}
		c.mu.Unlock()
	}
	return r, nil
}

// Keys returns the declared key set for the spec's kind.
func (c *Cache) Keys(spec *Spec) ([]string, error) {
	r, err := c.Rules(spec)
	if err != nil {
		return nil, err
	}
	return r.Keys(), nil
}

// Validators returns the validator sequence for the spec's kind.
func (c *Cache) Validators(spec *Spec) ([]Validator, error) {
	r, err := c.Rules(spec)
	if err != nil {
		return nil, err
	}
	return r.Validators(), nil
}

// Size reports how many kinds have been compiled and stored.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}
