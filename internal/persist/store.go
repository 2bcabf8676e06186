// Package persist offers scoped JSON persistence to plugin instances. Each
// scope owns one file under the state root; stored documents carry a format
// signature so a foreign or truncated file is rejected instead of misread.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"edgenode/pkg/plugin"

	"go.uber.org/zap"
)

// FormatSignature marks documents written by this store version.
const FormatSignature = "edgenode.state.v1"

// ErrFormatMismatch is returned when a scope file exists but does not carry
// the expected format signature.
var ErrFormatMismatch = errors.New("state format mismatch")

type document struct {
	Format string                     `json:"format"`
	Data   map[string]json.RawMessage `json:"data"`
}

// Store hands out per-instance scopes under a shared root directory.
type Store struct {
	root   string
	logger *zap.Logger

	mu     sync.Mutex
	scopes map[string]*Scope
}

// NewStore creates a store rooted at dir.
func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger.Named("persist"),
		scopes: make(map[string]*Scope),
	}
}

// Scope returns the state store for one instance. Scopes are memoized so
// concurrent users of the same instance share one file lock.
func (s *Store) Scope(category plugin.Category, instanceID string) *Scope {
	path := filepath.Join(s.root, string(category), safeName(instanceID)+".json")

	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scopes[path]; ok {
		return sc
	}
	sc := &Scope{path: path, logger: s.logger.With(zap.String("scope", path))}
	s.scopes[path] = sc
	return sc
}

// Scope is one instance's keyed JSON state. It implements
// plugin.StateStore.
type Scope struct {
	path   string
	logger *zap.Logger

	mu  sync.Mutex
	doc *document
}

var _ plugin.StateStore = (*Scope)(nil)

// Load reads the value stored under key into the provided pointer. The
// second return is false when nothing is stored.
func (sc *Scope) Load(key string, into any) (bool, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := sc.ensureLoaded(); err != nil {
		return false, err
	}
	raw, ok := sc.doc.Data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("decode state %q: %w", key, err)
	}
	return true, nil
}

// Save stores the value under key and flushes the scope file.
func (sc *Scope) Save(key string, value any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := sc.ensureLoaded(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	sc.doc.Data[key] = raw
	return sc.flush()
}

// Delete removes a key and flushes. Deleting an absent key is a no-op.
func (sc *Scope) Delete(key string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := sc.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := sc.doc.Data[key]; !ok {
		return nil
	}
	delete(sc.doc.Data, key)
	return sc.flush()
}

// Keys lists the stored keys sorted.
func (sc *Scope) Keys() ([]string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := sc.ensureLoaded(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(sc.doc.Data))
	for k := range sc.doc.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (sc *Scope) ensureLoaded() error {
	if sc.doc != nil {
		return nil
	}

	data, err := os.ReadFile(sc.path)
	if err != nil {
		if os.IsNotExist(err) {
			sc.doc = &document{Format: FormatSignature, Data: make(map[string]json.RawMessage)}
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse state file %s: %w", sc.path, err)
	}
	if doc.Format != FormatSignature {
		return fmt.Errorf("%w: %s has %q", ErrFormatMismatch, sc.path, doc.Format)
	}
	if doc.Data == nil {
		doc.Data = make(map[string]json.RawMessage)
	}
	sc.doc = &doc
	return nil
}

func (sc *Scope) flush() error {
	if err := os.MkdirAll(filepath.Dir(sc.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(sc.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	tmp := sc.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, sc.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func safeName(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
