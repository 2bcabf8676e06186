package persist

import (
	"os"
	"path/filepath"
	"testing"

	"edgenode/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type alertState struct {
	Raised int     `json:"raised"`
	Max    float64 `json:"max"`
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger, _ := zap.NewDevelopment()
	return NewStore(dir, logger), dir
}

func TestSaveAndLoad(t *testing.T) {
	store, _ := newTestStore(t)
	scope := store.Scope(plugin.CategoryBusiness, "relay-1")

	require.NoError(t, scope.Save("alerts", alertState{Raised: 3, Max: 0.92}))

	var got alertState
	ok, err := scope.Load("alerts", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Raised)
	assert.Equal(t, 0.92, got.Max)

	ok, err = scope.Load("missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateSurvivesReopen(t *testing.T) {
	store, dir := newTestStore(t)
	scope := store.Scope(plugin.CategoryBusiness, "relay-1")
	require.NoError(t, scope.Save("counter", 42))

	logger, _ := zap.NewDevelopment()
	reopened := NewStore(dir, logger).Scope(plugin.CategoryBusiness, "relay-1")

	var counter int
	ok, err := reopened.Load("counter", &counter)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, counter)
}

func TestScopesAreIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	a := store.Scope(plugin.CategoryBusiness, "relay-1")
	b := store.Scope(plugin.CategoryBusiness, "relay-2")
	c := store.Scope(plugin.CategoryCapture, "relay-1")

	require.NoError(t, a.Save("k", "from-a"))

	var v string
	ok, err := b.Load("k", &v)
	require.NoError(t, err)
	assert.False(t, ok, "sibling instance sees nothing")

	ok, err = c.Load("k", &v)
	require.NoError(t, err)
	assert.False(t, ok, "same id under another category sees nothing")
}

func TestScopeMemoized(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Same(t,
		store.Scope(plugin.CategoryBusiness, "relay-1"),
		store.Scope(plugin.CategoryBusiness, "relay-1"))
}

func TestFormatGuard(t *testing.T) {
	store, dir := newTestStore(t)

	path := filepath.Join(dir, "business", "old.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"format":"edgenode.state.v0","data":{}}`), 0o644))

	scope := store.Scope(plugin.CategoryBusiness, "old")
	var v int
	_, err := scope.Load("k", &v)
	assert.ErrorIs(t, err, ErrFormatMismatch)
	assert.ErrorIs(t, scope.Save("k", 1), ErrFormatMismatch)
}

func TestCorruptFileRejected(t *testing.T) {
	store, dir := newTestStore(t)

	path := filepath.Join(dir, "business", "bad.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	scope := store.Scope(plugin.CategoryBusiness, "bad")
	var v int
	_, err := scope.Load("k", &v)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFormatMismatch)
}

func TestDeleteAndKeys(t *testing.T) {
	store, _ := newTestStore(t)
	scope := store.Scope(plugin.CategoryServing, "engine")

	require.NoError(t, scope.Save("b", 2))
	require.NoError(t, scope.Save("a", 1))

	keys, err := scope.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, scope.Delete("a"))
	require.NoError(t, scope.Delete("a"), "deleting twice is a no-op")

	keys, err = scope.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestInstanceIDSanitized(t *testing.T) {
	store, dir := newTestStore(t)
	scope := store.Scope(plugin.CategoryBusiness, "../escape/attempt")
	require.NoError(t, scope.Save("k", 1))

	entries, err := os.ReadDir(filepath.Join(dir, "business"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".._escape_attempt.json", entries[0].Name())
}
