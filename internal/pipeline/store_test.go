package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger, _ := zap.NewDevelopment()
	return NewStore(dir, logger), dir
}

func writePipelineFile(t *testing.T, dir, file, doc string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadAll(t *testing.T) {
	store, dir := newTestStore(t)
	writePipelineFile(t, dir, "b.yaml", "name: beta\ntype: net_feed\n")
	writePipelineFile(t, dir, "a.yaml", "name: alpha\ntype: video_feed\n")
	writePipelineFile(t, dir, "broken.yaml", "name: [\n")
	writePipelineFile(t, dir, "notes.txt", "not a pipeline")

	require.NoError(t, store.LoadAll())

	snap := store.Snapshot()
	require.Len(t, snap, 2, "bad and non-yaml files are skipped")
	assert.Equal(t, "alpha", snap[0].Name)
	assert.Equal(t, "beta", snap[1].Name)
}

func TestLoadAll_MissingDirStartsEmpty(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := NewStore("/nonexistent/pipelines", logger)
	require.NoError(t, store.LoadAll())
	assert.Empty(t, store.Snapshot())
}

func TestApplyAndArchive(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.LoadAll())
	rev := store.Revision()

	p := &Pipeline{Name: "cam", Type: "video_feed"}
	require.NoError(t, store.Apply(p))

	got, ok := store.Get("cam")
	require.True(t, ok)
	assert.Equal(t, "video_feed", got.Type)
	assert.Greater(t, store.Revision(), rev)

	// Applied pipelines persist to disk.
	onDisk, err := os.ReadFile(filepath.Join(dir, "cam.yaml"))
	require.NoError(t, err)
	reloaded, err := Parse(onDisk)
	require.NoError(t, err)
	assert.Equal(t, "cam", reloaded.Name)

	assert.True(t, store.Archive("cam"))
	_, ok = store.Get("cam")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "cam.yaml"))
	assert.True(t, os.IsNotExist(err))

	assert.False(t, store.Archive("cam"), "second archive finds nothing")
}

func TestApply_RejectsInvalid(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Error(t, store.Apply(&Pipeline{Name: "cam"}))
	assert.Empty(t, store.Snapshot())
}

func TestHandleCommand(t *testing.T) {
	store, _ := newTestStore(t)

	update, _ := json.Marshal(Command{
		Type:     CommandUpdate,
		Pipeline: &Pipeline{Name: "cam", Type: "video_feed"},
	})
	require.NoError(t, store.HandleCommand(update))
	_, ok := store.Get("cam")
	assert.True(t, ok)

	archive, _ := json.Marshal(Command{Type: CommandArchive, Name: "cam"})
	require.NoError(t, store.HandleCommand(archive))
	_, ok = store.Get("cam")
	assert.False(t, ok)

	assert.Error(t, store.HandleCommand(archive), "archiving twice fails")

	err := store.HandleCommand([]byte(`{"type":"reboot_node"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	assert.Error(t, store.HandleCommand([]byte("not json")))
	assert.Error(t, store.HandleCommand([]byte(`{"type":"update_pipeline"}`)))
}

func TestWatcherAppliesFileChanges(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.LoadAll())
	require.NoError(t, store.Watch())
	defer store.Stop()

	path := writePipelineFile(t, dir, "cam.yaml", "name: cam\ntype: video_feed\n")

	require.Eventually(t, func() bool {
		_, ok := store.Get("cam")
		return ok
	}, 3*time.Second, 20*time.Millisecond, "created file should load")

	writePipelineFile(t, dir, "cam.yaml", "name: cam\ntype: video_feed\nconfig:\n  CAP_INTERVAL_MS: 500\n")
	require.Eventually(t, func() bool {
		p, ok := store.Get("cam")
		return ok && p.Config.Int("CAP_INTERVAL_MS", 0) == 500
	}, 3*time.Second, 20*time.Millisecond, "edited file should reload")

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := store.Get("cam")
		return !ok
	}, 3*time.Second, 20*time.Millisecond, "removed file should unload")
}
