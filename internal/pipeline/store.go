package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store keeps the active pipeline snapshot in memory, mirrored to one YAML
// file per pipeline under its directory. Remote updates are persisted the
// same way, so a restart resumes with the last applied configuration.
type Store struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	files     map[string]string // absolute file path -> pipeline name
	rev       uint64

	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stoppedChan chan struct{}
	watching    bool
}

// NewStore creates a pipeline store over a directory.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:         dir,
		logger:      logger.Named("pipeline"),
		pipelines:   make(map[string]*Pipeline),
		files:       make(map[string]string),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// LoadAll reads every pipeline document under the directory, replacing the
// in-memory snapshot. Unparseable files are skipped with a warning so one
// bad document never takes down the rest.
func (s *Store) LoadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("Pipeline directory absent, starting empty", zap.String("dir", s.dir))
			return nil
		}
		return fmt.Errorf("read pipeline dir: %w", err)
	}

	pipelines := make(map[string]*Pipeline)
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		p, err := readPipeline(path)
		if err != nil {
			s.logger.Warn("Skipping unparseable pipeline file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if _, dup := pipelines[p.Name]; dup {
			s.logger.Warn("Duplicate pipeline name, keeping first",
				zap.String("name", p.Name),
				zap.String("ignored", path))
			continue
		}
		pipelines[p.Name] = p
		files[path] = p.Name
	}

	s.mu.Lock()
	s.pipelines = pipelines
	s.files = files
	s.rev++
	s.mu.Unlock()

	s.logger.Info("Pipelines loaded",
		zap.String("dir", s.dir),
		zap.Int("count", len(pipelines)))
	return nil
}

func readPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// loadFile parses one document and upserts it into the snapshot.
func (s *Store) loadFile(path string) {
	p, err := readPipeline(path)
	if err != nil {
		s.logger.Warn("Pipeline file rejected",
			zap.String("path", path),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	if old, ok := s.files[path]; ok && old != p.Name {
		delete(s.pipelines, old)
	}
	s.pipelines[p.Name] = p
	s.files[path] = p.Name
	s.rev++
	s.mu.Unlock()

	s.logger.Info("Pipeline updated from file",
		zap.String("name", p.Name),
		zap.String("path", path))
}

// dropFile removes the pipeline that was loaded from a now-deleted file.
func (s *Store) dropFile(path string) {
	s.mu.Lock()
	name, ok := s.files[path]
	if ok {
		delete(s.files, path)
		delete(s.pipelines, name)
		s.rev++
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("Pipeline removed with file",
			zap.String("name", name),
			zap.String("path", path))
	}
}

// Snapshot returns the active pipelines sorted by name. Callers must treat
// the returned documents as read-only.
func (s *Store) Snapshot() []*Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one pipeline by name.
func (s *Store) Get(name string) (*Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[name]
	return p, ok
}

// Revision increments on every snapshot mutation; the scheduler uses it to
// detect configuration drift between ticks.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Apply validates and upserts a pipeline, persisting it to disk so the
// change survives a restart.
func (s *Store) Apply(p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := p.Marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create pipeline dir: %w", err)
	}
	path := filepath.Join(s.dir, fileName(p.Name))
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("persist pipeline %q: %w", p.Name, err)
	}

	s.mu.Lock()
	s.pipelines[p.Name] = p
	s.files[path] = p.Name
	s.rev++
	s.mu.Unlock()

	s.logger.Info("Pipeline applied",
		zap.String("name", p.Name),
		zap.String("path", path))
	return nil
}

// Archive removes a pipeline from the snapshot and deletes its file.
// Returns false if the name is unknown.
func (s *Store) Archive(name string) bool {
	s.mu.Lock()
	_, ok := s.pipelines[name]
	var path string
	if ok {
		delete(s.pipelines, name)
		for f, n := range s.files {
			if n == name {
				path = f
				delete(s.files, f)
				break
			}
		}
		s.rev++
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Could not remove archived pipeline file",
				zap.String("path", path),
				zap.Error(err))
		}
	}
	s.logger.Info("Pipeline archived", zap.String("name", name))
	return true
}

// Watch starts the fsnotify loop so edits to pipeline files apply without a
// restart.
func (s *Store) Watch() error {
	if s.watching {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		w.Close()
		return fmt.Errorf("create pipeline dir: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = w
	s.watching = true

	go s.watchLoop()
	s.logger.Info("Watching pipeline directory", zap.String("dir", s.dir))
	return nil
}

func (s *Store) watchLoop() {
	defer close(s.stoppedChan)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isYAMLFile(ev.Name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				s.loadFile(ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// A rename lands as remove here; the new name arrives as
				// its own create event.
				s.dropFile(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Pipeline watcher error", zap.Error(err))
		case <-s.stopChan:
			return
		}
	}
}

// Stop shuts down the watcher if it was started.
func (s *Store) Stop() {
	if !s.watching {
		return
	}
	s.watching = false
	close(s.stopChan)
	s.watcher.Close()
	<-s.stoppedChan
}

// fileName maps a pipeline name onto a stable on-disk file name.
func fileName(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	return safe + ".yaml"
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
