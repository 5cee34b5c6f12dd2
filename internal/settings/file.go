package settings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileStore is a YAML-file-backed Store. Writes are debounced; external
// writes to the file are detected and reconciled last-write-wins, with
// subscribers notified of each changed path.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]any
	subs map[int]subscription
	next int

	logger     *slog.Logger
	debounce   time.Duration
	flushTimer *time.Timer
	watcher    *fsnotify.Watcher

	// flushMu is held from snapshot through write so overlapping flushes
	// cannot land an older document after a newer one.
	flushMu sync.Mutex
}

// FileStoreConfig holds construction parameters for FileStore.
type FileStoreConfig struct {
	Path   string
	Logger *slog.Logger
	// Debounce delays persistence after a Set(..., persist=true) so rapid
	// writes coalesce into one flush (default: 500ms).
	Debounce time.Duration
}

// OpenFileStore loads (or creates) the settings file at cfg.Path.
func OpenFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}

	s := &FileStore{
		path:     cfg.Path,
		data:     make(map[string]any),
		subs:     make(map[int]subscription),
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
	}

	raw, err := os.ReadFile(cfg.Path)
	switch {
	case os.IsNotExist(err):
		// First run; the file is created on the first flush.
	case err != nil:
		return nil, fmt.Errorf("read settings file: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse settings file: %w", err)
		}
		if s.data == nil {
			s.data = make(map[string]any)
		}
	}

	return s, nil
}

// Get returns the value at path, or def when absent.
func (s *FileStore) Get(path string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := getPath(s.data, splitPath(path))
	if !ok {
		return def
	}
	return cloneValue(v)
}

// Set writes value at path. With persist, the file flush is debounced so
// bursts of writes coalesce.
func (s *FileStore) Set(path string, value any, persist bool) error {
	s.mu.Lock()
	old := setPath(s.data, splitPath(path), value)
	if persist {
		s.scheduleFlush()
	}
	s.mu.Unlock()

	s.notify(Change{Path: path, Old: old, New: value})
	return nil
}

// scheduleFlush arms (or re-arms) the debounced persistence timer.
// Caller must hold mu.
func (s *FileStore) scheduleFlush() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			s.logger.Error("settings flush failed", "path", s.path, "error", err)
		}
	})
}

// Flush writes the current settings document to disk immediately.
func (s *FileStore) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	raw, err := yaml.Marshal(s.data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}

// Subscribe registers fn for changes matching pattern.
func (s *FileStore) Subscribe(pattern string, fn func(Change)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscription{pattern: pattern, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *FileStore) notify(ch Change) {
	s.mu.Lock()
	var targets []func(Change)
	for _, sub := range s.subs {
		if matches(sub.pattern, ch.Path) {
			targets = append(targets, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range targets {
		func() {
			defer func() { _ = recover() }()
			fn(ch)
		}()
	}
}

// Watch starts watching the settings file for external writes. A detected
// change reloads the document (last write wins) and notifies subscribers of
// every path whose value differs from the in-memory copy.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	go s.watchLoop(ctx)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(s.debounce, s.reload)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("settings watcher error", "error", err)
		}
	}
}

// reload replaces the in-memory copy with the on-disk document and notifies
// subscribers of the delta. A reload triggered by our own flush produces an
// empty delta and is a no-op.
func (s *FileStore) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Error("failed to reload settings, keeping current", "error", err)
		return
	}
	incoming := make(map[string]any)
	if err := yaml.Unmarshal(raw, &incoming); err != nil {
		s.logger.Error("failed to parse reloaded settings, keeping current", "error", err)
		return
	}
	if incoming == nil {
		incoming = make(map[string]any)
	}

	s.mu.Lock()
	oldFlat := make(map[string]any)
	newFlat := make(map[string]any)
	flatten("", s.data, oldFlat)
	flatten("", incoming, newFlat)
	s.data = incoming
	s.mu.Unlock()

	var changes []Change
	for path, newVal := range newFlat {
		if oldVal, ok := oldFlat[path]; !ok || fmt.Sprint(oldVal) != fmt.Sprint(newVal) {
			changes = append(changes, Change{Path: path, Old: oldFlat[path], New: newVal})
		}
	}
	for path, oldVal := range oldFlat {
		if _, ok := newFlat[path]; !ok {
			changes = append(changes, Change{Path: path, Old: oldVal, New: nil})
		}
	}

	if len(changes) > 0 {
		s.logger.Info("settings reloaded from disk", "changed", len(changes))
	}
	for _, ch := range changes {
		s.notify(ch)
	}
}

// Close stops the pending flush timer and persists outstanding writes.
func (s *FileStore) Close() error {
	s.mu.Lock()
	pending := s.flushTimer != nil && s.flushTimer.Stop()
	s.mu.Unlock()

	if pending {
		return s.Flush()
	}
	return nil
}
