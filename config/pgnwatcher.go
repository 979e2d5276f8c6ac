package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dderyldowney/afs-fieldbus/j1939"
)

// pgnFile is the on-disk YAML shape for operator-supplied SPN definitions.
// It mirrors j1939.PGNSpec/SPNSpec field-for-field but carries its own yaml
// tags so the codec package stays free of serialization concerns.
type pgnFile struct {
	PGNs []pgnEntry `yaml:"pgns"`
}

type pgnEntry struct {
	PGN  uint32     `yaml:"pgn"`
	Name string     `yaml:"name"`
	SPNs []spnEntry `yaml:"spns"`
}

type spnEntry struct {
	ID         int     `yaml:"id"`
	Name       string  `yaml:"name"`
	ByteOffset int     `yaml:"byte_offset"`
	Length     int     `yaml:"length"`
	Scale      float64 `yaml:"scale"`
	Offset     float64 `yaml:"offset"`
	MinValue   float64 `yaml:"min_value"`
	MaxValue   float64 `yaml:"max_value"`
}

func (f pgnFile) toSpecs() []j1939.PGNSpec {
	specs := make([]j1939.PGNSpec, 0, len(f.PGNs))
	for _, e := range f.PGNs {
		spns := make([]j1939.SPNSpec, 0, len(e.SPNs))
		for _, s := range e.SPNs {
			spns = append(spns, j1939.SPNSpec{
				ID:         s.ID,
				Name:       s.Name,
				ByteOffset: s.ByteOffset,
				Length:     s.Length,
				Scale:      s.Scale,
				Offset:     s.Offset,
				MinValue:   s.MinValue,
				MaxValue:   s.MaxValue,
			})
		}
		specs = append(specs, j1939.PGNSpec{PGN: e.PGN, Name: e.Name, SPNs: spns})
	}
	return specs
}

// PGNWatcher watches a YAML file of operator-supplied PGN/SPN definitions
// and, on change, publishes a wholesale-replacement *j1939.Table combining
// the built-in specs with whatever the file now contains. The PGN table is
// read-only after construction from any consumer's point of view: reload
// never mutates the live table, it swaps it.
type PGNWatcher struct {
	path    string
	builtin []j1939.PGNSpec
	logger  *slog.Logger

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	table    atomic.Pointer[j1939.Table] // copy-on-write
	checksum string
	watching bool
}

// NewPGNWatcher constructs a watcher over path, combining builtinSpecs (the
// codec's always-present table) with whatever path currently contains. If
// path is empty, the watcher serves builtinSpecs only and Watch is a no-op.
func NewPGNWatcher(path string, builtinSpecs []j1939.PGNSpec, logger *slog.Logger) (*PGNWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &PGNWatcher{path: path, builtin: builtinSpecs, logger: logger}
	initial, checksum, err := w.load()
	if err != nil {
		return nil, err
	}
	w.table.Store(initial)
	w.checksum = checksum
	return w, nil
}

// Table returns the currently published table. Safe to call concurrently
// with a reload in progress.
func (w *PGNWatcher) Table() *j1939.Table {
	return w.table.Load()
}

// load reads path (if set and present) and builds a combined table plus a
// content checksum, for change detection on the next fsnotify event.
func (w *PGNWatcher) load() (*j1939.Table, string, error) {
	specs := append([]j1939.PGNSpec(nil), w.builtin...)
	if w.path == "" {
		return j1939.NewTable(specs...), "", nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return j1939.NewTable(specs...), "", nil
		}
		return nil, "", fmt.Errorf("config: read pgn file: %w", err)
	}
	var f pgnFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("config: parse pgn file: %w", err)
	}
	specs = append(specs, f.toSpecs()...)
	sum := sha256.Sum256(data)
	return j1939.NewTable(specs...), hex.EncodeToString(sum[:]), nil
}

// Watch starts the fsnotify loop, rebuilding and republishing the table on
// every write to path's directory that touches path, skipping spurious
// re-fires whose content checksum hasn't actually changed. Watch returns
// immediately; the loop runs until ctx is cancelled or Close is called. A
// no-op if the watcher was built with an empty path.
func (w *PGNWatcher) Watch(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("config: create file watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		w.mu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("config: watch dir %s: %w", dir, err)
	}
	w.watcher = watcher
	w.watching = true
	w.mu.Unlock()

	go w.loop(ctx)
	return nil
}

func (w *PGNWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pgn watcher error", "error", err)
		}
	}
}

func (w *PGNWatcher) reload() {
	table, checksum, err := w.load()
	if err != nil {
		w.logger.Warn("pgn reload failed", "error", err, "path", w.path)
		return
	}
	w.mu.Lock()
	unchanged := checksum != "" && checksum == w.checksum
	w.checksum = checksum
	w.mu.Unlock()
	if unchanged {
		return
	}
	w.table.Store(table)
	w.logger.Info("pgn table reloaded", "path", w.path, "pgn_count", table.Len())
}

// Close stops the watch loop if running.
func (w *PGNWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	return w.watcher.Close()
}
