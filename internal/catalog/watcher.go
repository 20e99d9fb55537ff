// internal/catalog/watcher.go
package catalog

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-imports a rule file into a store whenever it changes on disk.
//
// The parent directory is watched rather than the file itself so editors that
// save by rename keep being observed. Changes are collected and flushed once
// per debounce tick; a flush whose content hash matches the last import is
// dropped.
type Watcher struct {
	store    *Store
	path     string
	actor    string
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	mu       sync.Mutex
	pending  bool
	lastHash [sha256.Size]byte

	// OnReload, when set, is called after every reload attempt.
	OnReload func(*ImportResult, error)
}

// NewWatcher creates a watcher for path. A zero debounce uses DefaultDebounce.
func NewWatcher(store *Store, path, actor string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		store:    store,
		path:     abs,
		actor:    actor,
		debounce: debounce,
		logger:   logger.With("component", "rule-watcher", "path", abs),
		fsw:      fsw,
	}, nil
}

// Run performs an initial import and then reloads on change until ctx is
// done. The initial import error is returned; later ones are logged.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	if _, err := w.reload(ctx); err != nil {
		return err
	}
	w.logger.Info("watching rule file", "debounce", w.debounce)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)

		case <-ticker.C:
			w.mu.Lock()
			due := w.pending
			w.pending = false
			w.mu.Unlock()
			if due {
				_, _ = w.reload(ctx)
			}
		}
	}
}

// reload imports the file when its content changed since the last import.
func (w *Watcher) reload(ctx context.Context) (*ImportResult, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// Mid-rename the file may briefly not exist; the Create event retries.
		w.logger.Warn("rule file unreadable", "error", err)
		w.notify(nil, err)
		return nil, err
	}

	sum := sha256.Sum256(data)
	w.mu.Lock()
	unchanged := sum == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return &ImportResult{}, nil
	}

	rf, err := ParseRuleFile(data)
	if err != nil {
		w.logger.Warn("rule file rejected", "error", err)
		w.notify(nil, err)
		return nil, err
	}
	rf.Path = w.path

	res, err := w.store.Import(ctx, rf, w.actor)
	if err != nil {
		w.logger.Error("rule reload failed", "error", err)
		w.notify(res, err)
		return res, err
	}

	w.mu.Lock()
	w.lastHash = sum
	w.mu.Unlock()

	w.logger.Info("rules reloaded",
		"created", len(res.Created),
		"updated", len(res.Updated),
		"unchanged", len(res.Unchanged))
	w.notify(res, nil)
	return res, nil
}

func (w *Watcher) notify(res *ImportResult, err error) {
	if w.OnReload != nil {
		w.OnReload(res, err)
	}
}
