// internal/catalog/watcher_test.go
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher_NilStore(t *testing.T) {
	_, err := NewWatcher(nil, "rules.yaml", "watcher", 0, nil)
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t, Options{})
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRuleFile), 0o644))

	w, err := NewWatcher(store, path, "watcher", 20*time.Millisecond, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var reloads []*ImportResult
	w.OnReload = func(res *ImportResult, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		reloads = append(reloads, res)
		mu.Unlock()
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, "R-010")
		return err == nil && r != nil
	}, 5*time.Second, 10*time.Millisecond, "initial import")

	edited := strings.Replace(sampleRuleFile, "priority: 10", "priority: 5", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	require.Eventually(t, func() bool {
		r, err := store.Get(ctx, "R-010")
		return err == nil && r != nil && r.Priority == 5
	}, 5*time.Second, 10*time.Millisecond, "reload after edit")

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(reloads), 2)
	assert.Len(t, reloads[0].Created, 2)
	assert.Contains(t, reloads[len(reloads)-1].Updated, "R-010")
}

func TestWatcher_InitialImportError(t *testing.T) {
	store := newTestStore(t, Options{})
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [{id: R1}]"), 0o644))

	w, err := NewWatcher(store, path, "watcher", 0, nil)
	require.NoError(t, err)
	assert.Error(t, w.Run(context.Background()))
}
