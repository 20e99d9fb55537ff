// internal/ruleconfig/versions.go
package ruleconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/solatis/ptufix/internal/catalog"
	"github.com/solatis/ptufix/internal/types"
)

// Snapshot files are named <orig>.<timestamp>.backup with a UTC timestamp.
// Snapshots taken within the same second get a _N suffix.
const (
	timestampLayout = "20060102_150405"
	backupSuffix    = ".backup"
)

// VersionRef is one snapshot of a rule file.
type VersionRef struct {
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path"`
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`

	seq int
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	Restored VersionRef            `json:"restored"`
	Snapshot *VersionRef           `json:"snapshot,omitempty"` // the replaced content
	Import   *catalog.ImportResult `json:"import,omitempty"`
}

func (m *Manager) dirFor(file string) string {
	if m.backupDir != "" {
		return m.backupDir
	}
	return filepath.Dir(file)
}

// Snapshot copies the current content of file into a new version and
// journals it.
func (m *Manager) Snapshot(file, actor string) (*VersionRef, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	ref, err := m.snapshot(file, data)
	if err != nil {
		return nil, err
	}
	if err := m.journal.append(m.entry(file, types.AuditSave, actor, map[string]any{"snapshot": ref.Path})); err != nil {
		return ref, err
	}
	return ref, nil
}

// snapshot writes data as a new version of file. A same-second version with
// identical content is reused.
func (m *Manager) snapshot(file string, data []byte) (*VersionRef, error) {
	dir := m.dirFor(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: backup dir: %v", types.ErrIO, err)
	}
	now := m.now().UTC()
	stamp := now.Format(timestampLayout)

	for seq := 1; ; seq++ {
		ts := stamp
		if seq > 1 {
			ts = fmt.Sprintf("%s_%d", stamp, seq)
		}
		path := filepath.Join(dir, filepath.Base(file)+"."+ts+backupSuffix)
		existing, err := os.ReadFile(path)
		if err == nil {
			if bytes.Equal(existing, data) {
				return &VersionRef{Timestamp: ts, Path: path, Time: now.Truncate(time.Second), Size: int64(len(data)), seq: seq}, nil
			}
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", types.ErrIO, err)
		}
		if err := writeAtomic(path, data, 0o644); err != nil {
			return nil, err
		}
		m.logger.Debug("rule file snapshot", "file", file, "snapshot", path)
		return &VersionRef{Timestamp: ts, Path: path, Time: now.Truncate(time.Second), Size: int64(len(data)), seq: seq}, nil
	}
}

// ListVersions returns the snapshots of file, newest first.
func (m *Manager) ListVersions(file string) ([]VersionRef, error) {
	dir := m.dirFor(file)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []VersionRef{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	prefix := filepath.Base(file) + "."
	out := []VersionRef{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), backupSuffix)
		t, seq, ok := parseStamp(ts)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // Removed while listing
		}
		out = append(out, VersionRef{Timestamp: ts, Path: filepath.Join(dir, name), Time: t, Size: info.Size(), seq: seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].seq > out[j].seq
	})
	return out, nil
}

func parseStamp(ts string) (time.Time, int, bool) {
	if len(ts) < len(timestampLayout) {
		return time.Time{}, 0, false
	}
	t, err := time.Parse(timestampLayout, ts[:len(timestampLayout)])
	if err != nil {
		return time.Time{}, 0, false
	}
	rest := ts[len(timestampLayout):]
	if rest == "" {
		return t, 1, true
	}
	if rest[0] != '_' {
		return time.Time{}, 0, false
	}
	seq, err := strconv.Atoi(rest[1:])
	if err != nil || seq < 2 {
		return time.Time{}, 0, false
	}
	return t, seq, true
}

// Rollback replaces file with the snapshot named by timestamp. The current
// content is snapshotted first. With a catalog attached the restored file is
// re-imported.
func (m *Manager) Rollback(ctx context.Context, file, timestamp, actor string) (*RollbackResult, error) {
	versions, err := m.ListVersions(file)
	if err != nil {
		return nil, err
	}
	var target *VersionRef
	for i := range versions {
		if versions[i].Timestamp == timestamp {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s at %s", types.ErrVersionNotFound, file, timestamp)
	}

	data, err := os.ReadFile(target.Path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	rf, err := catalog.ParseRuleFile(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", target.Timestamp, err)
	}
	rf.Path = file

	res := &RollbackResult{Restored: *target}
	mode := os.FileMode(0o644)
	current, err := os.ReadFile(file)
	switch {
	case err == nil:
		if info, err := os.Stat(file); err == nil {
			mode = info.Mode().Perm()
		}
		snap, err := m.snapshot(file, current)
		if err != nil {
			return nil, err
		}
		res.Snapshot = snap
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	if err := writeAtomic(file, data, mode); err != nil {
		return nil, err
	}

	details := map[string]any{"version": target.Timestamp}
	if res.Snapshot != nil {
		details["snapshot"] = res.Snapshot.Path
	}
	if err := m.journal.append(m.entry(file, types.AuditRollback, actor, details)); err != nil {
		return res, err
	}
	m.logger.Info("rule file rolled back", "file", file, "version", target.Timestamp, "actor", actor)

	if m.catalog != nil {
		imp, err := m.catalog.Import(ctx, rf, actor)
		if err != nil {
			return res, fmt.Errorf("re-import %s: %w", file, err)
		}
		res.Import = imp
	}
	return res, nil
}
