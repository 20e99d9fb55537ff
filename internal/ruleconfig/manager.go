// internal/ruleconfig/manager.go

// Package ruleconfig is the operator-facing layer over rule source files:
// enable and disable rules in place, keep timestamped snapshots of the file,
// roll back to a snapshot, and journal every change as JSON Lines.
//
// Each change runs snapshot, file edit (atomic rename), catalog toggle,
// journal append. A catalog failure restores the file from the snapshot so
// file and catalog do not diverge.
package ruleconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/solatis/ptufix/internal/catalog"
	"github.com/solatis/ptufix/internal/types"
)

// Catalog is the rule store as seen by the manager.
type Catalog interface {
	// Toggle returns nil, nil when the rule is not stored.
	Toggle(ctx context.Context, id string, active bool, actor, reason string) (*types.Rule, error)
	Import(ctx context.Context, rf *catalog.RuleFile, actor string) (*catalog.ImportResult, error)
	All(ctx context.Context) ([]types.Rule, error)
}

// RuleStatus is the state of a rule in a rule file.
type RuleStatus string

// Rule states reported by Status.
const (
	StatusEnabled  RuleStatus = "enabled"
	StatusDisabled RuleStatus = "disabled"
	StatusMissing  RuleStatus = "missing"
)

// RuleRef names a rule for listings.
type RuleRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
	File     string `json:"file,omitempty"`
}

// Change describes the effect of Enable or Disable.
type Change struct {
	RuleID   string `json:"rule_id"`
	File     string `json:"file"`
	Active   bool   `json:"active"`
	Changed  bool   `json:"changed"`            // false when the rule was already in that state
	Snapshot string `json:"snapshot,omitempty"` // backup taken before the edit
	InStore  bool   `json:"in_store"`
}

// Options configures a Manager.
type Options struct {
	// JournalPath is the JSON Lines audit file. Required.
	JournalPath string
	// BackupDir holds snapshots; empty keeps them beside the rule file.
	BackupDir string
	// Catalog, when set, receives toggles and rollback re-imports.
	Catalog Catalog
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager edits rule files and journals the edits.
type Manager struct {
	journal   *journal
	backupDir string
	catalog   Catalog
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.JournalPath == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ruleconfig")
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		journal:   &journal{path: opts.JournalPath, logger: logger},
		backupDir: opts.BackupDir,
		catalog:   opts.Catalog,
		logger:    logger,
		now:       now,
	}, nil
}

// Disable sets active=false on ruleID in file.
func (m *Manager) Disable(ctx context.Context, file, ruleID, actor, reason string) (*Change, error) {
	return m.setActive(ctx, file, ruleID, false, actor, reason)
}

// Enable sets active=true on ruleID in file.
func (m *Manager) Enable(ctx context.Context, file, ruleID, actor string) (*Change, error) {
	return m.setActive(ctx, file, ruleID, true, actor, "")
}

func (m *Manager) setActive(ctx context.Context, file, ruleID string, active bool, actor, reason string) (*Change, error) {
	sf, err := readSource(file)
	if err != nil {
		return nil, err
	}
	node, header, err := sf.find(ruleID)
	if err != nil {
		return nil, err
	}

	change := &Change{RuleID: ruleID, File: file, Active: active}
	if header.active() == active {
		m.logger.Info("rule already in requested state", "rule_id", ruleID, "file", file, "active", active)
		return change, nil
	}

	original, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	snap, err := m.snapshot(file, original)
	if err != nil {
		return nil, err
	}
	change.Snapshot = snap.Path

	setActive(node, active)
	data, err := sf.encode()
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(file, data, sf.mode); err != nil {
		return nil, err
	}
	change.Changed = true

	if m.catalog != nil {
		rule, err := m.catalog.Toggle(ctx, ruleID, active, actor, reason)
		if err != nil {
			if rerr := writeAtomic(file, original, sf.mode); rerr != nil {
				m.logger.Error("rule file restore failed", "file", file, "error", rerr)
			}
			return nil, fmt.Errorf("toggle %s: %w", ruleID, err)
		}
		change.InStore = rule != nil
		if rule == nil {
			m.logger.Warn("rule not in catalog", "rule_id", ruleID, "file", file)
		}
	}

	action := types.AuditEnable
	if !active {
		action = types.AuditDisable
	}
	details := map[string]any{"rule_id": ruleID, "snapshot": snap.Path}
	if reason != "" {
		details["reason"] = reason
	}
	if err := m.journal.append(m.entry(file, action, actor, details)); err != nil {
		return change, err
	}
	m.logger.Info("rule toggled", "rule_id", ruleID, "file", file, "active", active, "actor", actor)
	return change, nil
}

// Status reports whether ruleID is enabled, disabled or missing in file.
func (m *Manager) Status(file, ruleID string) (RuleStatus, error) {
	sf, err := readSource(file)
	if err != nil {
		return "", err
	}
	headers, err := sf.headers()
	if err != nil {
		return "", err
	}
	for _, h := range headers {
		if h.ID != ruleID {
			continue
		}
		if h.active() {
			return StatusEnabled, nil
		}
		return StatusDisabled, nil
	}
	return StatusMissing, nil
}

// ListDisabled returns the disabled rules of file in file order. With an
// empty file the attached catalog is listed instead, in catalog order.
func (m *Manager) ListDisabled(ctx context.Context, file string) ([]RuleRef, error) {
	out := []RuleRef{}
	if file == "" {
		if m.catalog == nil {
			return nil, fmt.Errorf("no rule file and no catalog")
		}
		all, err := m.catalog.All(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range all {
			if !r.Active {
				out = append(out, RuleRef{ID: r.ID, Name: r.Name, Category: string(r.Category)})
			}
		}
		return out, nil
	}

	sf, err := readSource(file)
	if err != nil {
		return nil, err
	}
	headers, err := sf.headers()
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		if !h.active() {
			out = append(out, RuleRef{ID: h.ID, Name: h.Name, Category: h.Category, File: file})
		}
	}
	return out, nil
}

// AuditLog returns journal entries newest first. limit <= 0 returns all.
func (m *Manager) AuditLog(limit int) ([]types.AuditEntry, error) {
	entries, err := m.journal.read()
	if err != nil {
		return nil, err
	}
	out := make([]types.AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, entries[i])
	}
	return out, nil
}

func (m *Manager) entry(file string, action types.AuditAction, actor string, details map[string]any) types.AuditEntry {
	return types.AuditEntry{
		Timestamp: m.now().UTC(),
		File:      file,
		Action:    action,
		Actor:     actor,
		Details:   details,
	}
}
