// internal/catalog/store.go
package catalog

/*
 * Rule catalog store.
 *
 * Source of truth for rules and code lists. Every rule write runs in one
 * transaction that stores the pre-image in rule_history and then changes the
 * rule row; a failure leaves neither.
 *
 * Read side:
 *   - ListActive is served from an immutable snapshot, rebuilt on the first
 *     read after any rule write (generation counter, so a read racing a
 *     write never installs a stale snapshot).
 *   - Code sets are memoized per list id and dropped on UpsertList.
 *
 * Write side: writes for one id are serialized by a per-id mutex. No lock is
 * held by readers.
 *
 * Every storage failure is wrapped in types.ErrCatalog so the engine and the
 * batch processor can treat it as fatal.
 */

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/ptufix/internal/core/db"
	"github.com/solatis/ptufix/internal/types"
)

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
	// Validator, when set, runs after types.Rule.Validate on every create and
	// update. The CLI plugs rules.Compile in here.
	Validator func(types.Rule) error
	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Store persists rules, rule history and code lists.
type Store struct {
	db        *sqlx.DB
	queries   *db.Queries
	logger    *slog.Logger
	validator func(types.Rule) error
	now       func() time.Time

	ruleGen atomic.Uint64
	active  atomic.Pointer[activeSnapshot]

	listGen atomic.Uint64
	listsMu sync.RWMutex
	lists   map[string]*types.CodeSet

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type activeSnapshot struct {
	gen   uint64
	rules []types.Rule
}

// NewStore creates a store over an open, migrated database.
func NewStore(database *sqlx.DB, queries *db.Queries, opts Options) (*Store, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if queries == nil {
		return nil, fmt.Errorf("queries cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:        database,
		queries:   queries,
		logger:    logger.With("component", "catalog"),
		validator: opts.Validator,
		now:       now,
		lists:     make(map[string]*types.CodeSet),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// ruleLock returns the write mutex for id, creating it if needed.
// The map grows by one entry per rule id ever written.
func (s *Store) ruleLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if _, ok := s.locks[id]; !ok {
		s.locks[id] = &sync.Mutex{}
	}
	return s.locks[id]
}

func (s *Store) invalidateRules() {
	s.ruleGen.Add(1)
}

// ListActive returns the active rules ordered by (priority, id).
// The returned slice is a copy; its elements share condition and action bytes
// with the snapshot and must not be modified.
func (s *Store) ListActive(ctx context.Context) ([]types.Rule, error) {
	gen := s.ruleGen.Load()
	if snap := s.active.Load(); snap != nil && snap.gen == gen {
		return append([]types.Rule(nil), snap.rules...), nil
	}

	var rows []ruleRow
	if err := s.queries.Select(ctx, s.db, "list-active-rules", &rows, true); err != nil {
		return nil, fmt.Errorf("%w: list active rules: %v", types.ErrCatalog, err)
	}
	rules, err := rowsToRules(rows)
	if err != nil {
		return nil, err
	}

	s.active.Store(&activeSnapshot{gen: gen, rules: rules})
	return append([]types.Rule(nil), rules...), nil
}

// All returns every rule, active or not, ordered by (priority, id).
func (s *Store) All(ctx context.Context) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.queries.Select(ctx, s.db, "list-all-rules", &rows); err != nil {
		return nil, fmt.Errorf("%w: list rules: %v", types.ErrCatalog, err)
	}
	return rowsToRules(rows)
}

// Get returns the rule with id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*types.Rule, error) {
	return s.getRule(ctx, s.db, id)
}

func (s *Store) getRule(ctx context.Context, ext sqlx.ExtContext, id string) (*types.Rule, error) {
	var row ruleRow
	err := s.queries.Get(ctx, ext, "get-rule", &row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get rule %s: %v", types.ErrCatalog, id, err)
	}
	rule, err := row.toRule()
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *Store) validate(r types.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if s.validator != nil {
		return s.validator(r)
	}
	return nil
}

// Create stores a new rule at version 1 and records a CREATE history entry.
// Returns types.ErrAlreadyExists when the id is taken.
func (s *Store) Create(ctx context.Context, rule types.Rule, actor string) (*types.Rule, error) {
	if err := s.validate(rule); err != nil {
		return nil, err
	}

	mu := s.ruleLock(rule.ID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now().UTC()
	rule.Version = 1
	rule.CreatedAt, rule.UpdatedAt = now, now
	rule.CreatedBy, rule.UpdatedBy = actor, actor

	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		existing, err := s.getRule(ctx, tx, rule.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", types.ErrAlreadyExists, rule.ID)
		}
		if err := s.insertHistory(ctx, tx, rule, types.ChangeCreate, actor, ""); err != nil {
			return err
		}
		if _, err := s.queries.Exec(ctx, tx, "insert-rule", insertArgs(rule)...); err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", types.ErrAlreadyExists, rule.ID)
			}
			return fmt.Errorf("%w: insert rule %s: %v", types.ErrCatalog, rule.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateRules()
	s.logger.Info("rule created", "rule_id", rule.ID, "actor", actor)
	return &rule, nil
}

// Update applies fields to the rule, storing its pre-image and bumping the
// version. Returns nil without error when the rule does not exist.
func (s *Store) Update(ctx context.Context, id string, fields types.RuleUpdate, actor, reason string) (*types.Rule, error) {
	mu := s.ruleLock(id)
	mu.Lock()
	defer mu.Unlock()

	var updated *types.Rule
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := s.getRule(ctx, tx, id)
		if err != nil || current == nil {
			return err
		}

		next := *current
		fields.Apply(&next)
		if err := s.validate(next); err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.now().UTC()
		next.UpdatedBy = actor

		if err := s.insertHistory(ctx, tx, *current, types.ChangeUpdate, actor, reason); err != nil {
			return err
		}
		res, err := s.queries.Exec(ctx, tx, "update-rule", updateArgs(next, current.Version)...)
		if err != nil {
			return fmt.Errorf("%w: update rule %s: %v", types.ErrCatalog, id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: update rule %s: version %d changed concurrently", types.ErrCatalog, id, current.Version)
		}
		updated = &next
		return nil
	})
	if err != nil || updated == nil {
		return nil, err
	}

	s.invalidateRules()
	s.logger.Info("rule updated", "rule_id", id, "version", updated.Version, "actor", actor)
	return updated, nil
}

// Toggle sets the rule's active flag through Update.
func (s *Store) Toggle(ctx context.Context, id string, active bool, actor, reason string) (*types.Rule, error) {
	return s.Update(ctx, id, types.RuleUpdate{Active: &active}, actor, reason)
}

// Delete removes the rule after storing its pre-image. Returns the deleted
// rule, or nil without error when it does not exist.
func (s *Store) Delete(ctx context.Context, id, actor, reason string) (*types.Rule, error) {
	mu := s.ruleLock(id)
	mu.Lock()
	defer mu.Unlock()

	var deleted *types.Rule
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		current, err := s.getRule(ctx, tx, id)
		if err != nil || current == nil {
			return err
		}
		if err := s.insertHistory(ctx, tx, *current, types.ChangeDelete, actor, reason); err != nil {
			return err
		}
		if _, err := s.queries.Exec(ctx, tx, "delete-rule", id, current.Version); err != nil {
			return fmt.Errorf("%w: delete rule %s: %v", types.ErrCatalog, id, err)
		}
		deleted = current
		return nil
	})
	if err != nil || deleted == nil {
		return nil, err
	}

	s.invalidateRules()
	s.logger.Info("rule deleted", "rule_id", id, "actor", actor)
	return deleted, nil
}

// History returns the rule's history entries, newest first.
func (s *Store) History(ctx context.Context, id string) ([]types.HistoryEntry, error) {
	var rows []historyRow
	if err := s.queries.Select(ctx, s.db, "list-rule-history", &rows, id); err != nil {
		return nil, fmt.Errorf("%w: rule history %s: %v", types.ErrCatalog, id, err)
	}
	out := make([]types.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		changedAt, err := db.ParseTime(r.ChangedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: history %s: %v", types.ErrCatalog, r.ID, err)
		}
		out = append(out, types.HistoryEntry{
			ID:         r.ID,
			RuleID:     r.RuleID,
			Version:    r.Version,
			PreImage:   json.RawMessage(r.PreImage),
			ChangeType: types.ChangeType(r.ChangeType),
			ChangedAt:  changedAt,
			ChangedBy:  r.ChangedBy,
			Reason:     r.Reason,
		})
	}
	return out, nil
}

func (s *Store) insertHistory(ctx context.Context, tx *sqlx.Tx, image types.Rule, change types.ChangeType, actor, reason string) error {
	pre, err := json.Marshal(image)
	if err != nil {
		return fmt.Errorf("%w: encode pre-image %s: %v", types.ErrCatalog, image.ID, err)
	}
	_, err = s.queries.Exec(ctx, tx, "insert-rule-history",
		types.NewRecordID(), image.ID, image.Version, string(pre), string(change),
		db.FormatTime(s.now()), actor, reason)
	if err != nil {
		return fmt.Errorf("%w: insert history %s: %v", types.ErrCatalog, image.ID, err)
	}
	return nil
}

// CodeSet returns the indexed code list, or nil when it does not exist.
// Found lists are memoized until the next UpsertList.
func (s *Store) CodeSet(ctx context.Context, listID string) (*types.CodeSet, error) {
	gen := s.listGen.Load()
	s.listsMu.RLock()
	set, ok := s.lists[listID]
	s.listsMu.RUnlock()
	if ok {
		return set, nil
	}

	list, err := s.getList(ctx, listID)
	if err != nil || list == nil {
		return nil, err
	}
	set = types.NewCodeSet(list)

	s.listsMu.Lock()
	if s.listGen.Load() == gen {
		s.lists[listID] = set
	}
	s.listsMu.Unlock()
	return set, nil
}

// List returns the codes of a list in stored order, or nil when it does not exist.
func (s *Store) List(ctx context.Context, listID string) ([]string, error) {
	set, err := s.CodeSet(ctx, listID)
	if err != nil || set == nil {
		return nil, err
	}
	return set.List().Codes(), nil
}

// CodeLists returns every stored code list ordered by id.
func (s *Store) CodeLists(ctx context.Context) ([]types.CodeList, error) {
	var rows []codeListRow
	if err := s.queries.Select(ctx, s.db, "list-code-lists", &rows); err != nil {
		return nil, fmt.Errorf("%w: list code lists: %v", types.ErrCatalog, err)
	}
	out := make([]types.CodeList, 0, len(rows))
	for _, r := range rows {
		l, err := r.toList()
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, nil
}

func (s *Store) getList(ctx context.Context, listID string) (*types.CodeList, error) {
	var row codeListRow
	err := s.queries.Get(ctx, s.db, "get-code-list", &row, listID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get code list %s: %v", types.ErrCatalog, listID, err)
	}
	return row.toList()
}

// UpsertList creates or replaces a code list and drops its memoized set.
func (s *Store) UpsertList(ctx context.Context, list types.CodeList, actor string) error {
	if list.ListID == "" {
		return fmt.Errorf("%w: code list id is required", types.ErrInvalidRule)
	}
	values, err := json.Marshal(list.Entries)
	if err != nil {
		return fmt.Errorf("%w: encode code list %s: %v", types.ErrCatalog, list.ListID, err)
	}
	if list.Entries == nil {
		values = []byte("[]")
	}

	_, err = s.queries.Exec(ctx, s.db, "upsert-code-list",
		list.ListID, list.Name, list.Description, string(values), len(list.Entries),
		db.FormatTime(s.now()), actor)
	if err != nil {
		return fmt.Errorf("%w: upsert code list %s: %v", types.ErrCatalog, list.ListID, err)
	}

	s.listsMu.Lock()
	s.listGen.Add(1)
	delete(s.lists, list.ListID)
	s.listsMu.Unlock()

	s.logger.Info("code list stored", "list_id", list.ListID, "count", len(list.Entries), "actor", actor)
	return nil
}

// ruleRow is the storage shape of types.Rule.
type ruleRow struct {
	ID          string `db:"id"`
	Code        string `db:"code"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Group       string `db:"rule_group"`
	Category    string `db:"category"`
	Active      bool   `db:"active"`
	Priority    int    `db:"priority"`
	Condition   string `db:"condition_json"`
	Action      string `db:"action_json"`
	ContextTag  string `db:"context_tag"`
	SuccessLog  string `db:"success_log"`
	ImpactBand  string `db:"impact_band"`
	Accountable bool   `db:"accountable"`
	Version     int    `db:"version"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
	CreatedBy   string `db:"created_by"`
	UpdatedBy   string `db:"updated_by"`
}

func (r ruleRow) toRule() (types.Rule, error) {
	createdAt, err := db.ParseTime(r.CreatedAt)
	if err != nil {
		return types.Rule{}, fmt.Errorf("%w: rule %s: %v", types.ErrCatalog, r.ID, err)
	}
	updatedAt, err := db.ParseTime(r.UpdatedAt)
	if err != nil {
		return types.Rule{}, fmt.Errorf("%w: rule %s: %v", types.ErrCatalog, r.ID, err)
	}
	return types.Rule{
		ID:          r.ID,
		Code:        r.Code,
		Name:        r.Name,
		Description: r.Description,
		Group:       r.Group,
		Category:    types.Category(r.Category),
		Active:      r.Active,
		Priority:    r.Priority,
		Condition:   json.RawMessage(r.Condition),
		Action:      json.RawMessage(r.Action),
		ContextTag:  r.ContextTag,
		SuccessLog:  r.SuccessLog,
		ImpactBand:  types.ImpactBand(r.ImpactBand),
		Accountable: r.Accountable,
		Version:     r.Version,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		CreatedBy:   r.CreatedBy,
		UpdatedBy:   r.UpdatedBy,
	}, nil
}

func rowsToRules(rows []ruleRow) ([]types.Rule, error) {
	out := make([]types.Rule, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func insertArgs(r types.Rule) []any {
	return []any{
		r.ID, r.Code, r.Name, r.Description, r.Group, string(r.Category), r.Active, r.Priority,
		compactJSON(r.Condition), compactJSON(r.Action), r.ContextTag, r.SuccessLog, string(r.ImpactBand),
		r.Accountable, r.Version, db.FormatTime(r.CreatedAt), db.FormatTime(r.UpdatedAt), r.CreatedBy, r.UpdatedBy,
	}
}

func updateArgs(r types.Rule, prevVersion int) []any {
	return []any{
		r.Code, r.Name, r.Description, r.Group, string(r.Category), r.Active,
		r.Priority, compactJSON(r.Condition), compactJSON(r.Action), r.ContextTag, r.SuccessLog,
		string(r.ImpactBand), r.Accountable, r.Version, db.FormatTime(r.UpdatedAt), r.UpdatedBy,
		r.ID, prevVersion,
	}
}

// compactJSON strips insignificant whitespace so stored expressions compare
// byte-for-byte across imports.
func compactJSON(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

type historyRow struct {
	ID         string `db:"id"`
	RuleID     string `db:"rule_id"`
	Version    int    `db:"version"`
	PreImage   string `db:"pre_image_json"`
	ChangeType string `db:"change_type"`
	ChangedAt  string `db:"changed_at"`
	ChangedBy  string `db:"changed_by"`
	Reason     string `db:"reason"`
}

type codeListRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Values      string `db:"values_json"`
	Count       int    `db:"count"`
	UpdatedAt   string `db:"updated_at"`
	UpdatedBy   string `db:"updated_by"`
}

func (r codeListRow) toList() (*types.CodeList, error) {
	var entries []types.CodeEntry
	if err := json.Unmarshal([]byte(r.Values), &entries); err != nil {
		return nil, fmt.Errorf("%w: code list %s: decode values: %v", types.ErrCatalog, r.ID, err)
	}
	updatedAt, err := db.ParseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: code list %s: %v", types.ErrCatalog, r.ID, err)
	}
	return &types.CodeList{
		ListID:      r.ID,
		Name:        r.Name,
		Description: r.Description,
		Entries:     entries,
		UpdatedBy:   r.UpdatedBy,
		UpdatedAt:   updatedAt,
	}, nil
}
