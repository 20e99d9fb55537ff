// internal/batch/runs.go
package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/ptufix/internal/core/db"
	"github.com/solatis/ptufix/internal/types"
)

// RunStore persists runs and per-file outcomes. It shares the catalog
// database, so storage failures wrap types.ErrCatalog and halt a batch.
type RunStore struct {
	db      *sqlx.DB
	queries *db.Queries
}

// NewRunStore creates a run store over an open, migrated database.
func NewRunStore(database *sqlx.DB, queries *db.Queries) (*RunStore, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if queries == nil {
		return nil, fmt.Errorf("queries cannot be nil")
	}
	return &RunStore{db: database, queries: queries}, nil
}

// Start inserts a RUNNING run and returns its id.
func (s *RunStore) Start(ctx context.Context, opType, actor string, total int) (int64, error) {
	var id int64
	err := s.queries.Get(ctx, s.db, "insert-run", &id,
		db.FormatTime(time.Now()), string(types.RunRunning), opType, total, nullString(actor))
	if err != nil {
		return 0, fmt.Errorf("%w: start run: %v", types.ErrCatalog, err)
	}
	return id, nil
}

// Finish stamps the end time, final status and counters of a run.
func (s *RunStore) Finish(ctx context.Context, runID int64, status types.RunStatus, total, success, errs int) error {
	_, err := s.queries.Exec(ctx, s.db, "finish-run",
		db.FormatTime(time.Now()), string(status), total, success, errs, runID)
	if err != nil {
		return fmt.Errorf("%w: finish run %d: %v", types.ErrCatalog, runID, err)
	}
	return nil
}

// RecordOutcome stores one file outcome.
func (s *RunStore) RecordOutcome(ctx context.Context, o types.FileOutcome) error {
	if o.ID == "" {
		o.ID = types.NewRecordID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.queries.Exec(ctx, s.db, "insert-file-outcome",
		o.ID, o.RunID, o.Path, nullString(o.ContentHash), string(o.Status), o.Mutated,
		nullString(o.Message), db.FormatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("%w: record outcome %s: %v", types.ErrCatalog, o.Path, err)
	}
	return nil
}

// Processed reports whether a document with this content hash was already
// processed successfully in any run.
func (s *RunStore) Processed(ctx context.Context, contentHash string) (bool, error) {
	var n int
	if err := s.queries.Get(ctx, s.db, "count-processed-hash", &n, contentHash); err != nil {
		return false, fmt.Errorf("%w: lookup content hash: %v", types.ErrCatalog, err)
	}
	return n > 0, nil
}

// Get returns a run, or nil when it does not exist.
func (s *RunStore) Get(ctx context.Context, runID int64) (*types.Run, error) {
	var row runRow
	err := s.queries.Get(ctx, s.db, "get-run", &row, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get run %d: %v", types.ErrCatalog, runID, err)
	}
	return row.toRun()
}

// List returns the most recent runs, newest first.
func (s *RunStore) List(ctx context.Context, limit int) ([]types.Run, error) {
	var rows []runRow
	if err := s.queries.Select(ctx, s.db, "list-runs", &rows, limit); err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", types.ErrCatalog, err)
	}
	out := make([]types.Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, nil
}

// Outcomes returns the file outcomes of a run in record order.
func (s *RunStore) Outcomes(ctx context.Context, runID int64) ([]types.FileOutcome, error) {
	var rows []outcomeRow
	if err := s.queries.Select(ctx, s.db, "list-file-outcomes", &rows, runID); err != nil {
		return nil, fmt.Errorf("%w: list outcomes %d: %v", types.ErrCatalog, runID, err)
	}
	out := make([]types.FileOutcome, 0, len(rows))
	for _, r := range rows {
		created, err := db.ParseTime(r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: outcome %s: %v", types.ErrCatalog, r.ID, err)
		}
		out = append(out, types.FileOutcome{
			ID:          r.ID,
			RunID:       r.RunID,
			Path:        r.Path,
			ContentHash: r.ContentHash.String,
			Status:      types.OutcomeStatus(r.Status),
			Mutated:     r.Mutated,
			Message:     r.Message.String,
			CreatedAt:   created,
		})
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type runRow struct {
	ID        int64          `db:"id"`
	StartedAt string         `db:"started_at"`
	EndedAt   sql.NullString `db:"ended_at"`
	Status    string         `db:"status"`
	OpType    string         `db:"op_type"`
	Total     int            `db:"total"`
	Success   int            `db:"success"`
	Errors    int            `db:"errors"`
	ActorID   sql.NullString `db:"actor_id"`
}

func (r runRow) toRun() (*types.Run, error) {
	started, err := db.ParseTime(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: run %d: %v", types.ErrCatalog, r.ID, err)
	}
	run := &types.Run{
		ID:           r.ID,
		StartedAt:    started,
		Status:       types.RunStatus(r.Status),
		OpType:       r.OpType,
		Total:        r.Total,
		SuccessCount: r.Success,
		ErrorCount:   r.Errors,
		ActorID:      r.ActorID.String,
	}
	if r.EndedAt.Valid {
		ended, err := db.ParseTime(r.EndedAt.String)
		if err != nil {
			return nil, fmt.Errorf("%w: run %d: %v", types.ErrCatalog, r.ID, err)
		}
		run.EndedAt = &ended
	}
	return run, nil
}

type outcomeRow struct {
	ID          string         `db:"id"`
	RunID       int64          `db:"run_id"`
	Path        string         `db:"path"`
	ContentHash sql.NullString `db:"content_hash"`
	Status      string         `db:"status"`
	Mutated     bool           `db:"mutated"`
	Message     sql.NullString `db:"message"`
	CreatedAt   string         `db:"created_at"`
}
