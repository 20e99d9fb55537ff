package db

import (
	"bufio"
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	embeddedmigrations "github.com/solatis/ptufix/migrations"
)

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

// MigrateUp runs all pending migrations against the database.
// Detects driver type, selects appropriate embedded migrations,
// validates checksums, and applies pending migrations in order.
// Returns the IDs of the migrations applied by this call.
func MigrateUp(ctx context.Context, db *sqlx.DB) ([]string, error) {
	migrations, err := loadMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	// SHA256 hash detects modification of already-applied migrations
	if err := validateChecksums(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("migration checksum validation failed: %w", err)
	}

	applied, err := getAppliedMigrations(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	var done []string
	for _, m := range migrations {
		if _, ok := applied[m.ID]; ok {
			continue
		}

		start := time.Now()
		// Statements and the bookkeeping row commit together or not at all
		err := WithTx(ctx, db, func(tx *sqlx.Tx) error {
			if err := applyMigration(ctx, tx, m); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", m.ID, err)
			}
			if err := recordMigration(ctx, tx, m.ID, m.Checksum, time.Since(start)); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.ID, err)
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		done = append(done, m.ID)
	}

	return done, nil
}

// MigrateStatus returns the status of all migrations (applied and pending).
func MigrateStatus(ctx context.Context, db *sqlx.DB) ([]MigrationStatus, error) {
	migrations, err := loadMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID          string `db:"migration_id"`
		Checksum    string `db:"checksum"`
		AppliedAt   string `db:"applied_at"`
		ExecutionMs int64  `db:"execution_ms"`
	}
	if err := db.SelectContext(ctx, &rows,
		"SELECT migration_id, checksum, applied_at, execution_ms FROM migrations"); err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[string]MigrationStatus, len(rows))
	for _, r := range rows {
		status := MigrationStatus{ID: r.ID, Checksum: r.Checksum, Applied: true, ExecutionMs: r.ExecutionMs}
		if at, err := ParseTime(r.AppliedAt); err == nil && !at.IsZero() {
			status.AppliedAt = &at
		}
		applied[r.ID] = status
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		if s, ok := applied[m.ID]; ok {
			statuses = append(statuses, s)
			continue
		}
		statuses = append(statuses, MigrationStatus{ID: m.ID, Checksum: m.Checksum})
	}
	return statuses, nil
}

// loadMigrations ensures the tracking table exists and returns the embedded
// migrations for the connection's dialect.
func loadMigrations(ctx context.Context, db *sqlx.DB) ([]migration, error) {
	var (
		migrationsFS  embed.FS
		migrationsDir string
	)
	switch db.DriverName() {
	case DriverSQLite:
		migrationsFS, migrationsDir = embeddedmigrations.SqliteMigrations, "sqlite"
	case DriverPostgres:
		migrationsFS, migrationsDir = embeddedmigrations.PostgresMigrations, "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", db.DriverName())
	}

	if err := createMigrationsTable(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := parseMigrationFiles(migrationsFS, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to parse migrations: %w", err)
	}
	return migrations, nil
}

// migration represents a parsed migration file
type migration struct {
	ID         string
	Checksum   string
	Statements []string
}

// parseMigrationFiles extracts ordered list of migrations from embed.FS
func parseMigrationFiles(fsys embed.FS, dir string) ([]migration, error) {
	var migrations []migration

	err := fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := fsys.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		migrations = append(migrations, migration{
			ID:         filepath.Base(path),
			Checksum:   fmt.Sprintf("%x", sha256.Sum256(content)),
			Statements: splitStatements(string(content)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Sort by filename for deterministic ordering
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].ID < migrations[j].ID
	})
	return migrations, nil
}

// splitStatements drops full-line "--" comments and splits on semicolons.
// lib/pq doesn't support multiple statements in a single Exec.
// Migration files must not put semicolons inside string literals.
func splitStatements(src string) []string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// createMigrationsTable ensures migrations tracking table exists.
// applied_at uses the shared TEXT timestamp layout in both dialects.
func createMigrationsTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			execution_ms INTEGER NOT NULL
		)
	`)
	return err
}

// getAppliedMigrations returns a set of applied migration IDs
func getAppliedMigrations(ctx context.Context, db *sqlx.DB) (map[string]struct{}, error) {
	var ids []string
	if err := db.SelectContext(ctx, &ids, "SELECT migration_id FROM migrations"); err != nil {
		return nil, err
	}
	applied := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		applied[id] = struct{}{}
	}
	return applied, nil
}

// validateChecksums verifies all applied migrations match embedded checksums
func validateChecksums(ctx context.Context, db *sqlx.DB, migrations []migration) error {
	var rows []struct {
		ID       string `db:"migration_id"`
		Checksum string `db:"checksum"`
	}
	if err := db.SelectContext(ctx, &rows, "SELECT migration_id, checksum FROM migrations"); err != nil {
		return err
	}

	expected := make(map[string]string, len(migrations))
	for _, m := range migrations {
		expected[m.ID] = m.Checksum
	}

	for _, r := range rows {
		want, ok := expected[r.ID]
		if !ok {
			return fmt.Errorf("migration %s exists in database but not in embedded files", r.ID)
		}
		if r.Checksum != want {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s", r.ID, want, r.Checksum)
		}
	}
	return nil
}

// applyMigration executes a single migration's statements within a transaction
func applyMigration(ctx context.Context, tx *sqlx.Tx, m migration) error {
	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	return nil
}

// recordMigration stores migration metadata for audit trail within a transaction
func recordMigration(ctx context.Context, tx *sqlx.Tx, id, checksum string, duration time.Duration) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		"INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)"),
		id, checksum, FormatTime(time.Now()), duration.Milliseconds(),
	)
	return err
}
