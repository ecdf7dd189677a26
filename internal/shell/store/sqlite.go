package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/stagehand/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface
// =============================================================================

// executor abstracts the query methods shared by a database and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the database at dsn, creating its directory when
// needed, and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, newStoreError("NewSQLiteStore", "", err.Error(), ErrConnectionFailed)
		}
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, newStoreError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, newStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, newStoreError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID         string  `db:"id"`
	Action     string  `db:"action"`
	Project    string  `db:"project"`
	Host       string  `db:"host"`
	Branch     string  `db:"branch"`
	Revision   string  `db:"revision"`
	Strategy   string  `db:"strategy"`
	Stage      string  `db:"stage"`
	Kind       string  `db:"kind"`
	Succeeded  bool    `db:"succeeded"`
	Error      string  `db:"error"`
	Warnings   *string `db:"warnings"`
	StartedAt  string  `db:"started_at"`
	FinishedAt string  `db:"finished_at"`
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	return recordRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) ListRunsByProject(ctx context.Context, project string, opts ListOptions) ([]Run, error) {
	return listRunsByProject(ctx, s.db, project, opts)
}

func recordRun(ctx context.Context, exec executor, run *Run) error {
	var warnings *string
	if len(run.Warnings) > 0 {
		data, err := json.Marshal(run.Warnings)
		if err != nil {
			return newStoreError("RecordRun", run.ID, "failed to serialize warnings", ErrInvalidData)
		}
		s := string(data)
		warnings = &s
	}

	query := `
		INSERT INTO runs (
			id, action, project, host, branch, revision, strategy, stage, kind,
			succeeded, error, warnings, started_at, finished_at
		) VALUES (
			:id, :action, :project, :host, :branch, :revision, :strategy, :stage, :kind,
			:succeeded, :error, :warnings, :started_at, :finished_at
		)
	`

	_, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":          run.ID,
		"action":      string(run.Action),
		"project":     run.Project,
		"host":        run.Host,
		"branch":      run.Branch,
		"revision":    run.Revision,
		"strategy":    string(run.Strategy),
		"stage":       string(run.Stage),
		"kind":        run.Kind,
		"succeeded":   run.Succeeded,
		"error":       run.Error,
		"warnings":    warnings,
		"started_at":  run.StartedAt.UTC().Format(time.RFC3339),
		"finished_at": run.FinishedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return newStoreError("RecordRun", run.ID, "run already recorded", ErrDuplicateID)
		}
		return newStoreError("RecordRun", run.ID, err.Error(), err)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newStoreError("GetRun", id, "run not found", ErrNotFound)
		}
		return nil, newStoreError("GetRun", id, err.Error(), err)
	}

	return rowToRun(&row)
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, newStoreError("ListRuns", "", err.Error(), err)
	}
	return rowsToRuns(rows)
}

func listRunsByProject(ctx context.Context, exec executor, project string, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs WHERE project = ? ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, project, opts.Limit, opts.Offset); err != nil {
		return nil, newStoreError("ListRunsByProject", "", err.Error(), err)
	}
	return rowsToRuns(rows)
}

func rowsToRuns(rows []runRow) ([]Run, error) {
	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(&row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

func rowToRun(row *runRow) (*Run, error) {
	run := &Run{
		ID:        row.ID,
		Action:    domain.Action(row.Action),
		Project:   row.Project,
		Host:      row.Host,
		Branch:    row.Branch,
		Revision:  row.Revision,
		Strategy:  domain.Strategy(row.Strategy),
		Stage:     domain.Stage(row.Stage),
		Kind:      row.Kind,
		Succeeded: row.Succeeded,
		Error:     row.Error,
	}

	if row.Warnings != nil && *row.Warnings != "" {
		if err := json.Unmarshal([]byte(*row.Warnings), &run.Warnings); err != nil {
			return nil, newStoreError("rowToRun", row.ID, "failed to parse warnings", ErrInvalidData)
		}
	}

	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339, row.StartedAt); err != nil {
		return nil, newStoreError("rowToRun", row.ID, "invalid started_at", ErrInvalidData)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339, row.FinishedAt); err != nil {
		return nil, newStoreError("rowToRun", row.ID, "invalid finished_at", ErrInvalidData)
	}
	return run, nil
}
