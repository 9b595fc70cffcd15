// Package resultstore persists completed run verdicts to a local SQLite
// database so past outcomes can be listed and compared across runs.
// Persistence is best-effort: it never alters a verdict, and callers log
// rather than fail on store errors.
package resultstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/storycheck/dbopen"
	"github.com/hazyhaar/storycheck/runner"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    app_name    TEXT NOT NULL,
    started_at  INTEGER NOT NULL,  -- milliseconds since epoch
    exit_code   INTEGER NOT NULL,
    passed      INTEGER NOT NULL,
    failed      INTEGER NOT NULL,
    new_count   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    is_new      INTEGER NOT NULL,
    is_passed   INTEGER NOT NULL,
    mismatches  INTEGER NOT NULL,
    missing     INTEGER NOT NULL,
    steps       INTEGER NOT NULL,
    width       INTEGER NOT NULL,
    height      INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_results_run ON results (run_id);
`

// Run is one persisted run row.
type Run struct {
	ID        string
	AppName   string
	StartedAt time.Time
	ExitCode  int
	Passed    int
	Failed    int
	New       int
}

// Store is the run-history database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("resultstore: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database (tests use dbopen.OpenMemory). It
// applies the schema.
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("resultstore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun writes one run and all its per-story results atomically.
func (s *Store) SaveRun(ctx context.Context, runID, appName string, startedAt time.Time, v *runner.Verdict) error {
	passed, failed, isNew := v.Counts()

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, app_name, started_at, exit_code, passed, failed, new_count)
			 VALUES (?,?,?,?,?,?,?)`,
			runID, appName, startedAt.UnixMilli(), v.ExitCode(), passed, failed, isNew,
		)
		if err != nil {
			return fmt.Errorf("resultstore: insert run: %w", err)
		}
		for _, r := range v.Results {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO results (run_id, name, is_new, is_passed, mismatches, missing, steps, width, height, error)
				 VALUES (?,?,?,?,?,?,?,?,?,?)`,
				runID, r.Name, r.IsNew, r.IsPassed, r.Mismatches, r.Missing, r.Steps,
				r.HostDisplaySize.Width, r.HostDisplaySize.Height, r.Error,
			)
			if err != nil {
				return fmt.Errorf("resultstore: insert result %s: %w", r.Name, err)
			}
		}
		return nil
	})
}

// LatestRuns returns up to limit runs, newest first.
func (s *Store) LatestRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_name, started_at, exit_code, passed, failed, new_count
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("resultstore: latest runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.ID, &r.AppName, &started, &r.ExitCode, &r.Passed, &r.Failed, &r.New); err != nil {
			return nil, fmt.Errorf("resultstore: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunResults returns the per-story results of one run.
func (s *Store) RunResults(ctx context.Context, runID string) ([]runner.TestResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, is_new, is_passed, mismatches, missing, steps, width, height, error
		 FROM results WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("resultstore: run results: %w", err)
	}
	defer rows.Close()

	var results []runner.TestResult
	for rows.Next() {
		var r runner.TestResult
		if err := rows.Scan(&r.Name, &r.IsNew, &r.IsPassed, &r.Mismatches, &r.Missing, &r.Steps,
			&r.HostDisplaySize.Width, &r.HostDisplaySize.Height, &r.Error); err != nil {
			return nil, fmt.Errorf("resultstore: scan result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
