// Package store provides SQLite persistence for analysis runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MJE43/dystrail-tester/internal/playability"
)

var ErrNotFound = errors.New("run not found")

// Run is a stored analysis without its records.
type Run struct {
	ID         string                `json:"id"`
	Scenario   string                `json:"scenario"`
	Mode       string                `json:"mode"`
	Browser    string                `json:"browser"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt"`
	Total      int                   `json:"total"`
	Failed     int                   `json:"failed"`
	Anomalous  int                   `json:"anomalous"`
	Summary    playability.Summary   `json:"summary"`
	Anomalies  []playability.Anomaly `json:"anomalies"`
}

// RunsPage is a paginated runs response.
type RunsPage struct {
	Runs       []Run `json:"runs"`
	TotalCount int   `json:"totalCount"`
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
}

// ListQuery filters ListRuns.
type ListQuery struct {
	Scenario string
	Limit    int
	Offset   int
}

// Store provides SQLite persistence for analysis reports.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	// Foreign keys are per connection, so they go in the DSN to reach every
	// pooled connection.
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dbPath+sep+"_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates the schema.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS analysis_runs (
			id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			mode TEXT NOT NULL,
			browser TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			anomalous INTEGER NOT NULL DEFAULT 0,
			summary_json TEXT NOT NULL,
			anomalies_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_runs_scenario ON analysis_runs(scenario, started_at)`,
		`CREATE TABLE IF NOT EXISTS analysis_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seed INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			metric REAL,
			error TEXT NOT NULL DEFAULT '',
			timed_out BOOLEAN NOT NULL DEFAULT 0,
			artifact_dir TEXT NOT NULL DEFAULT '',
			divergence_json TEXT NOT NULL DEFAULT '[]',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES analysis_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_records_run_seed ON analysis_records(run_id, seed, idx)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReport persists a report and its records in one transaction and
// returns the run ID.
func (s *Store) SaveReport(ctx context.Context, r *playability.Report) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	summaryJSON, err := json.Marshal(r.Summary)
	if err != nil {
		return "", fmt.Errorf("store: marshal summary: %w", err)
	}
	anomalies := r.Anomalies
	if anomalies == nil {
		anomalies = []playability.Anomaly{}
	}
	anomaliesJSON, err := json.Marshal(anomalies)
	if err != nil {
		return "", fmt.Errorf("store: marshal anomalies: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, scenario, mode, browser, started_at, finished_at, total, failed, anomalous, summary_json, anomalies_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Scenario, string(r.Mode), r.Browser, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		r.Summary.Total, r.Summary.Failed, r.Summary.Anomalous, string(summaryJSON), string(anomaliesJSON),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO analysis_records (run_id, seed, idx, outcome, metric, error, timed_out, artifact_dir, divergence_json, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return "", fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range r.Records {
		divergence := rec.Divergence
		if divergence == nil {
			divergence = []string{}
		}
		divJSON, err := json.Marshal(divergence)
		if err != nil {
			return "", fmt.Errorf("store: marshal divergence: %w", err)
		}
		_, err = stmt.ExecContext(ctx, id, rec.Seed, rec.Index, string(rec.Outcome), rec.Metric,
			rec.Error, rec.TimedOut, rec.ArtifactDir, string(divJSON), int64(rec.Duration))
		if err != nil {
			return "", fmt.Errorf("store: insert record seed %d: %w", rec.Seed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

const runColumns = `id, scenario, mode, browser, started_at, finished_at, total, failed, anomalous, summary_json, anomalies_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run           Run
		summaryJSON   string
		anomaliesJSON string
	)
	err := row.Scan(&run.ID, &run.Scenario, &run.Mode, &run.Browser, &run.StartedAt, &run.FinishedAt,
		&run.Total, &run.Failed, &run.Anomalous, &summaryJSON, &anomaliesJSON)
	if err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(summaryJSON), &run.Summary); err != nil {
		return run, fmt.Errorf("decode summary: %w", err)
	}
	if err := json.Unmarshal([]byte(anomaliesJSON), &run.Anomalies); err != nil {
		return run, fmt.Errorf("decode anomalies: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, q ListQuery) (*RunsPage, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	where, args := "", []any{}
	if q.Scenario != "" {
		where = ` WHERE scenario = ?`
		args = append(args, q.Scenario)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_runs`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("store: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs`+where+` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return &RunsPage{Runs: runs, TotalCount: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// GetRecords returns a run's records ordered by seed.
func (s *Store) GetRecords(ctx context.Context, runID string) ([]playability.Record, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM analysis_runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %w: %q", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.seed, r.idx, a.scenario, a.mode, r.outcome, r.metric, r.error, r.timed_out, r.artifact_dir, r.divergence_json, r.duration_ns
		 FROM analysis_records r JOIN analysis_runs a ON a.id = r.run_id
		 WHERE r.run_id = ? ORDER BY r.seed, r.idx`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get records: %w", err)
	}
	defer rows.Close()

	records := []playability.Record{}
	for rows.Next() {
		var (
			rec      playability.Record
			mode     string
			outcome  string
			divJSON  string
			duration int64
		)
		if err := rows.Scan(&rec.Seed, &rec.Index, &rec.Scenario, &mode, &outcome, &rec.Metric,
			&rec.Error, &rec.TimedOut, &rec.ArtifactDir, &divJSON, &duration); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		rec.Mode = playability.Mode(mode)
		rec.Outcome = playability.Outcome(outcome)
		rec.Duration = time.Duration(duration)
		if err := json.Unmarshal([]byte(divJSON), &rec.Divergence); err != nil {
			return nil, fmt.Errorf("store: decode divergence: %w", err)
		}
		if len(rec.Divergence) == 0 {
			rec.Divergence = nil
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteRun removes a run and its records.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: %w: %q", ErrNotFound, id)
	}
	return nil
}
