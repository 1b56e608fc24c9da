// Package resultstore indexes per-CUT pipeline outcomes across runs in SQLite.
package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

// ErrNotFound is returned when no result exists for a CUT
var ErrNotFound = errors.New("result not found")

// Record is the stored outcome of one CUT
type Record struct {
	CUTID           string           `json:"cut_id"`
	Module          string           `json:"module"`
	Status          domain.RunStatus `json:"status"`
	ElapsedSeconds  float64          `json:"elapsed_seconds"`
	ErrorCode       string           `json:"error_code,omitempty"`
	MutationScore   *float64         `json:"mutation_score,omitempty"`
	CoveragePercent *float64         `json:"coverage_percent,omitempty"`
	Tests           int              `json:"tests"`
	Skipped         int              `json:"skipped"`
	Archived        int              `json:"archived"`
	Error           string           `json:"error,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
}

// Batch is one recorded batch run
type Batch struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CutsCompleted int        `json:"cuts_completed"`
	CutsFailed    int        `json:"cuts_failed"`
}

// Store provides SQLite-backed result persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertResult inserts or replaces the result for a CUT
func (s *Store) UpsertResult(ctx context.Context, r *Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (cut_id, module, status, elapsed_seconds, error_code, mutation_score, coverage_percent, tests, skipped, archived, error, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cut_id) DO UPDATE SET
			module = excluded.module,
			status = excluded.status,
			elapsed_seconds = excluded.elapsed_seconds,
			error_code = excluded.error_code,
			mutation_score = excluded.mutation_score,
			coverage_percent = excluded.coverage_percent,
			tests = excluded.tests,
			skipped = excluded.skipped,
			archived = excluded.archived,
			error = excluded.error,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`,
		r.CUTID,
		r.Module,
		string(r.Status),
		r.ElapsedSeconds,
		r.ErrorCode,
		nullFloat(r.MutationScore),
		nullFloat(r.CoveragePercent),
		r.Tests,
		r.Skipped,
		r.Archived,
		r.Error,
		r.UpdatedAt,
		nullTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert result %s: %w", r.CUTID, err)
	}
	return nil
}

const resultColumns = `cut_id, module, status, elapsed_seconds, error_code, mutation_score, coverage_percent, tests, skipped, archived, error, updated_at, finished_at`

// GetResult retrieves the result for a CUT
func (s *Store) GetResult(ctx context.Context, cutID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE cut_id = ?`, cutID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListOptions specifies filters for listing results
type ListOptions struct {
	Module string
	Status domain.RunStatus
}

// ListResults returns results matching the given options
func (s *Store) ListResults(ctx context.Context, opts ListOptions) ([]*Record, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE 1=1`
	var args []any

	if opts.Module != "" {
		query += " AND module = ?"
		args = append(args, opts.Module)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY cut_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// FinishedIDs returns the set of CUT ids whose evaluation was recorded
func (s *Store) FinishedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cut_id FROM results WHERE finished_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	finished := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		finished[id] = true
	}
	return finished, rows.Err()
}

// StartBatch records the start of a batch run and returns its id
func (s *Store) StartBatch(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO batches (name, started_at) VALUES (?, ?)`, name, time.Now())
	if err != nil {
		return 0, fmt.Errorf("start batch: %w", err)
	}
	return res.LastInsertId()
}

// FinishBatch records the end of a batch run
func (s *Store) FinishBatch(ctx context.Context, id int64, completed, failed int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET finished_at = ?, cuts_completed = ?, cuts_failed = ? WHERE id = ?`,
		time.Now(), completed, failed, id)
	return err
}

// ListBatches returns the most recent batches first
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, started_at, finished_at, cuts_completed, cuts_failed FROM batches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var b Batch
		var finished sql.NullTime
		if err := rows.Scan(&b.ID, &b.Name, &b.StartedAt, &finished, &b.CutsCompleted, &b.CutsFailed); err != nil {
			return nil, err
		}
		if finished.Valid {
			b.FinishedAt = &finished.Time
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var status string
	var score, coverage sql.NullFloat64
	var finished sql.NullTime

	err := row.Scan(&r.CUTID, &r.Module, &status, &r.ElapsedSeconds, &r.ErrorCode, &score, &coverage,
		&r.Tests, &r.Skipped, &r.Archived, &r.Error, &r.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}

	r.Status = domain.RunStatus(status)
	if score.Valid {
		r.MutationScore = &score.Float64
	}
	if coverage.Valid {
		r.CoveragePercent = &coverage.Float64
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
