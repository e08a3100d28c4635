package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunRecord is the persisted snapshot of a run. Snapshot holds the
// coordinator's JSON encoding of the full run; Phase and Terminal are
// duplicated into columns for listing and recovery scans.
type RunRecord struct {
	ID        string
	Phase     string
	Terminal  bool
	Snapshot  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveRun inserts or replaces the snapshot of a run. CreatedAt is kept from
// the first save.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("save run: id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, phase, terminal, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			terminal = excluded.terminal,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`,
		rec.ID,
		rec.Phase,
		boolToInt(rec.Terminal),
		string(rec.Snapshot),
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.ID, err)
	}
	return nil
}

// LoadRun returns the snapshot of a run, or ErrNotFound.
func (s *Store) LoadRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phase, terminal, snapshot, created_at, updated_at
		FROM runs
		WHERE id = ?
	`, id)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns every run, newest first.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	return s.queryRuns(ctx, `
		SELECT id, phase, terminal, snapshot, created_at, updated_at
		FROM runs
		ORDER BY created_at DESC, id ASC
	`)
}

// ListActiveRuns returns runs persisted in a non-terminal phase, oldest first.
func (s *Store) ListActiveRuns(ctx context.Context) ([]RunRecord, error) {
	return s.queryRuns(ctx, `
		SELECT id, phase, terminal, snapshot, created_at, updated_at
		FROM runs
		WHERE terminal = 0
		ORDER BY created_at ASC, id ASC
	`)
}

// DeleteRun removes the run snapshot and its approval decision in one
// transaction. Trace events are retained. Returns ErrNotFound if the run
// does not exist.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete approval for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) queryRuns(ctx context.Context, query string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec                  RunRecord
		terminal             int
		snapshot             string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.Phase, &terminal, &snapshot, &createdAt, &updatedAt); err != nil {
		return RunRecord{}, err
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return RunRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return RunRecord{}, err
	}
	rec.Terminal = terminal != 0
	rec.Snapshot = json.RawMessage(snapshot)
	return rec, nil
}
