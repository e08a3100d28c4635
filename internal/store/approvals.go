package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/quill/internal/approval"
)

// ErrDecisionExists is returned when a second decision is saved for a run.
var ErrDecisionExists = errors.New("decision already recorded")

// SaveDecision persists an approval decision. It implements
// approval.Recorder. Decisions are write-once.
func (s *Store) SaveDecision(ctx context.Context, d approval.Decision) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (run_id, approved, comment, resolver, timed_out, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		d.RunID,
		boolToInt(d.Approved),
		d.Comment,
		d.Resolver,
		boolToInt(d.TimedOut),
		d.DecidedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save decision for %s: %w", d.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save decision for %s: rows affected: %w", d.RunID, err)
	}
	if n == 0 {
		return fmt.Errorf("save decision for %s: %w", d.RunID, ErrDecisionExists)
	}
	return nil
}

// LoadDecision returns the decision recorded for a run, or ErrNotFound.
func (s *Store) LoadDecision(ctx context.Context, runID string) (approval.Decision, error) {
	var (
		d                  approval.Decision
		approved, timedOut int
		decidedAt          string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, approved, comment, resolver, timed_out, decided_at
		FROM approvals
		WHERE run_id = ?
	`, runID).Scan(&d.RunID, &approved, &d.Comment, &d.Resolver, &timedOut, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Decision{}, fmt.Errorf("decision for %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return approval.Decision{}, fmt.Errorf("load decision for %s: %w", runID, err)
	}

	d.Approved = approved != 0
	d.TimedOut = timedOut != 0
	if d.DecidedAt, err = parseTime(decidedAt); err != nil {
		return approval.Decision{}, err
	}
	return d, nil
}
