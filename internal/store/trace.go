package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/quill/internal/trace"
)

// Append writes one trace event. It implements trace.Sink.
//
// Uses ON CONFLICT(run_id, seq) DO NOTHING; a conflicting row is accepted
// only when its hash matches, so replays of the same write are idempotent
// and rewrites of history fail.
func (s *Store) Append(ctx context.Context, ev trace.Event) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_events
		(run_id, seq, ts, component, action, input, output, success, partially_masked, step, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`,
		ev.RunID,
		ev.Seq,
		ev.Timestamp.UTC().Format(timeLayout),
		string(ev.Component),
		ev.Action,
		string(ev.Input),
		string(ev.Output),
		boolToInt(ev.Success),
		boolToInt(ev.PartiallyMasked),
		ev.Step,
		ev.PrevHash,
		ev.Hash,
	)
	if err != nil {
		return fmt.Errorf("append trace event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append trace event: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT hash FROM trace_events WHERE run_id = ? AND seq = ?`,
		ev.RunID, ev.Seq,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("append trace event: read conflicting row: %w", err)
	}
	if existing != ev.Hash {
		return fmt.Errorf("append trace event: %s/%d already recorded with a different hash", ev.RunID, ev.Seq)
	}
	return nil
}

// Last returns the highest-seq event of a run. It implements trace.Sink.
func (s *Store) Last(ctx context.Context, runID string) (trace.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, seq, ts, component, action, input, output, success, partially_masked, step, prev_hash, hash
		FROM trace_events
		WHERE run_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, runID)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trace.Event{}, false, nil
	}
	if err != nil {
		return trace.Event{}, false, fmt.Errorf("read last event: %w", err)
	}
	return ev, true, nil
}

// ReadTrace returns every event of a run ordered by seq.
// Returns an empty slice (not nil) when the run has no events.
func (s *Store) ReadTrace(ctx context.Context, runID string) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, ts, component, action, input, output, success, partially_masked, step, prev_hash, hash
		FROM trace_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	events := []trace.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	return events, nil
}

// ReadEvent returns a single event by run and sequence number.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadEvent(ctx context.Context, runID string, seq int64) (trace.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, seq, ts, component, action, input, output, success, partially_masked, step, prev_hash, hash
		FROM trace_events
		WHERE run_id = ? AND seq = ?
	`, runID, seq)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trace.Event{}, fmt.Errorf("event %s/%d: %w", runID, seq, ErrNotFound)
	}
	if err != nil {
		return trace.Event{}, fmt.Errorf("read event: %w", err)
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (trace.Event, error) {
	var (
		ev              trace.Event
		ts              string
		component       string
		input, output   string
		success, masked int
	)
	err := row.Scan(
		&ev.RunID,
		&ev.Seq,
		&ts,
		&component,
		&ev.Action,
		&input,
		&output,
		&success,
		&masked,
		&ev.Step,
		&ev.PrevHash,
		&ev.Hash,
	)
	if err != nil {
		return trace.Event{}, err
	}

	ev.Timestamp, err = parseTime(ts)
	if err != nil {
		return trace.Event{}, err
	}
	ev.Component = trace.Component(component)
	ev.Input = json.RawMessage(input)
	ev.Output = json.RawMessage(output)
	ev.Success = success != 0
	ev.PartiallyMasked = masked != 0
	return ev, nil
}
