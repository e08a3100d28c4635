package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sink persists events. Append is called with strictly increasing seq per
// run; Last returns the highest-seq event of a run so a restarted tracer
// can continue the sequence and the hash chain.
type Sink interface {
	Append(ctx context.Context, ev Event) error
	Last(ctx context.Context, runID string) (Event, bool, error)
}

// Observer receives a callback per recorded event. Used for metrics.
type Observer interface {
	EventRecorded(ev Event)
}

// Tracer assigns sequence numbers, masks payloads, chains hashes and hands
// events to the Sink.
//
// Thread-safety: Record may be called from any goroutine. Calls for the same
// run are serialised, so seq reflects the order in which callers reached
// Record. Calls for different runs do not block each other.
type Tracer struct {
	sink     Sink
	masker   *Masker
	now      func() time.Time
	observer Observer

	mu   sync.Mutex
	runs map[string]*runClock
}

// runClock is the per-run logical clock: last committed seq and hash.
type runClock struct {
	mu       sync.Mutex
	loaded   bool
	seq      int64
	lastHash string
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithMasker overrides the default masker.
func WithMasker(m *Masker) Option {
	return func(t *Tracer) { t.masker = m }
}

// WithClock overrides the wall clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// WithObserver registers an observer notified after each append.
func WithObserver(o Observer) Option {
	return func(t *Tracer) { t.observer = o }
}

// New creates a Tracer writing to sink.
func New(sink Sink, opts ...Option) *Tracer {
	t := &Tracer{
		sink:   sink,
		masker: DefaultMasker(),
		now:    time.Now,
		runs:   make(map[string]*runClock),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Masker returns the masker applied to payloads.
func (t *Tracer) Masker() *Masker { return t.masker }

// Record masks, sequences, chains and appends one event.
//
// The sequence number is only consumed when the Sink accepts the event, so
// a failed append leaves no gap.
func (t *Tracer) Record(ctx context.Context, e Entry) (Event, error) {
	if e.RunID == "" {
		return Event{}, fmt.Errorf("record %s: run id is required", e.Action)
	}

	rc := t.clockFor(e.RunID)
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.loaded {
		last, ok, err := t.sink.Last(ctx, e.RunID)
		if err != nil {
			return Event{}, fmt.Errorf("load trace position for %s: %w", e.RunID, err)
		}
		if ok {
			rc.seq = last.Seq
			rc.lastHash = last.Hash
		}
		rc.loaded = true
	}

	input, inPartial, err := t.masker.MaskPayload(e.Input)
	if err != nil {
		slog.Warn("trace input masked partially", "run_id", e.RunID, "action", e.Action, "error", err)
	}
	output, outPartial, err := t.masker.MaskPayload(e.Output)
	if err != nil {
		slog.Warn("trace output masked partially", "run_id", e.RunID, "action", e.Action, "error", err)
	}

	ev := Event{
		RunID:           e.RunID,
		Seq:             rc.seq + 1,
		Timestamp:       t.now().UTC(),
		Component:       e.Component,
		Action:          e.Action,
		Input:           input,
		Output:          output,
		Success:         e.Success,
		PartiallyMasked: inPartial || outPartial,
		Step:            e.Step,
		PrevHash:        rc.lastHash,
	}
	ev.Hash, err = ComputeHash(ev)
	if err != nil {
		return Event{}, err
	}

	if err := t.sink.Append(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("append trace event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	rc.seq = ev.Seq
	rc.lastHash = ev.Hash

	slog.Debug("traced",
		"run_id", ev.RunID,
		"seq", ev.Seq,
		"component", ev.Component,
		"action", ev.Action,
		"step", ev.Step,
		"success", ev.Success,
	)
	if t.observer != nil {
		t.observer.EventRecorded(ev)
	}
	return ev, nil
}

// Forget drops the in-memory clock of a finished run. A later Record for the
// same run reloads its position from the Sink.
func (t *Tracer) Forget(runID string) {
	t.mu.Lock()
	delete(t.runs, runID)
	t.mu.Unlock()
}

func (t *Tracer) clockFor(runID string) *runClock {
	t.mu.Lock()
	defer t.mu.Unlock()
	rc, ok := t.runs[runID]
	if !ok {
		rc = &runClock{}
		t.runs[runID] = rc
	}
	return rc
}
