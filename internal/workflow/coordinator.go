package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/trace"
)

// ErrNotActive is returned by Cancel for runs that already terminated.
var ErrNotActive = errors.New("run is not active")

// Recorder writes trace events. *trace.Tracer implements it.
type Recorder interface {
	Record(ctx context.Context, e trace.Entry) (trace.Event, error)
}

// TraceReader reads a run's trace in sequence order. *store.Store and
// *trace.MemorySink implement it.
type TraceReader interface {
	ReadTrace(ctx context.Context, runID string) ([]trace.Event, error)
}

// RunStore persists run snapshots. *store.Store implements it.
type RunStore interface {
	SaveRun(ctx context.Context, rec store.RunRecord) error
	LoadRun(ctx context.Context, id string) (store.RunRecord, error)
	ListRuns(ctx context.Context) ([]store.RunRecord, error)
	ListActiveRuns(ctx context.Context) ([]store.RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
}

// Observer receives run lifecycle callbacks. Used for metrics.
type Observer interface {
	RunStarted()
	PhaseEntered(phase Phase)
	RunFinished(phase Phase, cause ErrorCode, elapsed time.Duration)
}

// Coordinator owns runs and drives each through the phase machine.
//
// Thread-safety: all methods are safe for concurrent use. Each run is driven
// by exactly one goroutine; other methods only read published snapshots.
type Coordinator struct {
	registry *registry.Registry
	recorder Recorder
	gate     *approval.Gate
	opts     Options

	store    RunStore
	reader   TraceReader
	ids      IDGenerator
	now      func() time.Time
	observer Observer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	snapshots map[string]Run
	active    map[string]*execution
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOptions replaces the default workflow options.
func WithOptions(o Options) Option {
	return func(c *Coordinator) { c.opts = o }
}

// WithStore persists run snapshots.
func WithStore(s RunStore) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithTraceReader enables Trace.
func WithTraceReader(r TraceReader) Option {
	return func(c *Coordinator) { c.reader = r }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithClock overrides the wall clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// New creates a Coordinator. The registry carries the guardrail policy.
func New(reg *registry.Registry, rec Recorder, gate *approval.Gate, opts ...Option) (*Coordinator, error) {
	if reg == nil || rec == nil || gate == nil {
		return nil, fmt.Errorf("coordinator needs a registry, a recorder and a gate")
	}
	base, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		registry:  reg,
		recorder:  rec,
		gate:      gate,
		opts:      DefaultOptions(),
		ids:       UUIDv7Generator{},
		now:       time.Now,
		baseCtx:   base,
		stop:      stop,
		snapshots: make(map[string]Run),
		active:    make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.opts.Validate(); err != nil {
		stop()
		return nil, fmt.Errorf("workflow options: %w", err)
	}
	return c, nil
}

// Options returns the active workflow options.
func (c *Coordinator) Options() Options { return c.opts }

// Start creates a run and drives it in the background. It returns the
// initial snapshot.
func (c *Coordinator) Start(ctx context.Context, req Request) (Run, error) {
	r, err := c.create(ctx, req)
	if err != nil {
		return Run{}, err
	}
	execCtx, cancel := context.WithCancel(c.baseCtx)
	exec := c.register(r.run.ID, cancel)
	snapshot := r.run.Clone()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.drive(execCtx, r, exec)
	}()
	return snapshot, nil
}

// Execute creates a run and drives it to a terminal phase on the calling
// goroutine. Cancelling ctx cancels the run.
func (c *Coordinator) Execute(ctx context.Context, req Request) (Run, error) {
	r, err := c.create(ctx, req)
	if err != nil {
		return Run{}, err
	}
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec := c.register(r.run.ID, cancel)
	c.drive(execCtx, r, exec)
	return r.run.Clone(), nil
}

// Wait blocks until runID terminates or ctx is done, then returns its
// snapshot.
func (c *Coordinator) Wait(ctx context.Context, runID string) (Run, error) {
	c.mu.RLock()
	exec, ok := c.active[runID]
	c.mu.RUnlock()
	if ok {
		select {
		case <-exec.done:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
	return c.Get(ctx, runID)
}

// Get returns a snapshot of runID.
func (c *Coordinator) Get(ctx context.Context, runID string) (Run, error) {
	c.mu.RLock()
	snap, ok := c.snapshots[runID]
	c.mu.RUnlock()
	if ok {
		return snap.Clone(), nil
	}
	if c.store == nil {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	rec, err := c.store.LoadRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, err
	}
	return decodeRun(rec)
}

// List returns every known run, newest first.
func (c *Coordinator) List(ctx context.Context) ([]Summary, error) {
	if c.store != nil {
		recs, err := c.store.ListRuns(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Summary, 0, len(recs))
		for _, rec := range recs {
			run, err := decodeRun(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, run.Summarize())
		}
		return out, nil
	}

	c.mu.RLock()
	out := make([]Summary, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, snap.Summarize())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a terminated run's snapshot and approval record. The trace
// is retained.
func (c *Coordinator) Delete(ctx context.Context, runID string) error {
	c.mu.Lock()
	if _, ok := c.active[runID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("delete %s: %w", runID, ErrRunActive)
	}
	_, inMemory := c.snapshots[runID]
	delete(c.snapshots, runID)
	c.mu.Unlock()

	if c.store == nil {
		if !inMemory {
			return fmt.Errorf("delete %s: %w", runID, ErrNotFound)
		}
		return nil
	}
	err := c.store.DeleteRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		if inMemory {
			return nil
		}
		return fmt.Errorf("delete %s: %w", runID, ErrNotFound)
	}
	return err
}

// Cancel requests cancellation of an active run. The run moves to Failed
// with reason "cancelled" at its next suspension point.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.RLock()
	exec, ok := c.active[runID]
	c.mu.RUnlock()
	if ok {
		exec.cancel()
		return nil
	}
	if _, err := c.Get(ctx, runID); err != nil {
		return err
	}
	return fmt.Errorf("cancel %s: %w", runID, ErrNotActive)
}

// Trace returns the run's trace in sequence order.
func (c *Coordinator) Trace(ctx context.Context, runID string) ([]trace.Event, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("trace reading is not configured")
	}
	events, err := c.reader.ReadTrace(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := c.Get(ctx, runID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Approve submits an external decision for a run awaiting approval.
func (c *Coordinator) Approve(ctx context.Context, runID string, approved bool, comment, resolver string) (approval.Decision, error) {
	d, err := c.gate.Submit(ctx, runID, approved, comment, resolver)
	if errors.Is(err, approval.ErrNotAwaiting) {
		if _, getErr := c.Get(ctx, runID); errors.Is(getErr, ErrNotFound) {
			return approval.Decision{}, getErr
		}
	}
	return d, err
}

// Pending lists runs waiting for a decision.
func (c *Coordinator) Pending() []approval.Pending {
	return c.gate.Pending()
}

// Recover fails every persisted run left in a non-terminal phase by a
// previous process, so no run stays stuck across restarts. It returns the
// ids of the recovered runs.
func (c *Coordinator) Recover(ctx context.Context) ([]string, error) {
	if c.store == nil {
		return []string{}, nil
	}
	recs, err := c.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}

	ids := []string{}
	for _, rec := range recs {
		c.mu.RLock()
		_, running := c.active[rec.ID]
		c.mu.RUnlock()
		if running {
			continue
		}
		run, err := decodeRun(rec)
		if err != nil {
			slog.Error("skipping undecodable run snapshot", "run_id", rec.ID, "error", err)
			continue
		}
		if run.Phase.Terminal() {
			continue
		}
		r := c.newRunner(&run)
		r.recovered = true
		r.terminate(ctx, PhaseFailed, "interrupted", CodeInterrupted)
		c.finish(r)
		ids = append(ids, run.ID)
		slog.Warn("recovered interrupted run", "run_id", run.ID, "phase", rec.Phase)
	}
	return ids, nil
}

// Close cancels every active run and waits for background runs to finish.
func (c *Coordinator) Close() {
	c.stop()
	c.mu.RLock()
	for _, exec := range c.active {
		exec.cancel()
	}
	c.mu.RUnlock()
	c.wg.Wait()
}

func (c *Coordinator) create(ctx context.Context, req Request) (*runner, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	run := newRun(c.ids.Generate(), req, c.now().UTC())

	_, err := c.recorder.Record(ctx, trace.Entry{
		RunID:     run.ID,
		Component: trace.ComponentCoordinator,
		Action:    "run_started",
		Input:     req,
		Output:    map[string]any{"phase": string(run.Phase)},
		Success:   true,
		Step:      0,
	})
	if err != nil {
		return nil, &RuntimeError{Code: CodeTraceFailure, Message: "record run start", RunID: run.ID, Phase: run.Phase, Err: err}
	}

	r := c.newRunner(run)
	r.publish(ctx)
	if c.observer != nil {
		c.observer.RunStarted()
		c.observer.PhaseEntered(run.Phase)
	}
	slog.Info("run started", "run_id", run.ID)
	return r, nil
}

func (c *Coordinator) register(runID string, cancel context.CancelFunc) *execution {
	exec := &execution{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.active[runID] = exec
	c.mu.Unlock()
	return exec
}

func (c *Coordinator) drive(ctx context.Context, r *runner, exec *execution) {
	defer close(exec.done)
	r.loop(ctx)
	c.finish(r)
}

// finish releases per-run resources once the run is terminal.
func (c *Coordinator) finish(r *runner) {
	id := r.run.ID
	c.gate.Close(id)
	c.registry.Release(id)
	if f, ok := c.recorder.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}

	c.mu.Lock()
	delete(c.active, id)
	if c.store != nil && r.persisted {
		delete(c.snapshots, id)
	}
	c.mu.Unlock()

	if c.observer != nil && !r.recovered {
		c.observer.RunFinished(r.run.Phase, r.run.Cause, c.now().Sub(r.run.CreatedAt))
	}
	slog.Info("run finished",
		"run_id", id,
		"phase", r.run.Phase,
		"step", r.run.Step,
		"reason", r.run.Reason,
	)
}

func decodeRun(rec store.RunRecord) (Run, error) {
	var run Run
	if err := json.Unmarshal(rec.Snapshot, &run); err != nil {
		return Run{}, fmt.Errorf("decode run %s: %w", rec.ID, err)
	}
	return run, nil
}

func encodeRun(run *Run) (store.RunRecord, error) {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	return store.RunRecord{
		ID:        run.ID,
		Phase:     string(run.Phase),
		Terminal:  run.Terminal,
		Snapshot:  snapshot,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}, nil
}
