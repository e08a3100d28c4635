package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/trace"
)

// Outcome labels used for traces and metrics.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var errCancelled = errors.New("call cancelled")

// Recorder writes trace events. *trace.Tracer implements it.
type Recorder interface {
	Record(ctx context.Context, e trace.Entry) (trace.Event, error)
}

// Observer is notified of every attempt. Used for metrics.
type Observer interface {
	CallObserved(capability, outcome string, elapsed time.Duration)
	ViolationObserved(rule policy.Rule)
}

// Registry binds capability names to handlers.
//
// Thread-safety: the handler table is read-mostly; Register takes the write
// lock, Invoke only the read lock. Per-run parallel slots live in their own
// map so runs never contend on each other's budget.
type Registry struct {
	policy   *policy.Policy
	recorder Recorder
	observer Observer

	mu       sync.RWMutex
	handlers map[string]Capability

	slotsMu sync.Mutex
	slots   map[string]*semaphore.Weighted
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// New creates a Registry enforcing p and tracing to rec.
func New(p *policy.Policy, rec Recorder, opts ...Option) *Registry {
	r := &Registry{
		policy:   p,
		recorder: rec,
		handlers: make(map[string]Capability),
		slots:    make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the enforced policy.
func (r *Registry) Policy() *policy.Policy { return r.policy }

// Register binds name to c. Fails on empty names and collisions.
func (r *Registry) Register(name string, c Capability) error {
	if name == "" {
		return fmt.Errorf("register: capability name is required")
	}
	if c == nil {
		return fmt.Errorf("register %s: capability is nil", name)
	}
	switch c.Effect() {
	case EffectRead, EffectWrite:
	default:
		return fmt.Errorf("register %s: unknown effect %q", name, c.Effect())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicate)
	}
	r.handlers[name] = c
	if err := r.policy.Allows(name); err != nil {
		slog.Warn("registered capability is not allowlisted", "capability", name)
	}
	return nil
}

// MustRegister is Register that panics on error. Used at startup.
func (r *Registry) MustRegister(name string, c Capability) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// Names returns the registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke checks name and call against the policy, dispatches the handler and
// traces the attempt. Guardrail rejections return *policy.Violation and the
// handler is not executed. Handler failures return *CallError.
func (r *Registry) Invoke(ctx context.Context, name string, call Call) (any, error) {
	start := time.Now()
	result, outcome, callErr := r.dispatch(ctx, name, call)

	entry := trace.Entry{
		RunID:     call.RunID,
		Component: trace.ComponentRegistry,
		Action:    "invoke:" + name,
		Input:     attemptInput(name, call),
		Output:    attemptOutput(outcome, result, callErr),
		Success:   callErr == nil,
		Step:      call.Step,
	}
	// Record under a context that survives cancellation so a cancelled call
	// still leaves its audit record.
	if _, err := r.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		return nil, &AuditError{Capability: name, Err: err}
	}

	r.observe(name, outcome, time.Since(start), callErr)
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// Release drops the parallel slot table of a finished run.
func (r *Registry) Release(runID string) {
	r.slotsMu.Lock()
	delete(r.slots, runID)
	r.slotsMu.Unlock()
}

func (r *Registry) dispatch(ctx context.Context, name string, call Call) (any, string, error) {
	if err := r.policy.Allows(name); err != nil {
		return nil, OutcomeRejected, err
	}

	r.mu.RLock()
	c, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, OutcomeRejected, &CallError{Capability: name, RunID: call.RunID, Err: ErrNotRegistered}
	}

	if c.Effect() == EffectWrite {
		if err := r.policy.CheckWritePath(name, call.TargetPath); err != nil {
			return nil, OutcomeRejected, err
		}
	}

	sem := r.slotsFor(call.RunID)
	if r.policy.QueueOnSaturation() {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, OutcomeCancelled, &CallError{Capability: name, RunID: call.RunID, Err: fmt.Errorf("%w: %w", errCancelled, err)}
		}
	} else if !sem.TryAcquire(1) {
		return nil, OutcomeRejected, r.policy.ParallelViolation(name)
	}
	defer sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout())
	defer cancel()

	result, err := invokeSafely(callCtx, c, call)
	if err != nil {
		if ctx.Err() != nil {
			return nil, OutcomeCancelled, &CallError{Capability: name, RunID: call.RunID, Err: fmt.Errorf("%w: %w", errCancelled, ctx.Err())}
		}
		return nil, OutcomeFailed, &CallError{Capability: name, RunID: call.RunID, Err: err}
	}
	return result, OutcomeOK, nil
}

func (r *Registry) slotsFor(runID string) *semaphore.Weighted {
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()
	sem, ok := r.slots[runID]
	if !ok {
		sem = semaphore.NewWeighted(int64(r.policy.MaxParallel()))
		r.slots[runID] = sem
	}
	return sem
}

func (r *Registry) observe(name, outcome string, elapsed time.Duration, err error) {
	if r.observer == nil {
		return
	}
	r.observer.CallObserved(name, outcome, elapsed)
	if v, ok := policy.AsViolation(err); ok {
		r.observer.ViolationObserved(v.Rule)
	}
}

// invokeSafely turns a handler panic into an error.
func invokeSafely(ctx context.Context, c Capability, call Call) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return c.Invoke(ctx, call)
}

func attemptInput(name string, call Call) map[string]any {
	in := map[string]any{
		"capability": name,
		"step":       call.Step,
		"input":      call.Input,
	}
	if call.TargetPath != "" {
		in["target_path"] = call.TargetPath
	}
	return in
}

func attemptOutput(outcome string, result any, err error) map[string]any {
	out := map[string]any{"outcome": outcome}
	if err == nil {
		out["result"] = result
		return out
	}
	out["error"] = err.Error()
	if v, ok := policy.AsViolation(err); ok {
		out["rule"] = string(v.Rule)
	}
	return out
}
