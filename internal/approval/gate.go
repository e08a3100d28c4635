package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// ResolverAuto marks decisions produced by auto-approve mode.
	ResolverAuto = "auto"

	// ResolverTimeout marks decisions produced by the timeout default.
	ResolverTimeout = "timeout"

	// DefaultTimeout bounds how long a run waits for a decision.
	DefaultTimeout = 24 * time.Hour
)

var (
	// ErrNotAwaiting is returned by Submit when the run has no open slot.
	ErrNotAwaiting = errors.New("run is not awaiting approval")

	// ErrAlreadyDecided is returned by Submit when the slot already holds a
	// decision.
	ErrAlreadyDecided = errors.New("approval already decided")
)

// Decision is an approve or reject outcome for one run.
type Decision struct {
	RunID     string    `json:"run_id"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	Resolver  string    `json:"resolver"`
	TimedOut  bool      `json:"timed_out"`
	DecidedAt time.Time `json:"decided_at"`
}

// Recorder persists decisions. The store implements it.
type Recorder interface {
	SaveDecision(ctx context.Context, d Decision) error
}

// Pending describes an open slot.
type Pending struct {
	RunID    string    `json:"run_id"`
	OpenedAt time.Time `json:"opened_at"`
}

type slot struct {
	openedAt time.Time
	done     chan struct{}
	decision *Decision
}

// Gate holds one decision slot per run awaiting approval.
type Gate struct {
	autoApprove    bool
	defaultApprove bool
	recorder       Recorder
	now            func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// Option configures a Gate.
type Option func(*Gate)

// WithAutoApprove makes Await resolve to approved without suspending.
func WithAutoApprove(enabled bool) Option {
	return func(g *Gate) { g.autoApprove = enabled }
}

// WithDefaultApprove sets the outcome used when Await times out.
// The default is reject.
func WithDefaultApprove(approve bool) Option {
	return func(g *Gate) { g.defaultApprove = approve }
}

// WithRecorder persists every decision through r.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		now:   time.Now,
		slots: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.autoApprove {
		slog.Warn("approval gate auto-approve enabled; runs will complete without human sign-off")
	}
	return g
}

// AutoApprove reports whether auto-approve mode is on.
func (g *Gate) AutoApprove() bool { return g.autoApprove }

// Open creates the NoDecision slot for runID. Opening an existing slot is a
// no-op so a retried transition does not discard a decision.
func (g *Gate) Open(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.slots[runID]; ok {
		return
	}
	g.slots[runID] = &slot{
		openedAt: g.now().UTC(),
		done:     make(chan struct{}),
	}
}

// Close discards the slot for runID.
func (g *Gate) Close(runID string) {
	g.mu.Lock()
	delete(g.slots, runID)
	g.mu.Unlock()
}

// Await blocks until a decision exists for runID, the timeout elapses or ctx
// is done. On timeout the gate's default outcome is submitted and returned
// with TimedOut set. A timeout <= 0 disables the timer.
func (g *Gate) Await(ctx context.Context, runID string, timeout time.Duration) (Decision, error) {
	g.mu.Lock()
	s, ok := g.slots[runID]
	g.mu.Unlock()
	if !ok {
		return Decision{}, fmt.Errorf("await %s: %w", runID, ErrNotAwaiting)
	}

	if g.autoApprove {
		d, err := g.resolve(ctx, runID, true, "auto-approve mode", ResolverAuto, false)
		if errors.Is(err, ErrAlreadyDecided) {
			return g.decided(s), nil
		}
		return d, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-s.done:
		return g.decided(s), nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case <-timer:
		d, err := g.resolve(ctx, runID, g.defaultApprove, "approval timed out", ResolverTimeout, true)
		if errors.Is(err, ErrAlreadyDecided) {
			// An external decision won the race with the timer.
			return g.decided(s), nil
		}
		return d, err
	}
}

// Submit records an external decision for runID.
func (g *Gate) Submit(ctx context.Context, runID string, approved bool, comment, resolver string) (Decision, error) {
	return g.resolve(ctx, runID, approved, comment, resolver, false)
}

// Decision returns the decision for runID if one has been made.
func (g *Gate) Decision(runID string) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[runID]
	if !ok || s.decision == nil {
		return Decision{}, false
	}
	return *s.decision, true
}

// Pending lists runs awaiting a decision, oldest first.
func (g *Gate) Pending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := []Pending{}
	for id, s := range g.slots {
		if s.decision == nil {
			out = append(out, Pending{RunID: id, OpenedAt: s.openedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (g *Gate) resolve(ctx context.Context, runID string, approved bool, comment, resolver string, timedOut bool) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[runID]
	if !ok {
		return Decision{}, fmt.Errorf("submit %s: %w", runID, ErrNotAwaiting)
	}
	if s.decision != nil {
		return Decision{}, fmt.Errorf("submit %s: %w", runID, ErrAlreadyDecided)
	}
	if resolver == "" {
		resolver = "unknown"
	}

	d := Decision{
		RunID:     runID,
		Approved:  approved,
		Comment:   comment,
		Resolver:  resolver,
		TimedOut:  timedOut,
		DecidedAt: g.now().UTC(),
	}
	if g.recorder != nil {
		if err := g.recorder.SaveDecision(ctx, d); err != nil {
			return Decision{}, fmt.Errorf("persist decision for %s: %w", runID, err)
		}
	}
	s.decision = &d
	close(s.done)

	slog.Info("approval decided",
		"run_id", runID,
		"approved", approved,
		"resolver", resolver,
		"timed_out", timedOut,
	)
	return d, nil
}

func (g *Gate) decided(s *slot) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *s.decision
}
