package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Defaults mirror the limits the workflow has always shipped with.
const (
	DefaultMaxSteps       = 20
	DefaultMaxParallel    = 3
	DefaultWritablePrefix = "runs"
	DefaultCallTimeout    = 30 * time.Second
)

// DefaultAllowlist is the set of capabilities the stock worker set registers.
var DefaultAllowlist = []string{"plan", "research", "write", "critique", "write_draft"}

// Policy is the immutable guardrail configuration.
type Policy struct {
	allowlist         map[string]struct{}
	maxSteps          int
	maxParallel       int
	writablePrefix    string
	queueOnSaturation bool
	callTimeout       time.Duration
}

type settings struct {
	allowlist         []string
	maxSteps          int
	maxParallel       int
	writablePrefix    string
	queueOnSaturation bool
	callTimeout       time.Duration
}

// Option configures a Policy under construction.
type Option func(*settings)

// WithAllowlist replaces the default allowlist.
func WithAllowlist(names ...string) Option {
	return func(s *settings) {
		s.allowlist = append([]string(nil), names...)
	}
}

// WithMaxSteps sets the per-run step budget.
func WithMaxSteps(n int) Option {
	return func(s *settings) { s.maxSteps = n }
}

// WithMaxParallel sets the per-run in-flight capability call budget.
func WithMaxParallel(n int) Option {
	return func(s *settings) { s.maxParallel = n }
}

// WithWritablePrefix sets the directory write capabilities are confined to.
func WithWritablePrefix(prefix string) Option {
	return func(s *settings) { s.writablePrefix = prefix }
}

// WithQueueOnSaturation controls whether calls beyond the parallel budget
// wait for a slot (true) or are rejected with RuleParallelism (false).
func WithQueueOnSaturation(queue bool) Option {
	return func(s *settings) { s.queueOnSaturation = queue }
}

// WithCallTimeout bounds a single capability call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(s *settings) { s.callTimeout = d }
}

// New builds a Policy from defaults overridden by opts.
func New(opts ...Option) (*Policy, error) {
	s := settings{
		allowlist:         append([]string(nil), DefaultAllowlist...),
		maxSteps:          DefaultMaxSteps,
		maxParallel:       DefaultMaxParallel,
		writablePrefix:    DefaultWritablePrefix,
		queueOnSaturation: true,
		callTimeout:       DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}

	if s.maxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be > 0, got %d", s.maxSteps)
	}
	if s.maxParallel <= 0 {
		return nil, fmt.Errorf("max parallel must be > 0, got %d", s.maxParallel)
	}
	if s.callTimeout < 0 {
		return nil, fmt.Errorf("call timeout must be >= 0, got %s", s.callTimeout)
	}
	if strings.TrimSpace(s.writablePrefix) == "" {
		return nil, fmt.Errorf("writable prefix is required")
	}
	prefix, err := filepath.Abs(s.writablePrefix)
	if err != nil {
		return nil, fmt.Errorf("resolve writable prefix: %w", err)
	}

	allow := make(map[string]struct{}, len(s.allowlist))
	for _, name := range s.allowlist {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("allowlist contains an empty capability name")
		}
		allow[name] = struct{}{}
	}

	return &Policy{
		allowlist:         allow,
		maxSteps:          s.maxSteps,
		maxParallel:       s.maxParallel,
		writablePrefix:    prefix,
		queueOnSaturation: s.queueOnSaturation,
		callTimeout:       s.callTimeout,
	}, nil
}

// MustNew is New that panics on error. Intended for tests and fixed defaults.
func MustNew(opts ...Option) *Policy {
	p, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Allowlist returns the allowlisted capability names in sorted order.
func (p *Policy) Allowlist() []string {
	names := make([]string, 0, len(p.allowlist))
	for name := range p.allowlist {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxSteps returns the per-run step budget.
func (p *Policy) MaxSteps() int { return p.maxSteps }

// MaxParallel returns the per-run in-flight call budget.
func (p *Policy) MaxParallel() int { return p.maxParallel }

// WritablePrefix returns the absolute writable directory.
func (p *Policy) WritablePrefix() string { return p.writablePrefix }

// QueueOnSaturation reports whether saturated calls wait for a slot.
func (p *Policy) QueueOnSaturation() bool { return p.queueOnSaturation }

// CallTimeout returns the bound applied to each capability call.
func (p *Policy) CallTimeout() time.Duration { return p.callTimeout }

// Allows returns a Violation unless name is allowlisted.
func (p *Policy) Allows(name string) error {
	if _, ok := p.allowlist[name]; !ok {
		return &Violation{
			Rule:       RuleAllowlist,
			Capability: name,
			Message:    fmt.Sprintf("capability %q is not in the allowlist %v", name, p.Allowlist()),
		}
	}
	return nil
}

// CheckStep returns a Violation if step number next exceeds the budget.
func (p *Policy) CheckStep(next int) error {
	if next > p.maxSteps {
		return &Violation{
			Rule:    RuleStepBudget,
			Message: fmt.Sprintf("step budget exceeded: step %d > max %d", next, p.maxSteps),
		}
	}
	return nil
}

// CheckWritePath returns a Violation unless path resolves inside the
// writable prefix.
func (p *Policy) CheckWritePath(capability, path string) error {
	if strings.TrimSpace(path) == "" {
		return &Violation{
			Rule:       RuleWritePath,
			Capability: capability,
			Message:    "write capability called without a target path",
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return &Violation{
			Rule:       RuleWritePath,
			Capability: capability,
			Message:    fmt.Sprintf("cannot resolve %q: %v", path, err),
		}
	}
	rel, err := filepath.Rel(p.writablePrefix, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return &Violation{
			Rule:       RuleWritePath,
			Capability: capability,
			Message:    fmt.Sprintf("write to %q is outside %q", path, p.writablePrefix),
		}
	}
	return nil
}

// ParallelViolation builds the Violation used when a run's in-flight budget
// is saturated and queueing is disabled.
func (p *Policy) ParallelViolation(capability string) *Violation {
	return &Violation{
		Rule:       RuleParallelism,
		Capability: capability,
		Message:    fmt.Sprintf("parallelism budget exceeded: %d calls already in flight", p.maxParallel),
	}
}
