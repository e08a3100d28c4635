package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/trace"
)

// testEnv wires a coordinator over in-memory collaborators.
type testEnv struct {
	coord *Coordinator
	reg   *registry.Registry
	gate  *approval.Gate
	sink  *trace.MemorySink
}

type envConfig struct {
	policyOpts []policy.Option
	gateOpts   []approval.Option
	options    *Options
	coordOpts  []Option
	caps       map[string]registry.Capability
}

func newEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	p, err := policy.New(cfg.policyOpts...)
	require.NoError(t, err)

	sink := trace.NewMemorySink()
	tr := trace.New(sink)
	reg := registry.New(p, tr)
	for name, c := range cfg.caps {
		require.NoError(t, reg.Register(name, c))
	}

	gateOpts := cfg.gateOpts
	if gateOpts == nil {
		gateOpts = []approval.Option{approval.WithAutoApprove(true)}
	}
	gate := approval.NewGate(gateOpts...)

	opts := []Option{
		WithTraceReader(sink),
		WithIDGenerator(NewFixedGenerator("run-1", "run-2", "run-3", "run-4")),
	}
	if cfg.options != nil {
		opts = append(opts, WithOptions(*cfg.options))
	}
	opts = append(opts, cfg.coordOpts...)

	coord, err := New(reg, tr, gate, opts...)
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return &testEnv{coord: coord, reg: reg, gate: gate, sink: sink}
}

// happyCaps returns capabilities that drive a run straight to approval.
func happyCaps() map[string]registry.Capability {
	return map[string]registry.Capability{
		"plan":     planWith(PlanOutput{Requirements: []string{"pricing"}, SearchTopics: []string{"pricing"}}),
		"research": researchCovering(),
		"write":    writer(),
		"critique": critic(85),
	}
}

func planWith(out PlanOutput) registry.Capability {
	return registry.Func(registry.EffectRead, func(context.Context, registry.Call) (any, error) {
		return out, nil
	})
}

// researchCovering returns a finding covering every requirement of the input.
func researchCovering() registry.Capability {
	return registry.Func(registry.EffectRead, func(_ context.Context, call registry.Call) (any, error) {
		in := call.Input.(ResearchInput)
		return ResearchOutput{Findings: []Finding{{
			Content: "evidence for " + in.Topic,
			Source:  in.Topic + ".md",
			Covers:  in.Requirements,
		}}}, nil
	})
}

func researchMissing() registry.Capability {
	return registry.Func(registry.EffectRead, func(_ context.Context, call registry.Call) (any, error) {
		in := call.Input.(ResearchInput)
		return ResearchOutput{Missing: []string{in.Topic}}, nil
	})
}

func writer() registry.Capability {
	return registry.Func(registry.EffectRead, func(_ context.Context, call registry.Call) (any, error) {
		in := call.Input.(WriteInput)
		return Draft{Content: fmt.Sprintf("draft v%d", in.Version)}, nil
	})
}

// critic returns the given scores in order, repeating the last one.
func critic(scores ...int) registry.Capability {
	var mu sync.Mutex
	n := 0
	return registry.Func(registry.EffectRead, func(context.Context, registry.Call) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		score := scores[len(scores)-1]
		if n < len(scores) {
			score = scores[n]
		}
		n++
		c := Critique{Score: score}
		if score < DefaultAcceptanceThreshold {
			c.Issues = []Issue{{Severity: SeverityMedium, Description: "needs more detail"}}
		}
		return c, nil
	})
}

// sequence returns a capability that answers call i with steps[i], repeating
// the last entry.
func sequence(steps ...registry.HandlerFunc) (registry.Capability, *counter) {
	cnt := &counter{}
	return registry.Func(registry.EffectRead, func(ctx context.Context, call registry.Call) (any, error) {
		i := cnt.inc() - 1
		if i >= len(steps) {
			i = len(steps) - 1
		}
		return steps[i](ctx, call)
	}), cnt
}

type counter struct {
	mu    sync.Mutex
	n     int
	calls []registry.Call
}

func (c *counter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *counter) record(call registry.Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func failing(msg string) registry.HandlerFunc {
	return func(context.Context, registry.Call) (any, error) {
		return nil, errors.New(msg)
	}
}

func returning(v any) registry.HandlerFunc {
	return func(context.Context, registry.Call) (any, error) {
		return v, nil
	}
}

func phasesOf(run Run) []Phase {
	out := []Phase{PhasePlanning}
	for _, tr := range run.History {
		out = append(out, tr.To)
	}
	return out
}

func countTransitions(run Run, from, to Phase) int {
	n := 0
	for _, tr := range run.History {
		if tr.From == from && tr.To == to {
			n++
		}
	}
	return n
}

func eventsWithAction(events []trace.Event, action string) []trace.Event {
	var out []trace.Event
	for _, ev := range events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

func waitForPending(t *testing.T, gate *approval.Gate, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range gate.Pending() {
			if p.RunID == runID {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}
