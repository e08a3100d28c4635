package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

func fixed(v any) registry.Capability {
	return registry.Func(registry.EffectRead, func(context.Context, registry.Call) (any, error) {
		return v, nil
	})
}

func newCoordinator(t *testing.T, m *Metrics, opts workflow.Options, caps map[string]registry.Capability) *workflow.Coordinator {
	t.Helper()
	sink := trace.NewMemorySink()
	tr := trace.New(sink, trace.WithObserver(m))
	reg := registry.New(policy.MustNew(), tr, registry.WithObserver(m))
	for name, c := range caps {
		require.NoError(t, reg.Register(name, c))
	}
	coord, err := workflow.New(reg, tr, approval.NewGate(approval.WithAutoApprove(true)),
		workflow.WithOptions(opts),
		workflow.WithObserver(m),
		workflow.WithIDGenerator(workflow.NewFixedGenerator("run-1", "run-2")),
	)
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return coord
}

func happy() map[string]registry.Capability {
	return map[string]registry.Capability{
		"plan":     fixed(workflow.PlanOutput{Requirements: []string{"pricing"}, SearchTopics: []string{"pricing"}}),
		"research": fixed(workflow.ResearchOutput{Findings: []workflow.Finding{{Content: "10k", Source: "p.md", Covers: []string{"pricing"}}}}),
		"write":    fixed(workflow.Draft{Content: "draft"}),
		"critique": fixed(workflow.Critique{Score: 90}),
	}
}

func TestMetrics_CompletedRun(t *testing.T) {
	m := New()
	coord := newCoordinator(t, m, workflow.DefaultOptions(), happy())

	run, err := coord.Execute(context.Background(), workflow.Request{Request: "Proposal"})
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseCompleted, run.Phase)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("completed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseEntries.WithLabelValues("awaiting_approval")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseEntries.WithLabelValues("planning")))
	for _, c := range []string{"plan", "research", "write", "critique"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues(c, registry.OutcomeOK)), c)
	}
	assert.Equal(t, 0, testutil.CollectAndCount(m.Violations))

	assert.Greater(t, testutil.ToFloat64(m.TraceEvents.WithLabelValues("coordinator", "full")), 0.0)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TraceEvents.WithLabelValues("registry", "full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TraceEvents.WithLabelValues("approval_gate", "full")))
}

func TestMetrics_Violation(t *testing.T) {
	m := New()
	opts := workflow.DefaultOptions()
	opts.Capabilities.Research = "web_search"
	caps := happy()
	caps["web_search"] = caps["research"]
	coord := newCoordinator(t, m, opts, caps)

	run, err := coord.Execute(context.Background(), workflow.Request{Request: "Proposal"})
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseFailed, run.Phase)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Violations.WithLabelValues("capability_allowlist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("web_search", registry.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("failed", "POLICY_VIOLATION")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunStarted()
	m.CallObserved("plan", registry.OutcomeOK, 20*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "quill_runs_started_total 1")
	assert.Contains(t, string(body), `quill_capability_calls_total{capability="plan",outcome="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
