package workflow

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/trace"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "quill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newStoreCoordinator(t *testing.T, st *store.Store, ids ...string) *Coordinator {
	t.Helper()
	tr := trace.New(st)
	reg := registry.New(policy.MustNew(), tr)
	for name, c := range happyCaps() {
		require.NoError(t, reg.Register(name, c))
	}
	gate := approval.NewGate(approval.WithAutoApprove(true), approval.WithRecorder(st))
	coord, err := New(reg, tr, gate,
		WithStore(st),
		WithTraceReader(st),
		WithIDGenerator(NewFixedGenerator(ids...)),
	)
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return coord
}

func TestStoreBackedRun(t *testing.T) {
	st := openStore(t)
	coord := newStoreCoordinator(t, st, "run-1")

	run, err := coord.Execute(ctx, Request{Request: "Proposal"})
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, run.Phase)

	rec, err := st.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Phase)
	assert.True(t, rec.Terminal)

	got, err := coord.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.History, got.History)
	assert.Equal(t, run.Drafts[0].Content, got.FinalArtifact.Content)

	d, err := st.LoadDecision(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, approval.ResolverAuto, d.Resolver)

	events, err := coord.Trace(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, trace.Verify(events))
	assert.Equal(t, run.History[len(run.History)-1].Seq, events[len(events)-1].Seq)

	list, err := coord.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, run.ID, list[0].ID)

	require.NoError(t, coord.Delete(ctx, run.ID))
	_, err = coord.Get(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	events, err = st.ReadTrace(ctx, run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestRecoverFailsInterruptedRuns(t *testing.T) {
	st := openStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// A run left in Researching by a previous process, with its trace.
	tr := trace.New(st)
	_, err := tr.Record(ctx, trace.Entry{RunID: "stale", Component: trace.ComponentCoordinator, Action: "run_started", Success: true})
	require.NoError(t, err)
	stale := newRun("stale", Request{Request: "Proposal"}, created)
	stale.Phase = PhaseResearching
	stale.Step = 2
	rec, err := encodeRun(stale)
	require.NoError(t, err)
	require.NoError(t, st.SaveRun(ctx, rec))

	coord := newStoreCoordinator(t, st, "run-1")
	ids, err := coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	run, err := coord.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, run.Phase)
	assert.Equal(t, "interrupted", run.Reason)
	assert.Equal(t, CodeInterrupted, run.Cause)
	assert.Equal(t, 3, run.Step)

	events, err := coord.Trace(ctx, "stale")
	require.NoError(t, err)
	require.NoError(t, trace.Verify(events))
	assert.Equal(t, "transition", events[len(events)-1].Action)

	active, err := st.ListActiveRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	ids, err = coord.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
