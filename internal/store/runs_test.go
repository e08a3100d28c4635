package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/approval"
)

func testRun(id, phase string, terminal bool, created time.Time) RunRecord {
	return RunRecord{
		ID:        id,
		Phase:     phase,
		Terminal:  terminal,
		Snapshot:  json.RawMessage(`{"id":"` + id + `","phase":"` + phase + `"}`),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestSaveRun_UpsertKeepsCreatedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, testRun("run-1", "planning", false, created)))

	update := testRun("run-1", "completed", true, created.Add(time.Hour))
	update.UpdatedAt = created.Add(2 * time.Hour)
	require.NoError(t, s.SaveRun(ctx, update))

	got, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Phase)
	assert.True(t, got.Terminal)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.UpdatedAt.Equal(created.Add(2*time.Hour)))
	assert.JSONEq(t, `{"id":"run-1","phase":"completed"}`, string(got.Snapshot))
}

func TestSaveRun_RequiresID(t *testing.T) {
	s := createTestStore(t)
	err := s.SaveRun(context.Background(), RunRecord{Phase: "planning"})
	assert.Error(t, err)
}

func TestLoadRun_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.LoadRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, testRun("a", "completed", true, base)))
	require.NoError(t, s.SaveRun(ctx, testRun("b", "planning", false, base.Add(time.Minute))))
	require.NoError(t, s.SaveRun(ctx, testRun("c", "writing", false, base.Add(2*time.Minute))))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "b", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
}

func TestListRuns_Empty(t *testing.T) {
	s := createTestStore(t)
	runs, err := s.ListRuns(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestDeleteRun_RemovesSnapshotAndDecision(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, testRun("run-1", "completed", true, now)))
	require.NoError(t, s.SaveDecision(ctx, approval.Decision{RunID: "run-1", Approved: true, Resolver: "alice", DecidedAt: now}))

	require.NoError(t, s.DeleteRun(ctx, "run-1"))

	_, err := s.LoadRun(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.LoadDecision(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.DeleteRun(ctx, "run-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveDecision_WriteOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := approval.Decision{RunID: "run-1", Approved: false, Comment: "needs sources", Resolver: "timeout", TimedOut: true, DecidedAt: now}
	require.NoError(t, s.SaveDecision(ctx, first))

	err := s.SaveDecision(ctx, approval.Decision{RunID: "run-1", Approved: true, Resolver: "bob", DecidedAt: now})
	assert.True(t, errors.Is(err, ErrDecisionExists))

	got, err := s.LoadDecision(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.Approved, got.Approved)
	assert.Equal(t, first.Comment, got.Comment)
	assert.Equal(t, first.Resolver, got.Resolver)
	assert.True(t, got.TimedOut)
	assert.True(t, got.DecidedAt.Equal(now))
}

func TestGateWithStoreRecorder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	g := approval.NewGate(approval.WithRecorder(s))
	g.Open("run-1")
	_, err := g.Submit(ctx, "run-1", true, "lgtm", "alice")
	require.NoError(t, err)

	got, err := s.LoadDecision(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, "alice", got.Resolver)
}
