package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/trace"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func TestReadTrace_Empty(t *testing.T) {
	s := createTestStore(t)

	events, err := s.ReadTrace(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.NotNil(t, events, "want empty slice, not nil")
	assert.Empty(t, events)
}

func TestTracerOnStore_OrderedAndVerifiable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	tr := trace.New(s, trace.WithClock(fixedClock()))

	for i := 1; i <= 3; i++ {
		_, err := tr.Record(ctx, trace.Entry{
			RunID:     "run-1",
			Component: trace.ComponentCoordinator,
			Action:    "transition",
			Input:     map[string]any{"contact": "jane@example.com"},
			Output:    map[string]any{"step": i},
			Success:   true,
			Step:      i,
		})
		require.NoError(t, err)
	}

	events, err := s.ReadTrace(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.NotContains(t, string(ev.Input), "jane@example.com")
	}
	assert.NoError(t, trace.Verify(events))
}

func TestReadEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	tr := trace.New(s, trace.WithClock(fixedClock()))

	recorded, err := tr.Record(ctx, trace.Entry{
		RunID:     "run-1",
		Component: trace.ComponentRegistry,
		Action:    "invoke:plan",
		Input:     map[string]any{"request": "hello"},
		Output:    map[string]any{"ok": true},
		Success:   true,
		Step:      1,
	})
	require.NoError(t, err)

	got, err := s.ReadEvent(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, recorded.Hash, got.Hash)
	assert.Equal(t, recorded.Component, got.Component)
	assert.Equal(t, recorded.Action, got.Action)
	assert.JSONEq(t, string(recorded.Input), string(got.Input))
	assert.True(t, recorded.Timestamp.Equal(got.Timestamp))

	_, err = s.ReadEvent(ctx, "run-1", 2)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAppend_IdempotentForSameEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	tr := trace.New(s, trace.WithClock(fixedClock()))

	ev, err := tr.Record(ctx, trace.Entry{RunID: "run-1", Component: trace.ComponentCoordinator, Action: "start", Success: true})
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, ev), "replaying an identical event is accepted")

	tampered := ev
	tampered.Hash = "deadbeef"
	err = s.Append(ctx, tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different hash")

	events, err := s.ReadTrace(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTracer_ResumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	tr1 := trace.New(s1, trace.WithClock(fixedClock()))
	for i := 0; i < 2; i++ {
		_, err := tr1.Record(ctx, trace.Entry{RunID: "run-1", Component: trace.ComponentCoordinator, Action: "transition", Success: true, Step: i + 1})
		require.NoError(t, err)
	}
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	last, ok, err := s2.Last(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Seq)

	tr2 := trace.New(s2, trace.WithClock(fixedClock()))
	ev, err := tr2.Record(ctx, trace.Entry{RunID: "run-1", Component: trace.ComponentCoordinator, Action: "recover", Success: true, Step: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Seq)
	assert.Equal(t, last.Hash, ev.PrevHash)

	events, err := s2.ReadTrace(ctx, "run-1")
	require.NoError(t, err)
	assert.NoError(t, trace.Verify(events))
}

func TestLast_NoEvents(t *testing.T) {
	s := createTestStore(t)
	_, ok, err := s.Last(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
