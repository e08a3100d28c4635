package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
}

func TestRecord_AssignsGapFreeSequence(t *testing.T) {
	sink := NewMemorySink()
	tr := New(sink, WithClock(fixedNow))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev, err := tr.Record(ctx, Entry{RunID: "run-1", Component: ComponentCoordinator, Action: "transition", Step: i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	_, err := tr.Record(ctx, Entry{RunID: "run-2", Component: ComponentRegistry, Action: "invoke:plan"})
	require.NoError(t, err)

	events := sink.Events("run-1")
	require.Len(t, events, 5)
	require.NoError(t, Verify(events))
	assert.Equal(t, int64(1), sink.Events("run-2")[0].Seq)
}

func TestRecord_MasksBeforePersisting(t *testing.T) {
	sink := NewMemorySink()
	tr := New(sink, WithClock(fixedNow))

	input := map[string]any{"request": "proposal for carol@example.com"}
	ev, err := tr.Record(context.Background(), Entry{
		RunID:  "run-1",
		Action: "dispatch:plan",
		Input:  input,
		Output: "reply to 090-1234-5678",
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"request":"proposal for [MASKED]"}`, string(ev.Input))
	assert.JSONEq(t, `"reply to [MASKED]"`, string(ev.Output))
	assert.Equal(t, "proposal for carol@example.com", input["request"])
}

func TestRecord_ResumesFromSink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	first := New(sink, WithClock(fixedNow))
	for i := 0; i < 3; i++ {
		_, err := first.Record(ctx, Entry{RunID: "run-1", Action: "transition"})
		require.NoError(t, err)
	}

	restarted := New(sink, WithClock(fixedNow))
	ev, err := restarted.Record(ctx, Entry{RunID: "run-1", Action: "transition"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Seq)
	assert.NoError(t, Verify(sink.Events("run-1")))
}

func TestRecord_ConcurrentCallersStayOrdered(t *testing.T) {
	sink := NewMemorySink()
	tr := New(sink)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.Record(ctx, Entry{RunID: "run-1", Action: fmt.Sprintf("invoke:%d", i), Success: true})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := sink.Events("run-1")
	require.Len(t, events, 50)
	assert.NoError(t, Verify(events))
}

type failingSink struct {
	*MemorySink
	fail bool
}

func (s *failingSink) Append(ctx context.Context, ev Event) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemorySink.Append(ctx, ev)
}

func TestRecord_FailedAppendLeavesNoGap(t *testing.T) {
	sink := &failingSink{MemorySink: NewMemorySink()}
	tr := New(sink)
	ctx := context.Background()

	_, err := tr.Record(ctx, Entry{RunID: "run-1", Action: "a"})
	require.NoError(t, err)

	sink.fail = true
	_, err = tr.Record(ctx, Entry{RunID: "run-1", Action: "b"})
	require.Error(t, err)

	sink.fail = false
	ev, err := tr.Record(ctx, Entry{RunID: "run-1", Action: "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Seq)
	assert.NoError(t, Verify(sink.Events("run-1")))
}

func TestRecord_RequiresRunID(t *testing.T) {
	tr := New(NewMemorySink())
	_, err := tr.Record(context.Background(), Entry{Action: "transition"})
	assert.Error(t, err)
}

func TestVerify_DetectsTampering(t *testing.T) {
	sink := NewMemorySink()
	tr := New(sink, WithClock(fixedNow))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := tr.Record(ctx, Entry{RunID: "run-1", Action: "transition", Output: map[string]any{"i": i}})
		require.NoError(t, err)
	}

	events := sink.Events("run-1")
	events[1].Output = json.RawMessage(`{"i":99}`)

	err := Verify(events)
	require.Error(t, err)
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Seq)
}

func TestVerify_DetectsGap(t *testing.T) {
	sink := NewMemorySink()
	tr := New(sink, WithClock(fixedNow))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := tr.Record(ctx, Entry{RunID: "run-1", Action: "transition"})
		require.NoError(t, err)
	}

	events := sink.Events("run-1")
	err := Verify([]Event{events[0], events[2]})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected seq 2")
}

func TestCanonical_KeyOrderAndEscaping(t *testing.T) {
	got, err := marshalCanonical(map[string]any{
		"b": "<tag>",
		"a": int64(1),
		"c": []any{true, "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"<tag>","c":[true,"x"]}`, string(got))

	_, err = marshalCanonical(map[string]any{"f": 1.5})
	assert.Error(t, err)
}
