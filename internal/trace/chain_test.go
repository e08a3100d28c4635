package trace

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_UTF16Ordering(t *testing.T) {
	// U+E000 sorts after U+1F600 in UTF-16 (0xE000 > 0xD83D), the reverse
	// of code point order.
	got, err := marshalCanonical(map[string]any{"\uE000": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uE000\":1}", string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed, err := marshalCanonical("e\u0301")
	require.NoError(t, err)
	composed, err := marshalCanonical("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"null", nil},
		{"float", 1.5},
		{"nested null", map[string]any{"a": []any{nil}}},
		{"struct", struct{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := marshalCanonical(tt.value)
			assert.Error(t, err)
		})
	}
}

func chainedEvents(t *testing.T, n int) []Event {
	t.Helper()
	events := make([]Event, n)
	prev := ""
	for i := range events {
		ev := Event{
			RunID:     "run-1",
			Seq:       int64(i + 1),
			Timestamp: time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
			Component: ComponentCoordinator,
			Action:    "transition",
			Input:     json.RawMessage(`{}`),
			Output:    json.RawMessage(`{"to":"planning"}`),
			Success:   true,
			Step:      i + 1,
			PrevHash:  prev,
		}
		h, err := ComputeHash(ev)
		require.NoError(t, err)
		ev.Hash = h
		prev = h
		events[i] = ev
	}
	return events
}

func TestComputeHash_Deterministic(t *testing.T) {
	events := chainedEvents(t, 1)

	again, err := ComputeHash(events[0])
	require.NoError(t, err)
	assert.Equal(t, events[0].Hash, again)
	assert.Len(t, again, 64)

	events[0].Hash = "ignored"
	again, err = ComputeHash(events[0])
	require.NoError(t, err)
	assert.NotEqual(t, "ignored", again)
}

func TestComputeHash_CoversEveryField(t *testing.T) {
	base := chainedEvents(t, 1)[0]
	mutations := map[string]func(*Event){
		"run_id":           func(e *Event) { e.RunID = "run-2" },
		"seq":              func(e *Event) { e.Seq = 9 },
		"timestamp":        func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		"component":        func(e *Event) { e.Component = ComponentRegistry },
		"action":           func(e *Event) { e.Action = "decision" },
		"input":            func(e *Event) { e.Input = json.RawMessage(`{"x":1}`) },
		"output":           func(e *Event) { e.Output = json.RawMessage(`{}`) },
		"success":          func(e *Event) { e.Success = false },
		"partially_masked": func(e *Event) { e.PartiallyMasked = true },
		"step":             func(e *Event) { e.Step = 7 },
		"prev_hash":        func(e *Event) { e.PrevHash = "abc" },
	}
	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			ev := base
			mutate(&ev)
			h, err := ComputeHash(ev)
			require.NoError(t, err)
			assert.NotEqual(t, base.Hash, h)
		})
	}
}

func TestVerify_Chain(t *testing.T) {
	t.Run("intact", func(t *testing.T) {
		assert.NoError(t, Verify(chainedEvents(t, 4)))
	})

	t.Run("empty", func(t *testing.T) {
		assert.NoError(t, Verify(nil))
	})

	t.Run("rehashed link", func(t *testing.T) {
		events := chainedEvents(t, 3)
		events[1].Output = json.RawMessage(`{"to":"completed"}`)
		h, err := ComputeHash(events[1])
		require.NoError(t, err)
		events[1].Hash = h
		var chainErr *ChainError
		require.ErrorAs(t, Verify(events), &chainErr)
		assert.Equal(t, int64(3), chainErr.Seq)
		assert.Contains(t, chainErr.Error(), "prev_hash")
	})
}
