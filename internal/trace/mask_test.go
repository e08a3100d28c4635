package trace

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskString_DefaultPatterns(t *testing.T) {
	m := DefaultMasker()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"email", "contact alice@example.com today", "contact [MASKED] today"},
		{"phone", "call 090-1234-5678 now", "call [MASKED] now"},
		{"us phone", "call 555-123-4567", "call [MASKED]"},
		{"card", "card 4111-1111-1111-1111 on file", "card [MASKED] on file"},
		{"account", "acct 123456789012", "acct [MASKED]"},
		{"clean", "nothing to see", "nothing to see"},
		{"date untouched", "due 2026-10-15", "due 2026-10-15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, partial := m.MaskString(tt.in)
			assert.Equal(t, tt.want, got)
			assert.False(t, partial)
		})
	}
}

func TestMaskPayload_FieldRules(t *testing.T) {
	m := DefaultMasker()

	payload := map[string]any{
		"Email":          "someone",
		"account-number": 42,
		"nested": map[string]any{
			"password": "hunter2",
			"note":     "mail bob@corp.io",
		},
		"list": []any{"x@y.com", 7},
	}

	raw, partial, err := m.MaskPayload(payload)
	require.NoError(t, err)
	assert.False(t, partial)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "[MASKED]", got["Email"])
	assert.Equal(t, "[MASKED]", got["account-number"])
	nested := got["nested"].(map[string]any)
	assert.Equal(t, "[MASKED]", nested["password"])
	assert.Equal(t, "mail [MASKED]", nested["note"])
	assert.Equal(t, []any{"[MASKED]", float64(7)}, got["list"])
}

func TestMaskPayload_LeavesOriginalUntouched(t *testing.T) {
	m := DefaultMasker()

	type request struct {
		Customer string   `json:"customer"`
		Contacts []string `json:"contacts"`
	}
	in := request{Customer: "alice@example.com", Contacts: []string{"555-123-4567"}}
	nested := map[string]any{"email": "bob@example.com"}

	_, _, err := m.MaskPayload(in)
	require.NoError(t, err)
	_, _, err = m.MaskPayload(nested)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", in.Customer)
	assert.Equal(t, "555-123-4567", in.Contacts[0])
	assert.Equal(t, "bob@example.com", nested["email"])
}

func TestMaskPayload_Idempotent(t *testing.T) {
	m := DefaultMasker()

	payloads := []any{
		map[string]any{"email": "a@b.com", "text": "call 090-1234-5678 or a@b.com"},
		[]any{"4111 1111 1111 1111", "plain", 1234567890123},
		"ssn-like 123456789 near x@y.org",
		map[string]any{"draft": strings.Repeat("z@q.io ", 20000)},
	}

	for i, p := range payloads {
		once, _, err := m.MaskPayload(p)
		require.NoError(t, err, "payload %d", i)

		var decoded any
		require.NoError(t, json.Unmarshal(once, &decoded))
		twice, _, err := m.MaskPayload(decoded)
		require.NoError(t, err, "payload %d", i)

		assert.JSONEq(t, string(once), string(twice), "payload %d", i)
	}
}

func TestMaskString_TruncatesOversizedInput(t *testing.T) {
	m, err := NewMasker(MaskConfig{MaxScanBytes: 64})
	require.NoError(t, err)

	in := strings.Repeat("a", 200)
	got, partial := m.MaskString(in)

	assert.True(t, partial)
	assert.LessOrEqual(t, len(got), 64)
	assert.True(t, strings.HasSuffix(got, TruncatedMarker))

	again, partialAgain := m.MaskString(got)
	assert.Equal(t, got, again)
	assert.False(t, partialAgain)
}

func TestMaskPayload_UnserializableIsFlagged(t *testing.T) {
	m := DefaultMasker()

	raw, partial, err := m.MaskPayload(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
	assert.True(t, partial)
	assert.Contains(t, string(raw), "unserializable")
}

func TestNewMasker_RejectsPatternMatchingMarker(t *testing.T) {
	_, err := NewMasker(MaskConfig{
		Patterns: []PatternRule{{Name: "greedy", Expr: `MASKED`}},
	})
	assert.Error(t, err)
}

func TestNewMasker_InvalidPattern(t *testing.T) {
	_, err := NewMasker(MaskConfig{
		Patterns: []PatternRule{{Name: "broken", Expr: `(`}},
	})
	assert.Error(t, err)
}

func TestMaskString_GrowthStaysWithinLimit(t *testing.T) {
	m, err := NewMasker(MaskConfig{
		Patterns:     DefaultPatterns,
		MaxScanBytes: 70,
	})
	require.NoError(t, err)

	// Exactly at the limit before masking; each address grows when masked.
	in := strings.Repeat("a@b.cc ", 10)
	require.Len(t, in, 70)

	once, partial := m.MaskString(in)
	assert.True(t, partial)
	assert.LessOrEqual(t, len(once), 70)
	assert.True(t, strings.HasSuffix(once, TruncatedMarker))
	assert.NotContains(t, once, "[MASK[")
	assert.NotContains(t, once, "@")

	twice, partialAgain := m.MaskString(once)
	assert.Equal(t, once, twice)
	assert.False(t, partialAgain)
}

func TestMaskString_CutNeverSplitsMatch(t *testing.T) {
	m, err := NewMasker(MaskConfig{
		Patterns:     DefaultPatterns,
		MaxScanBytes: 40,
	})
	require.NoError(t, err)

	in := "reach me at john.doe@example.com or later, thanks"
	got, partial := m.MaskString(in)

	assert.True(t, partial)
	assert.LessOrEqual(t, len(got), 40)
	assert.NotContains(t, got, "john")
	assert.NotContains(t, got, "@")
	assert.Equal(t, "reach me at "+TruncatedMarker, got)
}

func TestMaskString_CutRespectsRuneBoundary(t *testing.T) {
	m, err := NewMasker(MaskConfig{MaxScanBytes: 20})
	require.NoError(t, err)

	got, partial := m.MaskString(strings.Repeat("é", 30))

	assert.True(t, partial)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 20)
}
