package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePlanning, PhaseResearching, true},
		{PhasePlanning, PhaseRejected, true},
		{PhasePlanning, PhaseWriting, false},
		{PhaseResearching, PhasePlanning, true},
		{PhaseResearching, PhaseWriting, true},
		{PhaseWriting, PhaseCritiquing, true},
		{PhaseWriting, PhaseAwaitingApproval, false},
		{PhaseCritiquing, PhaseRevising, true},
		{PhaseCritiquing, PhaseAwaitingApproval, true},
		{PhaseRevising, PhaseCritiquing, true},
		{PhaseAwaitingApproval, PhaseCompleted, true},
		{PhaseAwaitingApproval, PhaseRevising, false},
		{PhaseCompleted, PhaseFailed, false},
		{PhaseRejected, PhasePlanning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestFailedReachableFromEveryActivePhase(t *testing.T) {
	for _, p := range Phases {
		assert.Equal(t, !p.Terminal(), CanTransition(p, PhaseFailed), p)
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("awaiting_approval")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingApproval, p)

	_, err = ParsePhase("drafting")
	assert.Error(t, err)
}
