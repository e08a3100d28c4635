package workflow

import "fmt"

// Phase is a named stage of the run state machine.
type Phase string

const (
	PhasePlanning         Phase = "planning"
	PhaseResearching      Phase = "researching"
	PhaseWriting          Phase = "writing"
	PhaseCritiquing       Phase = "critiquing"
	PhaseRevising         Phase = "revising"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseCompleted        Phase = "completed"
	PhaseRejected         Phase = "rejected"
	PhaseFailed           Phase = "failed"
)

// Phases lists every phase in workflow order.
var Phases = []Phase{
	PhasePlanning,
	PhaseResearching,
	PhaseWriting,
	PhaseCritiquing,
	PhaseRevising,
	PhaseAwaitingApproval,
	PhaseCompleted,
	PhaseRejected,
	PhaseFailed,
}

// transitions is the declared edge set. Failed is reachable from every
// non-terminal phase and is added in CanTransition.
var transitions = map[Phase][]Phase{
	PhasePlanning:         {PhaseResearching, PhaseRejected},
	PhaseResearching:      {PhaseWriting, PhasePlanning, PhaseRejected},
	PhaseWriting:          {PhaseCritiquing},
	PhaseCritiquing:       {PhaseRevising, PhaseAwaitingApproval, PhaseRejected},
	PhaseRevising:         {PhaseCritiquing},
	PhaseAwaitingApproval: {PhaseCompleted, PhaseRejected},
}

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected || p == PhaseFailed
}

// Valid reports whether p is a declared phase.
func (p Phase) Valid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is a declared edge.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParsePhase converts a phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}
