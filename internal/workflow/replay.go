package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/trace"
)

// CallRecord is one capability attempt reconstructed from the trace.
type CallRecord struct {
	Seq        int64  `json:"seq"`
	Step       int    `json:"step"`
	Capability string `json:"capability"`
	Success    bool   `json:"success"`
	Outcome    string `json:"outcome"`
	Rule       string `json:"rule,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Replay is the run history reconstructed from a trace.
type Replay struct {
	RunID       string       `json:"run_id"`
	Phase       Phase        `json:"phase"`
	Step        int          `json:"step"`
	Terminal    bool         `json:"terminal"`
	Reason      string       `json:"reason,omitempty"`
	Transitions []Transition `json:"transitions"`
	Calls       []CallRecord `json:"calls"`
	Decisions   int          `json:"decisions"`
}

// ReplayTrace rebuilds the transition and call history of a run from its
// events. It verifies the hash chain first; a tampered trace is an error.
func ReplayTrace(events []trace.Event) (Replay, error) {
	if err := trace.Verify(events); err != nil {
		return Replay{}, err
	}
	rp := Replay{
		Phase:       PhasePlanning,
		Transitions: []Transition{},
		Calls:       []CallRecord{},
	}
	for _, ev := range events {
		rp.RunID = ev.RunID
		if ev.Step > rp.Step {
			rp.Step = ev.Step
		}
		switch {
		case ev.Component == trace.ComponentCoordinator && ev.Action == "transition":
			t, err := decodeTransition(ev)
			if err != nil {
				return Replay{}, err
			}
			if t.From != rp.Phase {
				return Replay{}, fmt.Errorf("seq %d: transition from %s but run is in %s", ev.Seq, t.From, rp.Phase)
			}
			rp.Transitions = append(rp.Transitions, t)
			rp.Phase = t.To
			if t.To.Terminal() {
				rp.Terminal = true
				rp.Reason = t.Reason
			}
		case ev.Component == trace.ComponentRegistry && strings.HasPrefix(ev.Action, "invoke:"):
			var out struct {
				Outcome string `json:"outcome"`
				Rule    string `json:"rule"`
				Error   string `json:"error"`
			}
			if err := ev.Decode(&out); err != nil {
				return Replay{}, fmt.Errorf("seq %d: decode invoke output: %w", ev.Seq, err)
			}
			rp.Calls = append(rp.Calls, CallRecord{
				Seq:        ev.Seq,
				Step:       ev.Step,
				Capability: strings.TrimPrefix(ev.Action, "invoke:"),
				Success:    ev.Success,
				Outcome:    out.Outcome,
				Rule:       out.Rule,
				Error:      out.Error,
			})
		case ev.Component == trace.ComponentApproval && ev.Action == "decision":
			rp.Decisions++
		}
	}
	return rp, nil
}

func decodeTransition(ev trace.Event) (Transition, error) {
	var in struct {
		From Phase `json:"from"`
		To   Phase `json:"to"`
	}
	if err := json.Unmarshal(ev.Input, &in); err != nil {
		return Transition{}, fmt.Errorf("seq %d: decode transition input: %w", ev.Seq, err)
	}
	var out struct {
		Reason string `json:"reason"`
	}
	if err := ev.Decode(&out); err != nil {
		return Transition{}, fmt.Errorf("seq %d: decode transition output: %w", ev.Seq, err)
	}
	if !in.From.Valid() || !in.To.Valid() {
		return Transition{}, fmt.Errorf("seq %d: unknown phase in %s -> %s", ev.Seq, in.From, in.To)
	}
	return Transition{
		From:   in.From,
		To:     in.To,
		Step:   ev.Step,
		Seq:    ev.Seq,
		Reason: out.Reason,
		At:     ev.Timestamp,
	}, nil
}
