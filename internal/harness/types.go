package harness

import (
	"encoding/json"

	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

// TraceEvent is the deterministic view of a trace event: hashes and
// timestamps are dropped, payloads are kept as masked.
type TraceEvent struct {
	Step            int             `json:"step"`
	Component       string          `json:"component"`
	Action          string          `json:"action"`
	Success         bool            `json:"success"`
	PartiallyMasked bool            `json:"partially_masked,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
}

func newTraceEvent(ev trace.Event) TraceEvent {
	return TraceEvent{
		Step:            ev.Step,
		Component:       string(ev.Component),
		Action:          ev.Action,
		Success:         ev.Success,
		PartiallyMasked: ev.PartiallyMasked,
		Input:           nullToEmpty(ev.Input),
		Output:          nullToEmpty(ev.Output),
	}
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if the expectation and all assertions match.
	Pass bool `json:"pass"`

	// Run is the final run snapshot.
	Run workflow.Run `json:"run"`

	// Trace is the normalised trace used for assertions and golden files.
	Trace []TraceEvent `json:"trace"`

	// Calls counts handler invocations per role.
	Calls map[string]int `json:"calls"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Calls:  make(map[string]int),
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
