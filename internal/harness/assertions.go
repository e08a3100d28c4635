package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/workflow"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step=%d %s %s\n", i+1, event.Step, event.Component, event.Action)
		}
	}
	return buf.String()
}

func evaluateAssertion(trace []TraceEvent, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertTraceExcludes:
		return assertTraceExcludes(trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains checks that an event with the action exists, from the
// given component if one is named.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Action == a.Action && (a.Component == "" || event.Component == a.Component) {
			return nil
		}
	}
	expected := "action " + a.Action
	if a.Component != "" {
		expected += " from " + a.Component
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the actions appear
// in the given order. Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Action]; !seen {
			positions[event.Action] = i + 1 // 1-indexed for readability
		}
	}

	for _, action := range a.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Action == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceExcludes checks that the text appears in no event payload.
func assertTraceExcludes(trace []TraceEvent, a Assertion) error {
	for i, event := range trace {
		if strings.Contains(string(event.Input), a.Text) || strings.Contains(string(event.Output), a.Text) {
			return &AssertionError{
				Type:     AssertTraceExcludes,
				Expected: fmt.Sprintf("no payload containing %q", a.Text),
				Actual:   fmt.Sprintf("found in event %d (%s)", i+1, event.Action),
			}
		}
	}
	return nil
}

// checkExpectation compares the final run against the scenario's
// expectation and records every mismatch.
func checkExpectation(want Expectation, run workflow.Run, result *Result) {
	mismatch := func(field string, want, got any) {
		result.AddError(fmt.Sprintf("expect.%s: want %v, got %v", field, want, got))
	}

	if string(run.Phase) != want.Phase {
		mismatch("phase", want.Phase, run.Phase)
	}
	if want.Reason != "" && run.Reason != want.Reason {
		mismatch("reason", fmt.Sprintf("%q", want.Reason), fmt.Sprintf("%q", run.Reason))
	}
	if want.Cause != "" && string(run.Cause) != want.Cause {
		mismatch("cause", want.Cause, run.Cause)
	}
	if want.Steps != nil && run.Step != *want.Steps {
		mismatch("steps", *want.Steps, run.Step)
	}
	if want.Drafts != nil && len(run.Drafts) != *want.Drafts {
		mismatch("drafts", *want.Drafts, len(run.Drafts))
	}
	if want.ResearchLoops != nil && run.ResearchLoops != *want.ResearchLoops {
		mismatch("research_loops", *want.ResearchLoops, run.ResearchLoops)
	}
	if want.Revisions != nil && run.Revisions != *want.Revisions {
		mismatch("revisions", *want.Revisions, run.Revisions)
	}
	if want.Approved != nil {
		switch {
		case run.Decision == nil:
			mismatch("approved", *want.Approved, "no decision")
		case run.Decision.Approved != *want.Approved:
			mismatch("approved", *want.Approved, run.Decision.Approved)
		}
	}
}
