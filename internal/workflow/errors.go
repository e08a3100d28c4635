package workflow

import (
	"errors"
	"fmt"
)

// ErrorCode categorises why a run left the happy path.
type ErrorCode string

const (
	// CodePolicyViolation: a guardrail rejected an action. Never retried.
	CodePolicyViolation ErrorCode = "POLICY_VIOLATION"

	// CodeCapabilityFailure: a handler failed or returned an invalid result
	// twice.
	CodeCapabilityFailure ErrorCode = "CAPABILITY_FAILURE"

	// CodeLoopExhausted: the research or revision loop hit its bound. Ends
	// the run Rejected, not Failed.
	CodeLoopExhausted ErrorCode = "LOOP_EXHAUSTED"

	// CodeApprovalTimeout: no decision arrived in time; the default applied.
	CodeApprovalTimeout ErrorCode = "APPROVAL_TIMEOUT"

	// CodeCancelled: the run was cancelled while active.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeTraceFailure: a trace event could not be written.
	CodeTraceFailure ErrorCode = "TRACE_FAILURE"

	// CodeInvalidTransition: the runner tried an undeclared edge.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeInterrupted: the process stopped while the run was active.
	CodeInterrupted ErrorCode = "INTERRUPTED"
)

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("run not found")

	// ErrRunActive is returned when deleting a run that has not terminated.
	ErrRunActive = errors.New("run is still active")

	// ErrInvalidRequest is returned for empty or malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// RuntimeError is a classified run failure.
type RuntimeError struct {
	Code       ErrorCode
	Message    string
	RunID      string
	Phase      Phase
	Capability string
	Err        error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run=%s, phase=%s)", e.Code, e.Message, e.RunID, e.Phase)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// CodeOf returns the code of the RuntimeError wrapped by err, or "".
func CodeOf(err error) ErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelled
}

func newInvalidTransition(runID string, from, to Phase) *RuntimeError {
	return &RuntimeError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("undeclared transition %s -> %s", from, to),
		RunID:   runID,
		Phase:   from,
	}
}
