package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered is returned for allowlisted names with no handler.
	ErrNotRegistered = errors.New("capability not registered")

	// ErrDuplicate is returned by Register on a name collision.
	ErrDuplicate = errors.New("capability already registered")
)

// CallError wraps a handler failure. The coordinator retries CallErrors once.
type CallError struct {
	Capability string
	RunID      string
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("capability %s failed for run %s: %v", e.Capability, e.RunID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// AuditError is returned when the attempt could not be written to the trace.
// The call result, if any, must not be used.
type AuditError struct {
	Capability string
	Err        error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("trace invoke:%s: %v", e.Capability, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a handler failure worth one retry.
// Guardrail violations, missing handlers, audit failures and cancellation
// are not.
func IsRetryable(err error) bool {
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	return !errors.Is(err, ErrNotRegistered) && !errors.Is(err, errCancelled)
}

// IsAuditFailure reports whether err wraps an *AuditError.
func IsAuditFailure(err error) bool {
	var ae *AuditError
	return errors.As(err, &ae)
}
