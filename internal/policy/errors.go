package policy

import (
	"errors"
	"fmt"
)

// Rule names the guardrail a Violation refers to.
type Rule string

const (
	// RuleAllowlist rejects capabilities missing from the allowlist.
	RuleAllowlist Rule = "capability_allowlist"

	// RuleStepBudget rejects steps beyond the configured maximum.
	RuleStepBudget Rule = "step_budget"

	// RuleParallelism rejects calls beyond the in-flight budget of a run.
	RuleParallelism Rule = "parallelism_budget"

	// RuleWritePath rejects writes outside the writable prefix.
	RuleWritePath Rule = "write_path"
)

// Violation is returned when a guardrail rejects an action.
// Violations are never retried.
type Violation struct {
	Rule       Rule
	Capability string
	Message    string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Capability != "" {
		return fmt.Sprintf("policy violation [%s]: %s (capability=%s)", v.Rule, v.Message, v.Capability)
	}
	return fmt.Sprintf("policy violation [%s]: %s", v.Rule, v.Message)
}

// IsViolation reports whether err wraps a *Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// AsViolation extracts the *Violation wrapped by err, if any.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
