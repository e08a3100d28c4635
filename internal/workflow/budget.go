package workflow

import "github.com/roach88/quill/internal/policy"

// StepBudget tracks the step counter of one run against the policy's limit.
//
// Unlike a check-then-fail quota, a refused step is never counted: the
// counter stays at the last granted step so it can never exceed the limit.
type StepBudget struct {
	policy  *policy.Policy
	current int
}

// NewStepBudget creates a budget starting after step current.
func NewStepBudget(p *policy.Policy, current int) *StepBudget {
	return &StepBudget{policy: p, current: current}
}

// Next grants the next step or returns a step_budget Violation.
func (b *StepBudget) Next() (int, error) {
	if err := b.policy.CheckStep(b.current + 1); err != nil {
		return b.current, err
	}
	b.current++
	return b.current, nil
}

// Reserve checks that n more steps fit without taking them.
func (b *StepBudget) Reserve(n int) error {
	return b.policy.CheckStep(b.current + n)
}

// Current returns the last granted step.
func (b *StepBudget) Current() int { return b.current }

// Max returns the limit.
func (b *StepBudget) Max() int { return b.policy.MaxSteps() }
