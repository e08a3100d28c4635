package harness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/testutil"
	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

// timeoutApproval is the approval timeout of scenarios in timeout mode.
const timeoutApproval = 20 * time.Millisecond

// pollInterval is how often reject mode looks for the pending approval.
const pollInterval = time.Millisecond

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh registry, tracer, gate and coordinator
// with an in-memory trace sink. An error means the scenario could not run at
// all; expectation mismatches are reported through Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	p, err := scenario.policy()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	opts := scenario.options()

	sink := trace.NewMemorySink()
	clock := testutil.NewDeterministicClock(testutil.Epoch, time.Second)
	tr := trace.New(sink, trace.WithClock(clock.Now))

	reg := registry.New(p, tr)
	sc := newScript(scenario.Capabilities)
	if err := sc.register(reg, opts.Capabilities); err != nil {
		return nil, err
	}

	// The gate gets its own clock: decision timestamps are part of the
	// decision payload and must not depend on goroutine scheduling.
	gateClock := testutil.NewDeterministicClock(testutil.Epoch, time.Second)
	gateOpts := []approval.Option{approval.WithClock(gateClock.Now)}
	if scenario.approvalMode() == ApprovalApprove {
		gateOpts = append(gateOpts, approval.WithAutoApprove(true))
	}
	gate := approval.NewGate(gateOpts...)

	coord, err := workflow.New(reg, tr, gate,
		workflow.WithOptions(opts),
		workflow.WithTraceReader(sink),
		workflow.WithIDGenerator(workflow.NewFixedGenerator(scenario.Name)),
		workflow.WithClock(clock.Now),
	)
	if err != nil {
		return nil, err
	}
	defer coord.Close()

	run, err := coord.Start(ctx, scenario.Request)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if scenario.approvalMode() == ApprovalReject {
		if err := rejectWhenPending(ctx, coord, run.ID); err != nil {
			return nil, err
		}
	}
	run, err = coord.Wait(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("wait for run: %w", err)
	}

	events, err := coord.Trace(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	result := NewResult()
	result.Run = run
	result.Trace = normalize(events)
	for _, role := range []string{RolePlan, RoleResearch, RoleWrite, RoleCritique} {
		result.Calls[role] = sc.callCount(role)
	}

	if err := trace.Verify(events); err != nil {
		result.AddError(fmt.Sprintf("trace verification: %v", err))
	}
	checkExpectation(scenario.Expect, run, result)
	for _, a := range scenario.Assertions {
		if err := evaluateAssertion(result.Trace, a); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

// rejectWhenPending submits a rejection as soon as the run waits for
// approval. It returns once the rejection is in or the run has ended
// without asking.
func rejectWhenPending(ctx context.Context, coord *workflow.Coordinator, runID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		for _, p := range coord.Pending() {
			if p.RunID == runID {
				_, err := coord.Approve(ctx, runID, false, "rejected by scenario", "harness")
				return err
			}
		}
		run, err := coord.Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Terminal {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scenario) policy() (*policy.Policy, error) {
	var opts []policy.Option
	if o := s.Policy; o != nil {
		if len(o.Allowlist) > 0 {
			opts = append(opts, policy.WithAllowlist(o.Allowlist...))
		}
		if o.MaxSteps != nil {
			opts = append(opts, policy.WithMaxSteps(*o.MaxSteps))
		}
		if o.MaxParallel != nil {
			opts = append(opts, policy.WithMaxParallel(*o.MaxParallel))
		}
	}
	return policy.New(opts...)
}

func (s *Scenario) options() workflow.Options {
	opts := workflow.DefaultOptions()
	if o := s.Options; o != nil {
		if o.AcceptanceThreshold != nil {
			opts.AcceptanceThreshold = *o.AcceptanceThreshold
		}
		if o.MaxResearchLoops != nil {
			opts.MaxResearchLoops = *o.MaxResearchLoops
		}
		if o.MaxRevisions != nil {
			opts.MaxRevisions = *o.MaxRevisions
		}
	}
	if s.approvalMode() == ApprovalTimeout {
		opts.ApprovalTimeout = timeoutApproval
	}
	return opts
}

// normalize converts events to TraceEvents and sorts each block of
// consecutive registry events with the same action, which is where
// concurrent research calls land in nondeterministic order.
func normalize(events []trace.Event) []TraceEvent {
	out := make([]TraceEvent, len(events))
	for i, ev := range events {
		out[i] = newTraceEvent(ev)
	}
	for start := 0; start < len(out); {
		end := start + 1
		for end < len(out) && out[end].Component == string(trace.ComponentRegistry) &&
			out[end].Component == out[start].Component && out[end].Action == out[start].Action {
			end++
		}
		if end-start > 1 {
			block := out[start:end]
			sort.SliceStable(block, func(i, j int) bool {
				if block[i].Step != block[j].Step {
					return block[i].Step < block[j].Step
				}
				return string(block[i].Input) < string(block[j].Input)
			})
		}
		start = end
	}
	return out
}
