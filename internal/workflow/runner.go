package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/trace"
)

// runner drives one run. It is the only writer of its Run.
type runner struct {
	c         *Coordinator
	run       *Run
	budget    *StepBudget
	persisted bool
	// recovered runs were started by a previous process.
	recovered bool
}

func (c *Coordinator) newRunner(run *Run) *runner {
	return &runner{
		c:      c,
		run:    run,
		budget: NewStepBudget(c.registry.Policy(), run.Step),
	}
}

// loop advances the run until it reaches a terminal phase. Every error ends
// the run in Failed; business outcomes (Rejected) are plain transitions.
func (r *runner) loop(ctx context.Context) {
	for !r.run.Terminal {
		var err error
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = r.advance(ctx)
		}
		if err != nil {
			r.fail(ctx, err)
		}
	}
}

func (r *runner) advance(ctx context.Context) error {
	switch r.run.Phase {
	case PhasePlanning:
		return r.plan(ctx)
	case PhaseResearching:
		return r.research(ctx)
	case PhaseWriting:
		return r.write(ctx)
	case PhaseCritiquing:
		return r.critique(ctx)
	case PhaseRevising:
		return r.revise(ctx)
	case PhaseAwaitingApproval:
		return r.awaitApproval(ctx)
	default:
		return &RuntimeError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("no handler for phase %q", r.run.Phase),
			RunID:   r.run.ID,
			Phase:   r.run.Phase,
		}
	}
}

func (r *runner) plan(ctx context.Context) error {
	in := PlanInput{
		Request:       r.run.Request.Request,
		Context:       r.run.Request.Context,
		MissingTopics: append([]string{}, r.run.MissingTopics...),
		Attempt:       r.run.ResearchLoops + 1,
	}
	outs, err := callTyped[PlanOutput](ctx, r, r.c.opts.Capabilities.Plan, []any{in}, nil)
	if err != nil {
		return err
	}
	p := outs[0]
	if p.Unanswerable {
		return r.transition(ctx, PhaseRejected, "unplannable request", "")
	}

	r.run.Requirements = dedupe(p.Requirements)
	r.run.Tasks = append([]Task{}, p.Tasks...)
	r.run.SearchTopics = dedupe(p.SearchTopics)
	return r.transition(ctx, PhaseResearching,
		fmt.Sprintf("%d requirements, %d search topics", len(r.run.Requirements), len(r.run.SearchTopics)), "")
}

func (r *runner) research(ctx context.Context) error {
	topics := r.run.SearchTopics
	inputs := make([]any, len(topics))
	for i, topic := range topics {
		inputs[i] = ResearchInput{
			Request:      r.run.Request.Request,
			Topic:        topic,
			Requirements: append([]string{}, r.run.Requirements...),
		}
	}
	outs, err := callTyped[ResearchOutput](ctx, r, r.c.opts.Capabilities.Research, inputs, nil)
	if err != nil {
		return err
	}

	var missing []string
	for i, out := range outs {
		for _, f := range out.Findings {
			if f.Topic == "" {
				f.Topic = topics[i]
			}
			f.Covers = append([]string(nil), f.Covers...)
			r.run.Findings = append(r.run.Findings, f)
		}
		missing = append(missing, out.Missing...)
	}

	covered := make(map[string]bool)
	for _, f := range r.run.Findings {
		for _, req := range f.Covers {
			covered[normalizeKey(req)] = true
		}
	}
	for _, req := range r.run.Requirements {
		if !covered[normalizeKey(req)] {
			missing = append(missing, req)
		}
	}
	missing = dedupe(missing)

	if len(missing) == 0 {
		r.run.MissingTopics = []string{}
		return r.transition(ctx, PhaseWriting, "evidence covers every requirement", "")
	}

	r.run.MissingTopics = missing
	r.run.ResearchLoops++
	if r.run.ResearchLoops >= r.c.opts.MaxResearchLoops {
		return r.transition(ctx, PhaseRejected, "insufficient information exhausted", CodeLoopExhausted)
	}
	return r.transition(ctx, PhasePlanning, "missing information: "+strings.Join(missing, ", "), "")
}

func (r *runner) write(ctx context.Context) error {
	in := WriteInput{
		Request:      r.run.Request.Request,
		Context:      r.run.Request.Context,
		Requirements: append([]string{}, r.run.Requirements...),
		Findings:     append([]Finding{}, r.run.Findings...),
		Version:      len(r.run.Drafts) + 1,
	}
	version, err := r.draft(ctx, in)
	if err != nil {
		return err
	}
	return r.transition(ctx, PhaseCritiquing, fmt.Sprintf("draft v%d produced", version), "")
}

func (r *runner) revise(ctx context.Context) error {
	latest, _ := r.run.LatestDraft()
	var issues []Issue
	if r.run.Critique != nil {
		issues = append(issues, r.run.Critique.Issues...)
	}
	in := WriteInput{
		Request:      r.run.Request.Request,
		Context:      r.run.Request.Context,
		Requirements: append([]string{}, r.run.Requirements...),
		Findings:     append([]Finding{}, r.run.Findings...),
		Version:      len(r.run.Drafts) + 1,
		Previous:     latest.Content,
		Issues:       issues,
	}
	version, err := r.draft(ctx, in)
	if err != nil {
		return err
	}
	r.run.Revisions++
	return r.transition(ctx, PhaseCritiquing, fmt.Sprintf("draft v%d produced", version), "")
}

// draft calls the writer, optionally persists the artifact, and appends the
// new version to the draft history.
func (r *runner) draft(ctx context.Context, in WriteInput) (int, error) {
	outs, err := callTyped[Draft](ctx, r, r.c.opts.Capabilities.Write, []any{in}, nil)
	if err != nil {
		return 0, err
	}
	d := DraftVersion{
		Version:   in.Version,
		Content:   outs[0].Content,
		Step:      r.run.Step,
		CreatedAt: r.c.now().UTC(),
	}

	if r.c.opts.PersistArtifacts {
		name := fmt.Sprintf("draft_v%d.md", d.Version)
		target := filepath.Join(r.c.opts.ArtifactDir, r.run.ID, name)
		art := ArtifactInput{RunID: r.run.ID, Name: name, Content: d.Content}
		arts, err := callTyped[ArtifactOutput](ctx, r, r.c.opts.Capabilities.Artifact, []any{art}, []string{target})
		if err != nil {
			return 0, err
		}
		d.Path = arts[0].Path
	}

	r.run.Drafts = append(r.run.Drafts, d)
	return d.Version, nil
}

func (r *runner) critique(ctx context.Context) error {
	latest, ok := r.run.LatestDraft()
	if !ok {
		return &RuntimeError{Code: CodeInvalidTransition, Message: "critique without a draft", RunID: r.run.ID, Phase: r.run.Phase}
	}
	in := CritiqueInput{
		Requirements: append([]string{}, r.run.Requirements...),
		Findings:     append([]Finding{}, r.run.Findings...),
		Draft:        latest.Content,
		Version:      latest.Version,
	}
	outs, err := callTyped[Critique](ctx, r, r.c.opts.Capabilities.Critique, []any{in}, nil)
	if err != nil {
		return err
	}
	c := outs[0]
	c.Issues = append([]Issue(nil), c.Issues...)
	r.run.Critique = &c

	threshold := r.c.opts.AcceptanceThreshold
	if c.Score >= threshold && !c.HasBlocking() {
		// The approval wait and its outcome need two steps.
		if err := r.budget.Reserve(2); err != nil {
			return err
		}
		return r.transition(ctx, PhaseAwaitingApproval, fmt.Sprintf("score %d meets threshold %d", c.Score, threshold), "")
	}
	if r.run.Revisions >= r.c.opts.MaxRevisions {
		return r.transition(ctx, PhaseRejected, "revision limit exhausted", CodeLoopExhausted)
	}
	reason := fmt.Sprintf("score %d below threshold %d", c.Score, threshold)
	if c.Score >= threshold {
		reason = "blocking issues flagged"
	}
	return r.transition(ctx, PhaseRevising, reason, "")
}

func (r *runner) awaitApproval(ctx context.Context) error {
	r.c.gate.Open(r.run.ID)
	d, err := r.c.gate.Await(ctx, r.run.ID, r.c.opts.ApprovalTimeout)
	if err != nil {
		return err
	}

	_, err = r.c.recorder.Record(context.WithoutCancel(ctx), trace.Entry{
		RunID:     r.run.ID,
		Component: trace.ComponentApproval,
		Action:    "decision",
		Input:     map[string]any{"resolver": d.Resolver},
		Output:    d,
		Success:   true,
		Step:      r.run.Step,
	})
	if err != nil {
		return r.traceFailure("decision", err)
	}
	r.run.Decision = &d

	var cause ErrorCode
	if d.TimedOut {
		cause = CodeApprovalTimeout
	}

	if !d.Approved {
		reason := "rejected by " + d.Resolver
		if d.TimedOut {
			reason = "approval timed out"
		}
		return r.transition(ctx, PhaseRejected, reason, cause)
	}

	final, _ := r.run.LatestDraft()
	r.run.FinalArtifact = &final
	reason := "approved by " + d.Resolver
	if d.TimedOut {
		reason = "approval timed out; default approve"
	}
	if err := r.transition(ctx, PhaseCompleted, reason, cause); err != nil {
		r.run.FinalArtifact = nil
		return err
	}
	return nil
}

// transition moves the run along a declared edge, taking one step and
// recording the trace event before the new phase becomes visible.
func (r *runner) transition(ctx context.Context, to Phase, reason string, cause ErrorCode) error {
	from := r.run.Phase
	if !CanTransition(from, to) {
		return newInvalidTransition(r.run.ID, from, to)
	}
	step, err := r.budget.Next()
	if err != nil {
		return err
	}
	ev, err := r.recordTransition(ctx, from, to, step, reason, cause)
	if err != nil {
		return r.traceFailure("transition", err)
	}
	if to == PhaseAwaitingApproval {
		// Decisions are accepted as soon as the phase is visible.
		r.c.gate.Open(r.run.ID)
	}
	r.apply(ctx, to, step, ev.Seq, reason, cause)
	return nil
}

// terminate ends the run in to. When the budget has no step left the
// transition is recorded at the current step. A trace failure here is logged
// and the run still terminates.
func (r *runner) terminate(ctx context.Context, to Phase, reason string, cause ErrorCode) {
	step, err := r.budget.Next()
	if err != nil {
		step = r.budget.Current()
	}
	ev, err := r.recordTransition(ctx, r.run.Phase, to, step, reason, cause)
	if err != nil {
		slog.Error("terminal transition not traced", "run_id", r.run.ID, "to", to, "error", err)
	}
	r.apply(ctx, to, step, ev.Seq, reason, cause)
}

func (r *runner) fail(ctx context.Context, err error) {
	reason, cause := classify(ctx, err)
	slog.Warn("run failing", "run_id", r.run.ID, "phase", r.run.Phase, "cause", cause, "error", err)
	r.terminate(ctx, PhaseFailed, reason, cause)
}

func (r *runner) recordTransition(ctx context.Context, from, to Phase, step int, reason string, cause ErrorCode) (trace.Event, error) {
	out := map[string]any{
		"reason":   reason,
		"terminal": to.Terminal(),
	}
	if cause != "" {
		out["cause"] = string(cause)
	}
	return r.c.recorder.Record(context.WithoutCancel(ctx), trace.Entry{
		RunID:     r.run.ID,
		Component: trace.ComponentCoordinator,
		Action:    "transition",
		Input:     map[string]any{"from": string(from), "to": string(to)},
		Output:    out,
		Success:   to != PhaseFailed,
		Step:      step,
	})
}

func (r *runner) apply(ctx context.Context, to Phase, step int, seq int64, reason string, cause ErrorCode) {
	now := r.c.now().UTC()
	r.run.History = append(r.run.History, Transition{
		From:   r.run.Phase,
		To:     to,
		Step:   step,
		Seq:    seq,
		Reason: reason,
		At:     now,
	})
	r.run.Phase = to
	r.run.Step = step
	r.run.UpdatedAt = now
	if to.Terminal() {
		r.run.Terminal = true
		r.run.Reason = reason
		r.run.Cause = cause
	}
	r.publish(ctx)
	if r.c.observer != nil {
		r.c.observer.PhaseEntered(to)
	}
	slog.Debug("transition",
		"run_id", r.run.ID,
		"to", to,
		"step", step,
		"reason", reason,
	)
}

// publish makes a copy of the run visible to readers and persists it.
func (r *runner) publish(ctx context.Context) {
	r.c.mu.Lock()
	r.c.snapshots[r.run.ID] = r.run.Clone()
	r.c.mu.Unlock()

	if r.c.store == nil {
		return
	}
	rec, err := encodeRun(r.run)
	if err == nil {
		err = r.c.store.SaveRun(context.WithoutCancel(ctx), rec)
	}
	r.persisted = err == nil
	if err != nil {
		slog.Error("run snapshot not persisted", "run_id", r.run.ID, "phase", r.run.Phase, "error", err)
	}
}

func (r *runner) traceFailure(what string, err error) error {
	return &RuntimeError{
		Code:    CodeTraceFailure,
		Message: "record " + what,
		RunID:   r.run.ID,
		Phase:   r.run.Phase,
		Err:     err,
	}
}

// callBatch dispatches one call per input concurrently and returns the
// checked results in input order. Dispatch decisions are committed (step
// taken, event recorded) sequentially before any call starts. Retryable
// failures are retried once, with identical inputs, as a second batch.
func (r *runner) callBatch(ctx context.Context, capability string, inputs []any, targets []string, check func(any) (any, error)) ([]any, error) {
	results := make([]any, len(inputs))
	pending := make([]int, len(inputs))
	for i := range pending {
		pending[i] = i
	}

	for attempt := 1; len(pending) > 0; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.budget.Reserve(len(pending)); err != nil {
			return nil, err
		}

		calls := make([]registry.Call, len(pending))
		for j, i := range pending {
			step, err := r.budget.Next()
			if err != nil {
				return nil, err
			}
			r.run.Step = step
			_, err = r.c.recorder.Record(context.WithoutCancel(ctx), trace.Entry{
				RunID:     r.run.ID,
				Component: trace.ComponentCoordinator,
				Action:    "dispatch:" + capability,
				Input:     map[string]any{"capability": capability, "attempt": attempt, "index": i},
				Success:   true,
				Step:      step,
			})
			if err != nil {
				return nil, r.traceFailure("dispatch:"+capability, err)
			}
			calls[j] = registry.Call{RunID: r.run.ID, Step: step, Input: inputs[i]}
			if targets != nil {
				calls[j].TargetPath = targets[i]
			}
		}

		outs := make([]any, len(calls))
		errs := make([]error, len(calls))
		var g errgroup.Group
		for j := range calls {
			j := j
			g.Go(func() error {
				outs[j], errs[j] = r.c.registry.Invoke(ctx, capability, calls[j])
				return nil
			})
		}
		_ = g.Wait()

		var retry []int
		for j, i := range pending {
			err := errs[j]
			if err == nil {
				checked, verr := check(outs[j])
				if verr == nil {
					results[i] = checked
					continue
				}
				if _, recErr := r.c.recorder.Record(context.WithoutCancel(ctx), trace.Entry{
					RunID:     r.run.ID,
					Component: trace.ComponentCoordinator,
					Action:    "invalid_result:" + capability,
					Output:    map[string]any{"error": verr.Error()},
					Success:   false,
					Step:      calls[j].Step,
				}); recErr != nil {
					return nil, r.traceFailure("invalid_result:"+capability, recErr)
				}
				err = &registry.CallError{Capability: capability, RunID: r.run.ID, Err: fmt.Errorf("invalid result: %w", verr)}
			}
			if attempt == 1 && ctx.Err() == nil && registry.IsRetryable(err) {
				slog.Warn("capability failed, retrying once", "run_id", r.run.ID, "capability", capability, "error", err)
				retry = append(retry, i)
				continue
			}
			return nil, err
		}
		pending = retry
	}
	return results, nil
}

func callTyped[T Validator](ctx context.Context, r *runner, capability string, inputs []any, targets []string) ([]T, error) {
	raw, err := r.callBatch(ctx, capability, inputs, targets, func(v any) (any, error) {
		return asContract[T](v)
	})
	if err != nil {
		return nil, err
	}
	out := make([]T, len(raw))
	for i, v := range raw {
		out[i] = v.(T)
	}
	return out, nil
}

// classify maps a run error to its terminal reason and cause.
func classify(ctx context.Context, err error) (string, ErrorCode) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return "cancelled", CodeCancelled
	}
	if v, ok := policy.AsViolation(err); ok {
		if v.Rule == policy.RuleStepBudget {
			return "step budget exceeded", CodePolicyViolation
		}
		return "policy violation: " + string(v.Rule), CodePolicyViolation
	}
	if registry.IsAuditFailure(err) {
		return "trace write failed", CodeTraceFailure
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		if re.Code == CodeTraceFailure {
			return "trace write failed", CodeTraceFailure
		}
		return re.Message, re.Code
	}
	var ce *registry.CallError
	if errors.As(err, &ce) {
		return "capability failure: " + ce.Capability, CodeCapabilityFailure
	}
	return "internal error: " + err.Error(), CodeCapabilityFailure
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := []string{}
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" || seen[normalizeKey(s)] {
			continue
		}
		seen[normalizeKey(s)] = true
		out = append(out, s)
	}
	return out
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
