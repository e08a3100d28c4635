// Package workflow implements the run coordinator: a deterministic phase
// machine that sequences capability calls through the registry, enforces the
// step budget and loop bounds, traces every transition, and gates the final
// artifact behind the approval gate.
//
// # Phases
//
//	Planning -> Researching -> Writing -> Critiquing -> {Revising | AwaitingApproval}
//	Researching -> Planning   (missing information, bounded by MaxResearchLoops)
//	Revising -> Critiquing    (bounded by MaxRevisions and the step budget)
//	AwaitingApproval -> {Completed | Rejected}
//	any non-terminal -> Failed
//
// # Steps
//
// Every transition and every capability call takes exactly one step. A step
// the budget refuses fails the run with reason "step budget exceeded"; that
// final transition is recorded at the current step, so the counter never
// passes the limit.
//
// # Ownership
//
// A run is owned by one runner goroutine. Capabilities return values; only
// the runner applies them to the run. Callers only ever see copies.
//
// # Trace
//
// Each transition is written to the tracer before the run moves on. Dispatch
// events are recorded in the order the runner commits to them, so sequence
// numbers reflect commit order even when concurrent calls complete out of
// order.
package workflow
