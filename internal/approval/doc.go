// Package approval implements the per-run approval gate.
//
// A run that reaches AwaitingApproval opens a slot with Open. The coordinator
// then blocks in Await until one of three things happens: an external actor
// calls Submit, the timeout elapses (the gate resolves to its default
// outcome), or the context is cancelled. Decisions are write-once.
//
// Auto-approve resolves Await immediately. It exists for non-interactive and
// test execution and is logged at Warn level when a gate is built with it.
package approval
