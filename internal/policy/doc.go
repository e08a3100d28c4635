// Package policy holds the guardrail policy shared by the capability
// registry and the workflow coordinator.
//
// A Policy is built once at process start (from options, service config or
// a CUE policy file) and is never mutated afterwards. Every accessor returns
// a copy, so a *Policy can be shared read-only across runs and goroutines.
//
// The policy answers four questions and nothing else:
//   - may this capability be invoked at all (allowlist)
//   - may the run take another step (step budget)
//   - how many capability calls may a run have in flight (parallelism budget)
//   - may a write capability target this path (writable prefix)
//
// Rejections are reported as *Violation values naming the rule.
package policy
