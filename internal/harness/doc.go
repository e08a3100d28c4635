// Package harness runs scripted workflow scenarios.
//
// A scenario is a YAML file that describes one request, the answers each
// capability gives on every call, the approval behaviour, and the expected
// outcome. The harness drives a real Coordinator over an in-memory trace
// sink, so guardrails, retries, loop limits and masking all behave exactly
// as in production; only the capabilities are scripted.
//
// # Scenario Format
//
//	name: revision_then_approve
//	description: "A weak first draft is revised once"
//	request:
//	  request: "Write a proposal for the pricing page"
//	approval: approve            # approve | reject | timeout
//	options:
//	  max_revisions: 2
//	policy:
//	  max_steps: 30
//	capabilities:
//	  plan:
//	    - result: { requirements: [pricing], search_topics: [pricing] }
//	  research:
//	    - topic: pricing
//	      result: { findings: [{ content: "...", source: "pricing.md", covers: [pricing] }] }
//	  write:
//	    - result: { content: "draft one" }
//	  critique:
//	    - result: { score: 50, issues: [{ severity: medium, description: "thin" }] }
//	    - result: { score: 90 }
//	expect:
//	  phase: completed
//	  drafts: 2
//	assertions:
//	  - type: trace_count
//	    action: invoke:critique
//	    count: 2
//
// Call i of a capability gets response i; the last response repeats. Research
// responses may name a topic so concurrent research calls stay deterministic.
// A response with error fails the call, and invalid: true hands the raw
// decoded value back so the coordinator rejects it as an invalid result.
//
// # Assertion Types
//
//   - trace_contains: an event with the action exists (optionally component)
//   - trace_order: the actions appear in this order
//   - trace_count: the action appears exactly count times
//   - trace_excludes: the text appears in no event payload
//
// # Deterministic Testing
//
// Runs use a fixed run id (the scenario name), a deterministic wall clock for
// the approval gate, and a snapshot that drops hashes and timestamps and sorts
// events of concurrent research calls. The same scenario therefore always
// produces a byte-identical snapshot for golden comparison.
package harness
