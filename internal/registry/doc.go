// Package registry maps capability names to handlers and is the single
// choke point where guardrails are enforced before dispatch.
//
// Every Invoke attempt, allowed or rejected, produces exactly one trace
// event (component "registry", action "invoke:<name>"). Rejections carry the
// violated rule so the audit trail shows attempted violations, not only
// successful calls.
//
// Check order: allowlist, registration, write path, parallel slot. A
// capability that is registered but not allowlisted (or the reverse) is
// unusable, so an omission in either place fails closed.
package registry
