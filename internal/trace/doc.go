// Package trace records the audit log of a run.
//
// Every action the core takes (phase transitions, capability dispatches,
// registry attempts, approval decisions) becomes exactly one Event. Events
// for a run are totally ordered by a gap-free sequence number that starts at
// 1 and reflects the order in which the caller committed to the action, not
// the order in which the underlying work finished.
//
// PII masking happens before an event reaches the Sink. The masker works on
// a JSON round-trip of the payload, which is a deep copy, so callers keep
// their original values. A masking problem never drops or blocks an event;
// the event is recorded with PartiallyMasked set.
//
// Each event carries the hash of its predecessor, making the log
// tamper-evident: Verify recomputes the chain from the stored events.
//
//	Hash = SHA256("quill/trace/v1" || 0x00 || canonical(event without Hash))
package trace
