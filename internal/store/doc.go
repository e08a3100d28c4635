// Package store provides SQLite-backed durable storage for quill runs.
//
// The store holds three tables:
//   - trace_events: the append-only audit log, keyed by (run_id, seq)
//   - runs: the latest snapshot of each run, for status queries and recovery
//   - approvals: write-once approval decisions
//
// # Ordering
//
// Trace reads are always ORDER BY seq ASC. The seq column is the tracer's
// logical clock; timestamps are informational and never used for ordering.
//
// # Idempotency
//
// Appending an event whose (run_id, seq) already exists is accepted only if
// the stored hash is identical, so a retried write is harmless while a
// conflicting rewrite of history fails.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
