// Package store provides SQLite-backed persistence for resource state,
// batch records and execution traces.
//
// Tables:
//   - resources: current value of every resource
//   - batches: one audit row per processed batch, whatever its outcome
//   - trace_events: the execution trace of a batch, keyed by (batch_id, seq)
//
// # Atomicity
//
// CommitBatch writes final resource values, the batch row and its trace in
// a single SQL transaction, after checking that the resources still hold
// the pre-state the batch executed against. RecordRollback writes the batch
// row and trace but never touches resources.
//
// # Determinism
//
//   - Trace ordering uses seq (logical clock), never timestamps
//   - State, levels and witnesses are stored as RFC 8785 canonical JSON
//   - Queries order by id or seq with COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
