// Package executor runs a leveled batch of transactions in parallel.
//
// Levels come from graph.IndependentSets and run strictly in order. Within
// a level every transaction gets its own copy-on-write snapshot of the
// merged state, so workers never share mutable data. When the level
// finishes, the executor alone merges the snapshots' writes back in
// lexicographic id order.
//
// The only lock in the package guards the execution trace.
//
// Failure handling:
//   - a transaction failure drops that transaction's writes, lets the rest of
//     the level finish and stops before the next level (*TxnError)
//   - a level that exceeds its timeout is cancelled and none of its writes
//     are merged (*TimeoutError)
package executor
