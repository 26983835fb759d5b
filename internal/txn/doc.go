// Package txn defines the transaction model consumed by the execution engine.
//
// A Transaction is an ordered list of guarded operations over named
// resources together with its declared read set, write set and per-resource
// value deltas. Transactions arrive here already validated individually by
// the upstream verifier; this package only checks their structural
// well-formedness and defines how their operations mutate a state.
//
// All amounts are int64 minor units. No float types appear anywhere in the
// model; decimal inputs are normalized by package fixedpoint before a
// Transaction is constructed.
//
// Resource identifiers of the form "owner:ASSET" belong to the asset class
// ASSET; identifiers without a colon belong to DefaultAsset.
package txn
