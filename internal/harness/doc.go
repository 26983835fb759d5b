// Package harness runs conformance scenarios against the batch engine.
//
// A scenario is a YAML file holding a batch in the same format the loader
// reads, an optional oracle setup and a list of assertions:
//
//	name: independent_pair
//	description: disjoint transfers share a level and both commit
//	batch_id: scenario-a
//	batch:
//	  scale: 2
//	  state: {X: "100.00", Z: "50.00"}
//	  transactions:
//	    - id: T1
//	      ops: [{kind: transfer, resource: X, to: Y, amount: "10.00"}]
//	assertions:
//	  - type: status
//	    status: committed
//
// Every run uses a fresh SQLite store, a frozen clock and a fixed batch
// id, so the same scenario always produces the same snapshot. Snapshots
// are compared against golden files under testdata/golden.
//
// With reorder set, the batch is also submitted with its transactions in
// reverse order and both runs must produce identical snapshots.
package harness
