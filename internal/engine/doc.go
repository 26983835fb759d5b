// Package engine composes the batch pipeline.
//
// A Processor takes one txn.Batch through every stage in order and produces
// exactly one Result describing what happened to it:
//
//  1. validate   - structural checks, unique ids, known dependencies
//  2. graph      - dependency graph and cycle detection
//  3. conflicts  - conflict detection, resolution and reconciliation
//  4. load       - initial values from the StateSource
//  5. execute    - leveled parallel execution
//  6. prove      - linearizability proof against a serial witness
//  7. conserve   - value conservation and oracle-priced conversions
//  8. commit     - atomic persistence through commit.Manager
//
// The processor adds no scheduling or validation logic of its own. Its job
// is classification: every failure from a stage is mapped onto a single
// error taxonomy (see Code) and carried in a *BatchError with the stage,
// the offending transaction ids and the resource involved.
//
// FAILURE POLICY:
// Every failure aborts the whole batch. Failures in stages 1-3 reject the
// batch before anything runs. Failures from stage 5 on roll it back; the
// canonical resource state is never touched. Nothing is retried.
//
// Each stage runs inside an OpenTelemetry span named "synchrony.<stage>"
// under a "synchrony.batch" root span. With no tracer provider installed
// the spans are no-ops.
package engine
