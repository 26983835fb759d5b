package executor

import (
	"slices"
	"sync"
	"time"
)

// EventKind is the type of a trace event.
type EventKind string

const (
	EventStart  EventKind = "START"
	EventRead   EventKind = "READ"
	EventWrite  EventKind = "WRITE"
	EventCommit EventKind = "COMMIT"
)

// Event is one entry of the execution trace.
//
// Seq is the logical order of events; At is wall time and is informational
// only.
type Event struct {
	Seq      int64     `json:"seq"`
	At       time.Time `json:"at"`
	Kind     EventKind `json:"kind"`
	TxnID    string    `json:"txn_id"`
	ThreadID int       `json:"thread_id"`
	Resource string    `json:"resource,omitempty"`
	Value    int64     `json:"value,omitempty"`
}

// Trace is an append-only, lock-protected event log shared by all workers.
type Trace struct {
	mu     sync.Mutex
	events []Event
	clock  *Clock
	now    func() time.Time
}

// NewTrace creates an empty trace stamping events from clock and now.
func NewTrace(clock *Clock, now func() time.Time) *Trace {
	if clock == nil {
		clock = NewClock()
	}
	if now == nil {
		now = time.Now
	}
	return &Trace{clock: clock, now: now}
}

// Append records an event. The sequence number is taken under the lock, so
// slice order and Seq order agree.
func (t *Trace) Append(kind EventKind, txnID string, thread int, resource string, value int64) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev := Event{
		Seq:      t.clock.Next(),
		At:       t.now(),
		Kind:     kind,
		TxnID:    txnID,
		ThreadID: thread,
		Resource: resource,
		Value:    value,
	}
	t.events = append(t.events, ev)
	return ev
}

// Events returns a copy of the recorded events in Seq order.
func (t *Trace) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events)
}

// Len returns the number of recorded events.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// observer feeds a transaction's reads and writes into the trace and keeps
// the per-transaction view the prover needs: the first value read of each
// resource (before the transaction's own writes) and the last value
// written.
type observer struct {
	trace  *Trace
	txnID  string
	thread int
	reads  map[string]int64
	writes map[string]int64
}

func newObserver(trace *Trace, txnID string, thread int) *observer {
	return &observer{
		trace:  trace,
		txnID:  txnID,
		thread: thread,
		reads:  make(map[string]int64),
		writes: make(map[string]int64),
	}
}

func (o *observer) OnRead(resource string, value int64) {
	o.trace.Append(EventRead, o.txnID, o.thread, resource, value)
	if _, own := o.writes[resource]; own {
		return
	}
	if _, seen := o.reads[resource]; !seen {
		o.reads[resource] = value
	}
}

func (o *observer) OnWrite(resource string, value int64) {
	o.trace.Append(EventWrite, o.txnID, o.thread, resource, value)
	o.writes[resource] = value
}
