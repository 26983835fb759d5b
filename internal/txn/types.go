package txn

import (
	"slices"
	"strings"
)

// DefaultAsset is the asset class of resources that do not name one.
const DefaultAsset = "value"

// OpKind enumerates operation kinds.
type OpKind string

const (
	// OpRead observes a resource without changing it.
	OpRead OpKind = "read"
	// OpCredit adds Amount to Resource.
	OpCredit OpKind = "credit"
	// OpDebit subtracts Amount from Resource.
	OpDebit OpKind = "debit"
	// OpSet overwrites Resource with Amount.
	OpSet OpKind = "set"
	// OpTransfer moves Amount from Resource to To.
	OpTransfer OpKind = "transfer"
)

// ValidOpKinds defines allowed operation kinds.
var ValidOpKinds = map[OpKind]bool{
	OpRead:     true,
	OpCredit:   true,
	OpDebit:    true,
	OpSet:      true,
	OpTransfer: true,
}

// Guard is a precondition evaluated against the transaction's own snapshot
// immediately before the operation it is attached to.
type Guard struct {
	Resource string `json:"resource" yaml:"resource"`
	Min      *int64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *int64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Operation is a single guarded step of a transaction.
type Operation struct {
	Kind     OpKind `json:"kind"`
	Resource string `json:"resource"`
	To       string `json:"to,omitempty"` // transfer target
	Amount   int64  `json:"amount,omitempty"`
	Guard    *Guard `json:"guard,omitempty"`
}

// Conversion marks a transaction as a cross-asset conversion priced by an
// oracle quote for Pair ("BASE/QUOTE", e.g. "ETH/USD").
type Conversion struct {
	Pair string `json:"pair"`
}

// Base returns the base asset of the pair.
func (c Conversion) Base() string {
	base, _, _ := strings.Cut(c.Pair, "/")
	return base
}

// Quote returns the quote asset of the pair.
func (c Conversion) Quote() string {
	_, quote, _ := strings.Cut(c.Pair, "/")
	return quote
}

// Transaction is the unit of work scheduled by the engine.
//
// INVARIANTS (checked by Validate):
//   - ID is non-empty
//   - every read touches a resource in ReadSet, every write one in WriteSet
//   - ReadSet and WriteSet are sorted and free of duplicates
//
// A Transaction must not be mutated after it is submitted to the engine.
type Transaction struct {
	ID         string           `json:"id"`
	Ops        []Operation      `json:"ops"`
	ReadSet    []string         `json:"read_set"`
	WriteSet   []string         `json:"write_set"`
	Deltas     map[string]int64 `json:"deltas,omitempty"`
	DependsOn  []string         `json:"depends_on,omitempty"`
	Conversion *Conversion      `json:"conversion,omitempty"`
}

// New builds a transaction whose read and write sets are derived from ops.
func New(id string, ops ...Operation) *Transaction {
	t := &Transaction{ID: id, Ops: ops}
	t.ReadSet, t.WriteSet = DeriveSets(ops)
	return t
}

// WithDeltas sets the declared value deltas and returns t for chaining.
func (t *Transaction) WithDeltas(deltas map[string]int64) *Transaction {
	t.Deltas = deltas
	return t
}

// After adds explicit ordering constraints and returns t for chaining.
func (t *Transaction) After(ids ...string) *Transaction {
	t.DependsOn = append(t.DependsOn, ids...)
	return t
}

// DeriveSets computes the minimal read and write sets that cover ops.
// Credits, debits and transfers both read and write their resources.
func DeriveSets(ops []Operation) (reads, writes []string) {
	for _, op := range ops {
		if op.Guard != nil {
			reads = append(reads, op.Guard.Resource)
		}
		switch op.Kind {
		case OpRead:
			reads = append(reads, op.Resource)
		case OpSet:
			writes = append(writes, op.Resource)
		case OpCredit, OpDebit:
			reads = append(reads, op.Resource)
			writes = append(writes, op.Resource)
		case OpTransfer:
			reads = append(reads, op.Resource, op.To)
			writes = append(writes, op.Resource, op.To)
		}
	}
	return normalizeSet(reads), normalizeSet(writes)
}

// Reads reports whether resource is in the declared read set.
func (t *Transaction) Reads(resource string) bool {
	_, ok := slices.BinarySearch(t.ReadSet, resource)
	return ok
}

// Writes reports whether resource is in the declared write set.
func (t *Transaction) Writes(resource string) bool {
	_, ok := slices.BinarySearch(t.WriteSet, resource)
	return ok
}

// Resources returns the sorted union of the read and write sets.
func (t *Transaction) Resources() []string {
	all := make([]string, 0, len(t.ReadSet)+len(t.WriteSet))
	all = append(all, t.ReadSet...)
	all = append(all, t.WriteSet...)
	return normalizeSet(all)
}

// Asset returns the asset class of a resource identifier.
func Asset(resource string) string {
	if i := strings.LastIndexByte(resource, ':'); i >= 0 && i < len(resource)-1 {
		return resource[i+1:]
	}
	return DefaultAsset
}

// Batch is a named collection of transactions in submission order.
type Batch struct {
	Name         string         `json:"name"`
	Transactions []*Transaction `json:"transactions"`
}

// IDs returns transaction ids in submission order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, t := range b.Transactions {
		ids[i] = t.ID
	}
	return ids
}

func normalizeSet(s []string) []string {
	if len(s) == 0 {
		return []string{}
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
