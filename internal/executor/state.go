package executor

import (
	"maps"

	"github.com/google/btree"
)

const btreeDegree = 16

type entry struct {
	resource string
	value    int64
}

func entryLess(a, b entry) bool { return a.resource < b.resource }

// State is an ordered resource → value map backed by a copy-on-write
// B-tree. Clone is O(1); the clone and the original diverge lazily as
// either is written.
//
// A State is not safe for concurrent mutation. Clone must not run
// concurrently with writes to the receiver, but after Clone returns the two
// trees may be used from different goroutines.
type State struct {
	tree *btree.BTreeG[entry]
}

// NewState builds a state from initial values.
func NewState(values map[string]int64) *State {
	s := &State{tree: btree.NewG(btreeDegree, entryLess)}
	for r, v := range values {
		s.tree.ReplaceOrInsert(entry{resource: r, value: v})
	}
	return s
}

// Get returns the value of resource; missing resources read as zero.
func (s *State) Get(resource string) int64 {
	if e, ok := s.tree.Get(entry{resource: resource}); ok {
		return e.value
	}
	return 0
}

// Has reports whether resource has a value.
func (s *State) Has(resource string) bool {
	return s.tree.Has(entry{resource: resource})
}

// Set stores value for resource.
func (s *State) Set(resource string, value int64) {
	s.tree.ReplaceOrInsert(entry{resource: resource, value: value})
}

// Clone returns a lazily copied snapshot.
func (s *State) Clone() *State {
	return &State{tree: s.tree.Clone()}
}

// Len returns the number of resources.
func (s *State) Len() int {
	return s.tree.Len()
}

// Ascend calls fn for each resource in order until fn returns false.
func (s *State) Ascend(fn func(resource string, value int64) bool) {
	s.tree.Ascend(func(e entry) bool {
		return fn(e.resource, e.value)
	})
}

// Snapshot copies the state into a plain map.
func (s *State) Snapshot() map[string]int64 {
	out := make(map[string]int64, s.tree.Len())
	s.Ascend(func(r string, v int64) bool {
		out[r] = v
		return true
	})
	return out
}

func copyValues(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return maps.Clone(m)
}
