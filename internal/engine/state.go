package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/diotec-barros/diotec360-sub008/internal/commit"
)

// StateSource supplies the current value of resources. Unknown resources
// read as zero. Implemented by store.Store.
type StateSource interface {
	Load(ctx context.Context, resources []string) (map[string]int64, error)
}

// MemoryState is an in-memory StateSource. It is also a commit.Persister
// that applies committed final states, which lets a Processor run end to
// end without a database.
type MemoryState struct {
	mu      sync.RWMutex
	values  map[string]int64
	batches []string
}

// NewMemoryState creates a state holding a copy of values.
func NewMemoryState(values map[string]int64) *MemoryState {
	m := &MemoryState{values: make(map[string]int64, len(values))}
	maps.Copy(m.values, values)
	return m
}

// Load implements StateSource.
func (m *MemoryState) Load(_ context.Context, resources []string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(resources))
	for _, r := range resources {
		out[r] = m.values[r]
	}
	return out, nil
}

// Values returns a copy of every stored value.
func (m *MemoryState) Values() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

// Batches returns the ids of recorded batches in order.
func (m *MemoryState) Batches() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.batches...)
}

// CommitBatch implements commit.Persister. The pre-state must still hold,
// as with the SQLite store.
func (m *MemoryState) CommitBatch(_ context.Context, rec commit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range slices.Sorted(maps.Keys(rec.Initial)) {
		if m.values[r] != rec.Initial[r] {
			return fmt.Errorf("resource %s is %d, batch expected %d", r, m.values[r], rec.Initial[r])
		}
	}
	maps.Copy(m.values, rec.Final)
	m.batches = append(m.batches, rec.BatchID)
	return nil
}

// RecordRollback implements commit.Persister. Values are not touched.
func (m *MemoryState) RecordRollback(_ context.Context, rec commit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, rec.BatchID)
	return nil
}
