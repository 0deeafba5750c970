package store

import (
	"context"
	"sync"

	"github.com/rzbill/harvest/internal/faults"
)

// MemoryStore keeps committed batches in memory. Tests use FailNext to
// exercise the collector's persist-retry path.
type MemoryStore struct {
	mu       sync.Mutex
	batches  map[string][]Row
	order    []string
	failures int
	writes   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string][]Row)}
}

// FailNext makes the next n WriteBatch calls fail with a transient fault.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// WriteBatch implements Writer.
func (s *MemoryStore) WriteBatch(ctx context.Context, batchID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failures > 0 {
		s.failures--
		return faults.Transientf("injected write failure for batch %s", batchID)
	}
	if _, ok := s.batches[batchID]; !ok {
		s.order = append(s.order, batchID)
	}
	s.batches[batchID] = append([]Row(nil), rows...)
	return nil
}

// ReadBatch implements Reader.
func (s *MemoryStore) ReadBatch(ctx context.Context, batchID string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.batches[batchID]
	if !ok {
		return nil, faults.Permanentf("batch %s not found", batchID)
	}
	return append([]Row(nil), rows...), nil
}

// ListBatches implements Reader, in commit order.
func (s *MemoryStore) ListBatches(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	return append([]string(nil), s.order[:limit]...), nil
}

// Writes reports total WriteBatch calls, failed ones included.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
