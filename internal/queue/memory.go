package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/harvest/pkg/id"
)

// MemoryQueue is an in-process Queue with the same lease semantics as the
// Pebble implementation. Used in tests and for local development.
type MemoryQueue struct {
	mu    sync.Mutex
	gen   *id.Generator
	items map[string]*memItem
	dead  []DeadLetter

	nowMs func() int64
}

type memItem struct {
	id         string
	payload    []byte
	dequeues   int
	enqueuedAt time.Time
	leasedTo   int64 // lease expiry in ms; 0 when available
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		gen:   id.NewGenerator(),
		items: make(map[string]*memItem),
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow overrides the queue's clock. Test support.
func (q *MemoryQueue) SetNow(now func() int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nowMs = now
}

// Enqueue implements Enqueuer.
func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	itemID := q.gen.Next().String()
	q.items[itemID] = &memItem{
		id:         itemID,
		payload:    append([]byte(nil), payload...),
		enqueuedAt: time.UnixMilli(q.nowMs()),
	}
	return itemID, nil
}

// Lease implements Queue.
func (q *MemoryQueue) Lease(ctx context.Context, max int, visibility time.Duration) ([]Item, error) {
	if max <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMs()
	var avail []*memItem
	for _, it := range q.items {
		if it.leasedTo == 0 || it.leasedTo <= now {
			avail = append(avail, it)
		}
	}
	// IDs embed the enqueue time, so ID order is FIFO order
	sort.Slice(avail, func(i, j int) bool { return avail[i].id < avail[j].id })
	if len(avail) > max {
		avail = avail[:max]
	}

	out := make([]Item, 0, len(avail))
	for _, it := range avail {
		it.leasedTo = now + visibility.Milliseconds()
		it.dequeues++
		out = append(out, Item{
			ID:         it.id,
			Payload:    append([]byte(nil), it.payload...),
			Dequeues:   it.dequeues,
			EnqueuedAt: it.enqueuedAt,
		})
	}
	return out, nil
}

// Delete implements Queue.
func (q *MemoryQueue) Delete(ctx context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[itemID]; !ok {
		return ErrNotFound
	}
	delete(q.items, itemID)
	return nil
}

// ExtendVisibility implements Queue.
func (q *MemoryQueue) ExtendVisibility(ctx context.Context, itemID string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok || it.leasedTo == 0 {
		return ErrNotFound
	}
	it.leasedTo = q.nowMs() + visibility.Milliseconds()
	return nil
}

// DeadLetter implements Queue.
func (q *MemoryQueue) DeadLetter(ctx context.Context, itemID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok {
		return ErrNotFound
	}
	delete(q.items, itemID)
	q.dead = append(q.dead, DeadLetter{
		Item: Item{
			ID:         it.id,
			Payload:    it.payload,
			Dequeues:   it.dequeues,
			EnqueuedAt: it.enqueuedAt,
		},
		Reason:         reason,
		DeadLetteredAt: time.UnixMilli(q.nowMs()),
	})
	return nil
}

// DeadLetters implements Browser.
func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	return append([]DeadLetter(nil), q.dead[:limit]...), nil
}

// Len reports items still in circulation, leased or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
