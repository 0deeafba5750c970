package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/harvest/internal/storage/pebble"
	"github.com/rzbill/harvest/pkg/id"
)

// PebbleQueue is a durable, single-node work queue on Pebble. Items move
// between an available index and a lease keyspace; expired leases are swept
// back to availability so crashed consumers never strand work.
type PebbleQueue struct {
	db   *pebblestore.DB
	name string
	gen  *id.Generator

	mu sync.Mutex // serializes lease scans and reclaim

	// nowMs is a test hook for the clock.
	nowMs func() int64
}

type leaseRecord struct {
	ExpiresAtMs int64 `json:"expires_at_ms"`
	Dequeues    int   `json:"dequeues"`
}

type dlqRecord struct {
	Payload        []byte `json:"payload"`
	Reason         string `json:"reason"`
	EnqueuedAtMs   int64  `json:"enqueued_at_ms"`
	DeadLetteredMs int64  `json:"dead_lettered_ms"`
	Dequeues       int    `json:"dequeues"`
}

// OpenPebble returns a PebbleQueue over db under the given queue name.
func OpenPebble(db *pebblestore.DB, name string) *PebbleQueue {
	return &PebbleQueue{
		db:    db,
		name:  name,
		gen:   id.NewGenerator(),
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue appends a message and makes it immediately available.
func (q *PebbleQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	itemID := q.gen.Next()
	now := q.nowMs()

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(q.name, itemID), encodeRecord(now, payload), nil); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	if err := b.Set(availKey(q.name, itemID), nil, nil); err != nil {
		return "", fmt.Errorf("write avail index: %w", err)
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}
	return itemID.String(), nil
}

// Lease implements Queue. Items come back in enqueue order.
func (q *PebbleQueue) Lease(ctx context.Context, max int, visibility time.Duration) ([]Item, error) {
	if max <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := kindPrefix(q.name, "avail")
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("avail iterator: %w", err)
	}
	defer iter.Close()

	now := q.nowMs()
	expiresAt := now + visibility.Milliseconds()

	b := q.db.NewBatch()
	defer b.Close()

	var items []Item
	for ok := iter.First(); ok && len(items) < max; ok = iter.Next() {
		key := iter.Key()
		if len(key) < 16 {
			continue
		}
		itemID, err := id.FromBytes(key[len(key)-16:])
		if err != nil {
			continue
		}

		raw, err := q.db.Get(msgKey(q.name, itemID))
		if err != nil {
			// orphaned index entry; drop it
			_ = b.Delete(append([]byte(nil), key...), nil)
			continue
		}
		enqueuedMs, payload, ok := decodeRecord(raw)
		if !ok {
			_ = b.Delete(append([]byte(nil), key...), nil)
			continue
		}

		dequeues := q.readAttempts(itemID) + 1
		lease, err := json.Marshal(leaseRecord{ExpiresAtMs: expiresAt, Dequeues: dequeues})
		if err != nil {
			return nil, fmt.Errorf("marshal lease: %w", err)
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return nil, fmt.Errorf("remove avail: %w", err)
		}
		if err := b.Set(leaseKey(q.name, itemID), lease, nil); err != nil {
			return nil, fmt.Errorf("write lease: %w", err)
		}
		if err := b.Set(leaseIdxKey(q.name, expiresAt, itemID), itemID.Bytes(), nil); err != nil {
			return nil, fmt.Errorf("write lease index: %w", err)
		}
		var att [4]byte
		binary.BigEndian.PutUint32(att[:], uint32(dequeues))
		if err := b.Set(attemptsKey(q.name, itemID), att[:], nil); err != nil {
			return nil, fmt.Errorf("write attempts: %w", err)
		}

		items = append(items, Item{
			ID:         itemID.String(),
			Payload:    payload,
			Dequeues:   dequeues,
			EnqueuedAt: time.UnixMilli(enqueuedMs),
		})
	}

	if b.Count() == 0 {
		return items, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return items, nil
}

// Delete implements Queue.
func (q *PebbleQueue) Delete(ctx context.Context, itemID string) error {
	parsed, err := id.Parse(itemID)
	if err != nil {
		return ErrNotFound
	}
	if _, err := q.db.Get(msgKey(q.name, parsed)); err != nil {
		return ErrNotFound
	}

	b := q.db.NewBatch()
	defer b.Close()
	q.dropItemKeys(b, parsed)
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// ExtendVisibility implements Queue.
func (q *PebbleQueue) ExtendVisibility(ctx context.Context, itemID string, visibility time.Duration) error {
	parsed, err := id.Parse(itemID)
	if err != nil {
		return ErrNotFound
	}
	raw, err := q.db.Get(leaseKey(q.name, parsed))
	if err != nil {
		return ErrNotFound
	}
	var lease leaseRecord
	if err := json.Unmarshal(raw, &lease); err != nil {
		return fmt.Errorf("unmarshal lease: %w", err)
	}

	newExpiry := q.nowMs() + visibility.Milliseconds()
	updated, err := json.Marshal(leaseRecord{ExpiresAtMs: newExpiry, Dequeues: lease.Dequeues})
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseIdxKey(q.name, lease.ExpiresAtMs, parsed), nil); err != nil {
		return fmt.Errorf("drop old lease index: %w", err)
	}
	if err := b.Set(leaseKey(q.name, parsed), updated, nil); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	if err := b.Set(leaseIdxKey(q.name, newExpiry, parsed), parsed.Bytes(), nil); err != nil {
		return fmt.Errorf("write lease index: %w", err)
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit extend: %w", err)
	}
	return nil
}

// DeadLetter implements Queue. The payload moves into the dead-letter
// keyspace so triage survives the message's removal from circulation.
func (q *PebbleQueue) DeadLetter(ctx context.Context, itemID string, reason string) error {
	parsed, err := id.Parse(itemID)
	if err != nil {
		return ErrNotFound
	}
	raw, err := q.db.Get(msgKey(q.name, parsed))
	if err != nil {
		return ErrNotFound
	}
	enqueuedMs, payload, ok := decodeRecord(raw)
	if !ok {
		return fmt.Errorf("corrupt record for %s", itemID)
	}

	rec, err := json.Marshal(dlqRecord{
		Payload:        payload,
		Reason:         reason,
		EnqueuedAtMs:   enqueuedMs,
		DeadLetteredMs: q.nowMs(),
		Dequeues:       q.readAttempts(parsed),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	b := q.db.NewBatch()
	defer b.Close()
	q.dropItemKeys(b, parsed)
	if err := b.Set(dlqKey(q.name, parsed), rec, nil); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit dead letter: %w", err)
	}
	return nil
}

// DeadLetters implements Browser, oldest first.
func (q *PebbleQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := kindPrefix(q.name, "dlq")
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("dlq iterator: %w", err)
	}
	defer iter.Close()

	var out []DeadLetter
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		key := iter.Key()
		if len(key) < 16 {
			continue
		}
		itemID, err := id.FromBytes(key[len(key)-16:])
		if err != nil {
			continue
		}
		var rec dlqRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, DeadLetter{
			Item: Item{
				ID:         itemID.String(),
				Payload:    rec.Payload,
				Dequeues:   rec.Dequeues,
				EnqueuedAt: time.UnixMilli(rec.EnqueuedAtMs),
			},
			Reason:         rec.Reason,
			DeadLetteredAt: time.UnixMilli(rec.DeadLetteredMs),
		})
	}
	return out, nil
}

// ReclaimExpired returns items whose lease expired to availability. Called
// periodically by the reclaim loop; exported for tests and ops tooling.
func (q *PebbleQueue) ReclaimExpired(ctx context.Context, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMs()
	prefix := kindPrefix(q.name, "lease_idx")
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("lease index iterator: %w", err)
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()

	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix)+8+16 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
		if exp > now {
			// index is expiry-ordered; nothing later is due
			break
		}
		itemID, err := id.FromBytes(key[len(key)-16:])
		if err != nil {
			continue
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return reclaimed, err
		}
		if err := b.Delete(leaseKey(q.name, itemID), nil); err != nil {
			return reclaimed, err
		}
		if err := b.Set(availKey(q.name, itemID), nil, nil); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}

	if reclaimed == 0 {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return reclaimed, fmt.Errorf("commit reclaim: %w", err)
	}
	return reclaimed, nil
}

// RunReclaim sweeps expired leases until ctx is done.
func (q *PebbleQueue) RunReclaim(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = q.ReclaimExpired(ctx, 0)
		}
	}
}

func (q *PebbleQueue) readAttempts(itemID id.ID) int {
	raw, err := q.db.Get(attemptsKey(q.name, itemID))
	if err != nil || len(raw) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(raw[:4]))
}

// dropItemKeys stages removal of every key belonging to an item, including
// its lease index entry when a lease exists.
func (q *PebbleQueue) dropItemKeys(b *pebble.Batch, itemID id.ID) {
	if raw, err := q.db.Get(leaseKey(q.name, itemID)); err == nil {
		var lease leaseRecord
		if json.Unmarshal(raw, &lease) == nil {
			_ = b.Delete(leaseIdxKey(q.name, lease.ExpiresAtMs, itemID), nil)
		}
	}
	_ = b.Delete(msgKey(q.name, itemID), nil)
	_ = b.Delete(availKey(q.name, itemID), nil)
	_ = b.Delete(leaseKey(q.name, itemID), nil)
	_ = b.Delete(attemptsKey(q.name, itemID), nil)
}
