package queue

import (
	"context"
	"testing"
	"time"

	pebblestore "github.com/rzbill/harvest/internal/storage/pebble"
)

func openTestQueue(t *testing.T) *PebbleQueue {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return OpenPebble(db, "test")
}

func TestEnqueueLeaseDelete(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	itemID, err := q.Enqueue(ctx, []byte(`{"message_id":"m-1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, err := q.Lease(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("want 1 item, got %d", len(items))
	}
	if items[0].ID != itemID {
		t.Fatalf("leased ID %s, want %s", items[0].ID, itemID)
	}
	if string(items[0].Payload) != `{"message_id":"m-1"}` {
		t.Fatalf("unexpected payload %q", items[0].Payload)
	}
	if items[0].Dequeues != 1 {
		t.Fatalf("dequeues = %d, want 1", items[0].Dequeues)
	}

	// leased item must be invisible to a second consumer
	again, err := q.Lease(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased item visible again: %d items", len(again))
	}

	if err := q.Delete(ctx, itemID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := q.Delete(ctx, itemID); err != ErrNotFound {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}
}

func TestLeaseReturnsFIFO(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		itemID, err := q.Enqueue(ctx, []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		want = append(want, itemID)
	}

	items, err := q.Lease(ctx, 3, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("want 3 items, got %d", len(items))
	}
	for i, it := range items {
		if it.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, it.ID, want[i])
		}
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	q.nowMs = func() int64 { return now }

	itemID, err := q.Enqueue(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, 1, 30*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}

	// before expiry nothing is due
	if n, err := q.ReclaimExpired(ctx, 0); err != nil || n != 0 {
		t.Fatalf("early reclaim: n=%d err=%v", n, err)
	}

	now += 31_000
	n, err := q.ReclaimExpired(ctx, 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	items, err := q.Lease(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(items) != 1 || items[0].ID != itemID {
		t.Fatalf("reclaimed item not leasable: %+v", items)
	}
	if items[0].Dequeues != 2 {
		t.Fatalf("dequeues = %d after redelivery, want 2", items[0].Dequeues)
	}
}

func TestExtendVisibilityDefersReclaim(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	q.nowMs = func() int64 { return now }

	itemID, err := q.Enqueue(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, 1, 10*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.ExtendVisibility(ctx, itemID, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	now += 11_000
	if n, _ := q.ReclaimExpired(ctx, 0); n != 0 {
		t.Fatalf("extended lease reclaimed early")
	}

	now += 60_000
	if n, _ := q.ReclaimExpired(ctx, 0); n != 1 {
		t.Fatalf("extended lease never expired")
	}
}

func TestDeadLetterRemovesAndRecords(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	itemID, err := q.Enqueue(ctx, []byte(`{"message_id":"bad"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Lease(ctx, 1, time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.DeadLetter(ctx, itemID, "malformed payload"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	if items, _ := q.Lease(ctx, 10, time.Minute); len(items) != 0 {
		t.Fatalf("dead-lettered item still leasable")
	}
	if _, err := q.ReclaimExpired(ctx, 0); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("want 1 dead letter, got %d", len(dead))
	}
	if dead[0].ID != itemID || dead[0].Reason != "malformed payload" {
		t.Fatalf("unexpected dead letter: %+v", dead[0])
	}
	if string(dead[0].Payload) != `{"message_id":"bad"}` {
		t.Fatalf("payload not preserved: %q", dead[0].Payload)
	}
}

func TestOperationsOnUnknownID(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	if err := q.Delete(ctx, "00000000000000000000000000000000"); err != ErrNotFound {
		t.Fatalf("delete: want ErrNotFound, got %v", err)
	}
	if err := q.ExtendVisibility(ctx, "00000000000000000000000000000000", time.Minute); err != ErrNotFound {
		t.Fatalf("extend: want ErrNotFound, got %v", err)
	}
	if err := q.DeadLetter(ctx, "not-hex", "x"); err != ErrNotFound {
		t.Fatalf("dead-letter: want ErrNotFound, got %v", err)
	}
}
