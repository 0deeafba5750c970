package collector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/harvest/internal/api"
	"github.com/rzbill/harvest/internal/metrics"
	"github.com/rzbill/harvest/internal/queue"
	"github.com/rzbill/harvest/pkg/log"
)

func leaseOne(t *testing.T, q *queue.MemoryQueue) string {
	t.Helper()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, []byte(`{"message_id":"m-1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, err := q.Lease(ctx, 1, time.Minute)
	if err != nil || len(items) != 1 {
		t.Fatalf("lease: %v %d", err, len(items))
	}
	return items[0].ID
}

func workItem(itemID string, n int) *WorkItem {
	w := &WorkItem{ItemID: itemID, MessageID: "m-1", CorrelationID: "run-1"}
	for i := 0; i < n; i++ {
		w.Requests = append(w.Requests, api.Request{
			Service: api.ServiceCompute, Method: "GET", ResourcePath: "/r",
		})
	}
	return w
}

func noteN(c *Committer, itemID string, success, failed int) {
	ctx := context.Background()
	for i := 0; i < success; i++ {
		c.NoteResult(ctx, Result{ItemID: itemID, Status: StatusSuccess})
	}
	for i := 0; i < failed; i++ {
		c.NoteResult(ctx, Result{
			ItemID: itemID, Status: StatusFailed,
			Request: api.Request{Service: api.ServiceCompute, Method: "GET", ResourcePath: "/broken"},
		})
	}
}

func TestReleaseAfterResultsAndPersistence(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := testCommitter(q, PolicyRelease)
	ctx := context.Background()

	c.Register(workItem(itemID, 2))
	noteN(c, itemID, 2, 0)

	if q.Len() != 1 {
		t.Fatal("released before persistence confirmed")
	}
	c.BatchPersisted(ctx, map[string]int{itemID: 2})
	if q.Len() != 0 {
		t.Fatal("not released after full persistence")
	}
	if c.Pending() != 0 {
		t.Fatalf("record leaked: %d pending", c.Pending())
	}
}

func TestReleaseSpansMultipleBatches(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := testCommitter(q, PolicyRelease)
	ctx := context.Background()

	c.Register(workItem(itemID, 3))
	noteN(c, itemID, 3, 0)

	c.BatchPersisted(ctx, map[string]int{itemID: 2})
	if q.Len() != 1 {
		t.Fatal("released with one batch still unpersisted")
	}
	c.BatchPersisted(ctx, map[string]int{itemID: 1})
	if q.Len() != 0 {
		t.Fatal("not released after the last batch persisted")
	}
}

func TestPersistenceBeforeLastResult(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := testCommitter(q, PolicyRelease)
	ctx := context.Background()

	c.Register(workItem(itemID, 2))
	c.NoteResult(ctx, Result{ItemID: itemID, Status: StatusSuccess})
	c.BatchPersisted(ctx, map[string]int{itemID: 1})
	if q.Len() != 1 {
		t.Fatal("released while a result is still outstanding")
	}
	c.NoteResult(ctx, Result{ItemID: itemID, Status: StatusSuccess})
	c.BatchPersisted(ctx, map[string]int{itemID: 1})
	if q.Len() != 0 {
		t.Fatal("not released once results and persistence completed")
	}
}

func TestPartialFailureReleasePolicy(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := testCommitter(q, PolicyRelease)
	ctx := context.Background()

	c.Register(workItem(itemID, 3))
	noteN(c, itemID, 2, 1)
	c.BatchPersisted(ctx, map[string]int{itemID: 3})

	if q.Len() != 0 {
		t.Fatal("partial failure with release policy must still release")
	}
	dead, _ := q.DeadLetters(ctx, 10)
	if len(dead) != 0 {
		t.Fatal("release policy must not dead-letter")
	}
}

func TestPartialFailureDeadLetterPolicy(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := testCommitter(q, PolicyDeadLetter)
	ctx := context.Background()

	c.Register(workItem(itemID, 2))
	noteN(c, itemID, 1, 1)
	c.BatchPersisted(ctx, map[string]int{itemID: 2})

	dead, _ := q.DeadLetters(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("want 1 dead letter, got %d", len(dead))
	}
	if !strings.Contains(dead[0].Reason, "/broken") {
		t.Fatalf("reason lacks failed request context: %s", dead[0].Reason)
	}
	if !strings.Contains(dead[0].Reason, "run-1") {
		t.Fatalf("reason lacks correlation id: %s", dead[0].Reason)
	}
}

func TestSweepDeadLettersStuckItems(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := NewCommitter(q, PolicyRelease, time.Minute, 50*time.Millisecond, log.NewTestLogger(), metrics.New())
	ctx := context.Background()

	c.Register(workItem(itemID, 2))
	noteN(c, itemID, 1, 0) // one result never arrives

	now := time.Now()
	c.now = func() time.Time { return now.Add(time.Second) }
	c.Sweep(ctx)

	dead, _ := q.DeadLetters(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("stuck item not dead-lettered: %d", len(dead))
	}
	if !strings.Contains(dead[0].Reason, "item timeout") {
		t.Fatalf("reason: %s", dead[0].Reason)
	}
	if c.Pending() != 0 {
		t.Fatal("stuck record not removed")
	}
}

func TestSweepExtendsHealthyLeases(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	qnow := time.Now().UnixMilli()
	q.SetNow(func() int64 { return qnow })

	if _, err := q.Enqueue(ctx, []byte("x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, _ := q.Lease(ctx, 1, 10*time.Second)
	itemID := items[0].ID

	c := NewCommitter(q, PolicyRelease, time.Minute, time.Hour, log.NewTestLogger(), metrics.New())
	c.Register(workItem(itemID, 1))
	c.Sweep(ctx)

	// past the original 10s lease but inside the extended minute
	qnow += 30_000
	if again, _ := q.Lease(ctx, 1, time.Second); len(again) != 0 {
		t.Fatal("lease was not extended")
	}
}

func TestAbandonLeavesItemForRedelivery(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := testCommitter(q, PolicyRelease)
	ctx := context.Background()

	c.Register(workItem(itemID, 2))
	noteN(c, itemID, 1, 0)
	c.Abandon(itemID)

	if c.Pending() != 0 {
		t.Fatal("abandoned record not removed")
	}
	if q.Len() != 1 {
		t.Fatal("abandoned item must stay queued")
	}
	// late persistence confirmations for a gone record are ignored
	c.BatchPersisted(ctx, map[string]int{itemID: 2})
	if q.Len() != 1 {
		t.Fatal("late confirmation released an abandoned item")
	}
}

func TestBatchFailedBlocksRelease(t *testing.T) {
	q := queue.NewMemoryQueue()
	itemID := leaseOne(t, q)
	c := testCommitter(q, PolicyRelease)
	ctx := context.Background()

	c.Register(workItem(itemID, 1))
	noteN(c, itemID, 1, 0)
	c.BatchFailed([]string{itemID})
	c.BatchPersisted(ctx, map[string]int{itemID: 1})

	if q.Len() != 1 {
		t.Fatal("item released despite failed batch")
	}
}
