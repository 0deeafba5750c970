package collector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rzbill/harvest/internal/api"
	"github.com/rzbill/harvest/internal/metrics"
	"github.com/rzbill/harvest/internal/queue"
	"github.com/rzbill/harvest/pkg/log"
)

// ItemState is the commit coordinator's per-item state machine:
// Pending -> Complete|PartiallyFailed -> Released|DeadLettered.
type ItemState int

const (
	StatePending ItemState = iota
	StateComplete
	StatePartiallyFailed
	StateReleased
	StateDeadLettered
)

func (s ItemState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	case StatePartiallyFailed:
		return "partially_failed"
	case StateReleased:
		return "released"
	case StateDeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

// PartialFailurePolicy decides what happens to an item whose requests
// partially failed once all its rows are persisted.
type PartialFailurePolicy string

const (
	// PolicyRelease deletes the item; persisted rows are retained and
	// failed requests are recorded as failed rows. The default.
	PolicyRelease PartialFailurePolicy = "release"
	// PolicyDeadLetter reroutes the whole item for re-processing.
	PolicyDeadLetter PartialFailurePolicy = "deadletter"
)

// CommitRecord tracks one in-flight item. An item's results may span
// multiple batches; Persisted counts rows confirmed durable across all of
// them.
type CommitRecord struct {
	ItemID        string
	MessageID     string
	CorrelationID string
	Expected      int
	Received      int
	Failed        int
	Persisted     int
	State         ItemState
	Deadline      time.Time
	FailedReqs    []api.Request

	persistFailed bool
}

// Committer owns the record table and is the only component that talks
// back to the queue. An item is released only when its state is terminal
// and every batch holding one of its rows has confirmed persistence.
type Committer struct {
	mu      sync.Mutex
	records map[string]*CommitRecord

	q          queue.Queue
	policy     PartialFailurePolicy
	visibility time.Duration
	timeout    time.Duration
	logger     log.Logger
	metrics    *metrics.Metrics

	now func() time.Time
}

// NewCommitter wires the coordinator to the queue.
func NewCommitter(q queue.Queue, policy PartialFailurePolicy, visibility, itemTimeout time.Duration, logger log.Logger, m *metrics.Metrics) *Committer {
	if policy == "" {
		policy = PolicyRelease
	}
	return &Committer{
		records:    make(map[string]*CommitRecord),
		q:          q,
		policy:     policy,
		visibility: visibility,
		timeout:    itemTimeout,
		logger:     logger.WithComponent("committer"),
		metrics:    m,
		now:        time.Now,
	}
}

// Register opens a record before any of the item's requests dispatch. A
// re-leased item replaces its stale record; the fresh lease owns it.
func (c *Committer) Register(w *WorkItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[w.ItemID] = &CommitRecord{
		ItemID:        w.ItemID,
		MessageID:     w.MessageID,
		CorrelationID: w.CorrelationID,
		Expected:      len(w.Requests),
		Deadline:      c.now().Add(c.timeout),
	}
	c.metrics.ItemsInFlight.Inc()
}

// NoteResult records one terminal request outcome. When the last expected
// result arrives the item leaves Pending; release still waits on batch
// persistence.
func (c *Committer) NoteResult(ctx context.Context, r Result) {
	c.mu.Lock()
	rec, ok := c.records[r.ItemID]
	if !ok {
		// item already timed out or was dead-lettered; the row persists
		// anyway under at-least-once semantics
		c.mu.Unlock()
		return
	}
	rec.Received++
	if r.Status == StatusFailed {
		rec.Failed++
		rec.FailedReqs = append(rec.FailedReqs, r.Request)
	}
	if rec.State == StatePending && rec.Received >= rec.Expected {
		if rec.Failed == 0 {
			rec.State = StateComplete
		} else {
			rec.State = StatePartiallyFailed
		}
	}
	done := c.finalizeLocked(rec)
	c.mu.Unlock()
	c.apply(ctx, done)
}

// BatchPersisted confirms durable rows per item for one flushed batch.
func (c *Committer) BatchPersisted(ctx context.Context, rowsByItem map[string]int) {
	var done []*CommitRecord
	c.mu.Lock()
	for itemID, n := range rowsByItem {
		rec, ok := c.records[itemID]
		if !ok {
			continue
		}
		rec.Persisted += n
		if d := c.finalizeLocked(rec); d != nil {
			done = append(done, d)
		}
	}
	c.mu.Unlock()
	for _, rec := range done {
		c.apply(ctx, rec)
	}
}

// Abandon drops an item's record without releasing it, leaving the queue
// to re-deliver after visibility expiry. Used when shutdown interrupts an
// item before all its requests ran; rows already persisted are absorbed by
// the idempotent downstream write on redelivery.
func (c *Committer) Abandon(itemID string) {
	c.mu.Lock()
	rec, ok := c.records[itemID]
	if ok {
		delete(c.records, itemID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.metrics.ItemsInFlight.Dec()
	c.metrics.ItemsCompleted.WithLabelValues("requeued").Inc()
	c.logger.Info("item abandoned for redelivery",
		log.Str("item_id", rec.ItemID),
		log.Str("message_id", rec.MessageID),
		log.Int("received", rec.Received),
		log.Int("expected", rec.Expected))
}

// BatchFailed marks items whose batch exhausted persistence retries. They
// are never released; the queue re-delivers them after visibility expiry.
func (c *Committer) BatchFailed(itemIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, itemID := range itemIDs {
		if rec, ok := c.records[itemID]; ok {
			rec.persistFailed = true
		}
	}
}

// finalizeLocked returns the record when it just became releasable.
func (c *Committer) finalizeLocked(rec *CommitRecord) *CommitRecord {
	if rec.persistFailed {
		return nil
	}
	if rec.State != StateComplete && rec.State != StatePartiallyFailed {
		return nil
	}
	if rec.Persisted < rec.Expected {
		return nil
	}
	delete(c.records, rec.ItemID)
	return rec
}

// apply performs the queue-side transition outside the record lock.
func (c *Committer) apply(ctx context.Context, rec *CommitRecord) {
	if rec == nil {
		return
	}
	c.metrics.ItemsInFlight.Dec()

	if rec.State == StatePartiallyFailed && c.policy == PolicyDeadLetter {
		reason := c.failureReason(rec, "partial failure")
		if err := c.q.DeadLetter(ctx, rec.ItemID, reason); err != nil {
			c.logger.Error("dead-letter failed", log.Str("item_id", rec.ItemID), log.Err(err))
		}
		rec.State = StateDeadLettered
		c.metrics.ItemsCompleted.WithLabelValues("dead_lettered").Inc()
		c.logger.Warn("item dead-lettered on partial failure",
			log.Str("item_id", rec.ItemID),
			log.Str("correlation_id", rec.CorrelationID),
			log.Int("failed", rec.Failed))
		return
	}

	if rec.State == StatePartiallyFailed {
		c.logger.Warn("item released with failed rows",
			log.Str("item_id", rec.ItemID),
			log.Str("message_id", rec.MessageID),
			log.Str("correlation_id", rec.CorrelationID),
			log.Int("failed", rec.Failed),
			log.Int("expected", rec.Expected))
	}
	if err := c.q.Delete(ctx, rec.ItemID); err != nil {
		// the queue will re-deliver; downstream writes are idempotent
		c.logger.Error("release failed", log.Str("item_id", rec.ItemID), log.Err(err))
	}
	rec.State = StateReleased
	c.metrics.ItemsCompleted.WithLabelValues("released").Inc()
}

// Sweep enforces the per-item deadline and keeps healthy leases visible
// only to this process. Called periodically while the collector runs.
func (c *Committer) Sweep(ctx context.Context) {
	now := c.now()
	var stuck, healthy []*CommitRecord
	c.mu.Lock()
	for _, rec := range c.records {
		if now.After(rec.Deadline) {
			delete(c.records, rec.ItemID)
			stuck = append(stuck, rec)
		} else {
			healthy = append(healthy, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range stuck {
		c.metrics.ItemsInFlight.Dec()
		reason := c.failureReason(rec, "item timeout")
		if err := c.q.DeadLetter(ctx, rec.ItemID, reason); err != nil {
			c.logger.Error("dead-letter of stuck item failed", log.Str("item_id", rec.ItemID), log.Err(err))
		}
		c.metrics.ItemsCompleted.WithLabelValues("dead_lettered").Inc()
		c.logger.Warn("item stuck past deadline",
			log.Str("item_id", rec.ItemID),
			log.Str("correlation_id", rec.CorrelationID),
			log.Int("received", rec.Received),
			log.Int("expected", rec.Expected))
	}
	for _, rec := range healthy {
		if err := c.q.ExtendVisibility(ctx, rec.ItemID, c.visibility); err != nil {
			c.logger.Warn("visibility extension failed", log.Str("item_id", rec.ItemID), log.Err(err))
			continue
		}
		c.metrics.LeaseExtensions.Inc()
	}
}

// failureReason renders operator-facing context for dead-letter records.
func (c *Committer) failureReason(rec *CommitRecord, kind string) string {
	detail := struct {
		Kind          string        `json:"kind"`
		MessageID     string        `json:"message_id"`
		CorrelationID string        `json:"correlation_id,omitempty"`
		Expected      int           `json:"expected"`
		Received      int           `json:"received"`
		Failed        int           `json:"failed"`
		FailedReqs    []api.Request `json:"failed_requests,omitempty"`
	}{kind, rec.MessageID, rec.CorrelationID, rec.Expected, rec.Received, rec.Failed, rec.FailedReqs}
	b, err := json.Marshal(detail)
	if err != nil {
		return kind
	}
	return string(b)
}

// Pending reports items still owned by the coordinator.
func (c *Committer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Snapshot returns a copy of one in-flight record, for the stats surface.
func (c *Committer) Snapshot(itemID string) (CommitRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[itemID]
	if !ok {
		return CommitRecord{}, false
	}
	return *rec, true
}
