package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/harvest/internal/metrics"
	"github.com/rzbill/harvest/internal/store"
	"github.com/rzbill/harvest/pkg/id"
	"github.com/rzbill/harvest/pkg/log"
)

// Batcher accumulates result rows and flushes them to the store writer
// when the buffer reaches the size threshold or the flush window elapses.
// Sealed batches are persisted FIFO by a single persister goroutine;
// sealing while the persister is behind blocks Add, which backpressures
// the workers and, through them, leasing.
type Batcher struct {
	mu        sync.Mutex
	buf       []Result
	lastFlush time.Time

	size    int
	timeout time.Duration
	pending chan sealedBatch

	writer    store.Writer
	committer *Committer
	policy    Policy
	logger    log.Logger
	metrics   *metrics.Metrics
	gen       *id.Generator

	// fatal escalates an exhausted batch persistence; the process must
	// not keep leasing once results can no longer be made durable.
	fatal func(error)

	quit        chan struct{}
	donePersist chan struct{}
	closeOnce   sync.Once

	sleep func(ctx context.Context, d time.Duration) error
}

type sealedBatch struct {
	id      string
	rows    []Result
	trigger string
}

// NewBatcher wires the accumulator. fatal is invoked when a batch cannot
// be persisted within the retry budget.
func NewBatcher(w store.Writer, c *Committer, size int, timeout time.Duration, policy Policy, logger log.Logger, m *metrics.Metrics, fatal func(error)) *Batcher {
	if fatal == nil {
		fatal = func(error) {}
	}
	return &Batcher{
		size:        size,
		timeout:     timeout,
		pending:     make(chan sealedBatch, 4),
		writer:      w,
		committer:   c,
		policy:      policy,
		logger:      logger.WithComponent("batcher"),
		metrics:     m,
		gen:         id.NewGenerator(),
		fatal:       fatal,
		quit:        make(chan struct{}),
		donePersist: make(chan struct{}),
		sleep:       sleepCtx,
	}
}

// Start launches the flush timer and the persister. ctx should outlive the
// collector's run context so the shutdown flush can still persist.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	b.lastFlush = time.Now()
	b.mu.Unlock()
	go b.timerLoop()
	go b.persistLoop(ctx)
}

// Add appends one result. Crossing the size threshold seals the batch
// synchronously; results added during a flush start the next batch.
func (b *Batcher) Add(r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, r)
	if len(b.buf) >= b.size {
		b.sealLocked("size")
	}
}

// sealLocked hands the current buffer to the persister and resets the
// window. Caller holds b.mu.
func (b *Batcher) sealLocked(trigger string) {
	b.lastFlush = time.Now()
	if len(b.buf) == 0 {
		return
	}
	batch := sealedBatch{
		id:      "b-" + b.gen.Next().String(),
		rows:    b.buf,
		trigger: trigger,
	}
	b.buf = nil
	b.metrics.BatchFlushes.WithLabelValues(trigger).Inc()
	b.metrics.BatchRows.Observe(float64(len(batch.rows)))
	b.pending <- batch
}

func (b *Batcher) timerLoop() {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-timer.C:
		}
		b.mu.Lock()
		elapsed := time.Since(b.lastFlush)
		if elapsed >= b.timeout {
			b.sealLocked("timeout")
			elapsed = 0
		}
		b.mu.Unlock()
		timer.Reset(b.timeout - elapsed)
	}
}

func (b *Batcher) persistLoop(ctx context.Context) {
	defer close(b.donePersist)
	for batch := range b.pending {
		b.persist(ctx, batch)
	}
}

// persist retries the write at batch granularity. Exhaustion is escalated,
// never swallowed: dropping a batch silently would violate at-least-once
// delivery.
func (b *Batcher) persist(ctx context.Context, batch sealedBatch) {
	rows := make([]store.Row, len(batch.rows))
	counts := make(map[string]int)
	for i, r := range batch.rows {
		rows[i] = toRow(r)
		counts[r.ItemID]++
	}

	start := time.Now()
	attempt := 0
	for {
		attempt++
		err := b.writer.WriteBatch(ctx, batch.id, rows)
		if err == nil {
			b.metrics.PersistDuration.Observe(time.Since(start).Seconds())
			b.logger.Debug("batch persisted",
				log.Str("batch_id", batch.id),
				log.Str("trigger", batch.trigger),
				log.Int("rows", len(rows)),
				log.Int("attempts", attempt))
			b.committer.BatchPersisted(ctx, counts)
			return
		}

		b.metrics.PersistFailures.Inc()
		delay, retry := b.policy.Decide(attempt, err)
		if !retry {
			itemIDs := keys(counts)
			b.committer.BatchFailed(itemIDs)
			b.logger.Error("batch persistence exhausted",
				log.Str("batch_id", batch.id),
				log.Int("rows", len(rows)),
				log.Int("items", len(itemIDs)),
				log.Int("attempts", attempt),
				log.Err(err))
			b.fatal(err)
			return
		}
		b.logger.Warn("batch persistence failed, retrying",
			log.Str("batch_id", batch.id),
			log.Int("attempt", attempt),
			log.Dur("delay", delay),
			log.Err(err))
		if serr := b.sleep(ctx, delay); serr != nil {
			b.committer.BatchFailed(keys(counts))
			b.fatal(serr)
			return
		}
	}
}

// Close seals whatever is buffered, then waits for the persister to drain.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		close(b.quit)
		b.mu.Lock()
		b.sealLocked("shutdown")
		b.mu.Unlock()
		close(b.pending)
		<-b.donePersist
	})
}

// Buffered reports rows waiting in the open batch, for the stats surface.
func (b *Batcher) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func toRow(r Result) store.Row {
	row := store.Row{
		ItemID:        r.ItemID,
		MessageID:     r.MessageID,
		CorrelationID: r.CorrelationID,
		Service:       string(r.Request.Service),
		Resource:      r.Request.ResourcePath,
		APIVersion:    r.Request.APIVersion,
		Status:        r.Status.String(),
		Payload:       r.Payload,
		CollectedAt:   r.CollectedAt,
	}
	if r.Err != nil {
		row.Error = r.Err.Error()
	}
	return row
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
