// Package collector implements the message processing pipeline: lease
// queue items, expand them into API requests, execute them through a
// bounded worker pool, batch the results, persist batches atomically, and
// release items only after their results are durable.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/harvest/internal/api"
	"github.com/rzbill/harvest/internal/config"
	"github.com/rzbill/harvest/internal/filter"
	"github.com/rzbill/harvest/internal/metrics"
	"github.com/rzbill/harvest/internal/queue"
	"github.com/rzbill/harvest/internal/store"
	"github.com/rzbill/harvest/pkg/log"
)

const leasePollInterval = time.Second

// Options wires a Collector.
type Options struct {
	Queue    queue.Queue
	Writer   store.Writer
	Caller   api.Caller
	Registry *api.Registry
	Filter   *filter.Filter
	Config   config.CollectorConfig
	Logger   log.Logger
	Metrics  *metrics.Metrics
}

// Collector is the pipeline owner. One Run per process.
type Collector struct {
	q        queue.Queue
	registry *api.Registry
	flt      *filter.Filter
	cfg      config.CollectorConfig
	logger   log.Logger
	metrics  *metrics.Metrics

	pool       *Pool
	dispatcher *Dispatcher
	batcher    *Batcher
	committer  *Committer

	mu       sync.Mutex
	fatalErr error
	cancel   context.CancelFunc
}

// New validates options and assembles the pipeline.
func New(opts Options) (*Collector, error) {
	if opts.Queue == nil || opts.Writer == nil || opts.Caller == nil {
		return nil, errors.New("collector: queue, writer, and caller are required")
	}
	if opts.Registry == nil {
		opts.Registry = api.DefaultRegistry()
	}
	if opts.Filter == nil {
		opts.Filter, _ = filter.New("")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	cfg := opts.Config
	policy := NewPolicy(cfg.MaxRetries, cfg.InitialRetryDelay())
	logger := opts.Logger.WithComponent("collector")

	c := &Collector{
		q:        opts.Queue,
		registry: opts.Registry,
		flt:      opts.Filter,
		cfg:      cfg,
		logger:   logger,
		metrics:  opts.Metrics,
	}

	itemBacklog := cfg.LeaseBatch
	if itemBacklog <= 0 {
		itemBacklog = cfg.NumThreads
	}
	requestBacklog := (itemBacklog + cfg.NumThreads) * cfg.MaxRequestsPerItem
	c.pool = NewPool(cfg.NumThreads, itemBacklog, requestBacklog)

	c.dispatcher = NewDispatcher(opts.Caller, policy, opts.Logger, opts.Metrics)
	c.committer = NewCommitter(opts.Queue, PartialFailurePolicy(cfg.PartialFailurePolicy),
		cfg.VisibilityTimeout(), cfg.ItemTimeout(), opts.Logger, opts.Metrics)
	c.batcher = NewBatcher(opts.Writer, c.committer, cfg.BatchSize, cfg.BatchTimeout(),
		policy, opts.Logger, opts.Metrics, c.escalate)
	return c, nil
}

// escalate records a fatal pipeline error and stops the run.
func (c *Collector) escalate(err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the pipeline until ctx is cancelled or a fatal error
// escalates. On return every leased item has either been released,
// dead-lettered, or left to re-deliver after visibility expiry.
func (c *Collector) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	// persistence and queue releases must survive run cancellation so the
	// shutdown flush can complete
	persistCtx := context.WithoutCancel(ctx)
	c.batcher.Start(persistCtx)

	sweepDone := make(chan struct{})
	go c.sweepLoop(runCtx, sweepDone)

	c.logger.Info("collector started",
		log.Int("num_threads", c.cfg.NumThreads),
		log.Int("batch_size", c.cfg.BatchSize),
		log.Dur("batch_timeout", c.cfg.BatchTimeout()),
		log.Int("lease_batch", c.cfg.LeaseBatch))

	c.leaseLoop(runCtx, persistCtx)

	c.logger.Info("collector draining")
	c.pool.Drain()
	c.batcher.Close()
	c.pool.Close()
	<-sweepDone

	c.mu.Lock()
	err := c.fatalErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.logger.Info("collector stopped", log.Int("pending_items", c.committer.Pending()))
	return nil
}

func (c *Collector) leaseLoop(ctx, persistCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := c.q.Lease(ctx, c.cfg.LeaseBatch, c.cfg.VisibilityTimeout())
		if err != nil {
			c.logger.Error("lease failed", log.Err(err))
			if sleepCtx(ctx, leasePollInterval) != nil {
				return
			}
			continue
		}
		if len(items) == 0 {
			if sleepCtx(ctx, leasePollInterval) != nil {
				return
			}
			continue
		}
		c.metrics.ItemsLeased.Add(float64(len(items)))

		for _, item := range items {
			if err := c.admit(ctx, persistCtx, item); err != nil {
				// pool closed or ctx cancelled mid-batch; remaining items
				// re-deliver after visibility expiry
				return
			}
		}
	}
}

// admit parses, filters, registers, and submits one leased item. The
// submit blocks when the item backlog is full, which pauses leasing.
func (c *Collector) admit(ctx, persistCtx context.Context, item queue.Item) error {
	w, err := ParseItem(item, c.cfg.MaxRequestsPerItem, c.registry)
	if err != nil {
		c.logger.Warn("rejecting malformed item",
			log.Str("item_id", item.ID),
			log.Int("dequeues", item.Dequeues),
			log.Err(err))
		if dlErr := c.q.DeadLetter(persistCtx, item.ID, err.Error()); dlErr != nil {
			c.logger.Error("dead-letter failed", log.Str("item_id", item.ID), log.Err(dlErr))
		}
		c.metrics.ItemsCompleted.WithLabelValues("dead_lettered").Inc()
		return nil
	}

	if !c.flt.Match(filter.ItemView{
		MessageID:     w.MessageID,
		CorrelationID: w.CorrelationID,
		RequestCount:  len(w.Requests),
		Services:      w.Services(),
		Dequeues:      w.Dequeues,
		EnqueuedAt:    w.EnqueuedAt,
		Payload:       item.Payload,
	}) {
		return c.reject(persistCtx, w)
	}

	c.committer.Register(w)
	return c.pool.SubmitItem(ctx, func() {
		c.fanOut(ctx, persistCtx, w)
	})
}

// reject applies the configured action to a filtered-out item.
func (c *Collector) reject(ctx context.Context, w *WorkItem) error {
	if c.cfg.FilterAction == "deadletter" {
		if err := c.q.DeadLetter(ctx, w.ItemID, "rejected by item filter"); err != nil {
			c.logger.Error("dead-letter failed", log.Str("item_id", w.ItemID), log.Err(err))
		}
		c.metrics.ItemsCompleted.WithLabelValues("dead_lettered").Inc()
	} else {
		if err := c.q.Delete(ctx, w.ItemID); err != nil {
			c.logger.Error("skip delete failed", log.Str("item_id", w.ItemID), log.Err(err))
		}
		c.metrics.ItemsCompleted.WithLabelValues("skipped").Inc()
	}
	c.logger.Info("item filtered out",
		log.Str("item_id", w.ItemID),
		log.Str("message_id", w.MessageID),
		log.Str("action", c.cfg.FilterAction))
	return nil
}

// fanOut submits one request task per expanded request. When shutdown
// interrupts the item before all requests ran, the item is abandoned so
// the queue re-delivers it instead of releasing a half-processed item.
func (c *Collector) fanOut(ctx, persistCtx context.Context, w *WorkItem) {
	for _, req := range w.Requests {
		req := req
		err := c.pool.SubmitRequest(ctx, func() {
			res := c.dispatcher.Execute(ctx, w, req)
			if res.Status == StatusFailed && ctx.Err() != nil {
				c.committer.Abandon(w.ItemID)
				return
			}
			c.batcher.Add(res)
			c.committer.NoteResult(persistCtx, res)
		})
		if err != nil {
			c.committer.Abandon(w.ItemID)
			return
		}
	}
}

func (c *Collector) sweepLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := c.cfg.VisibilityTimeout() / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.committer.Sweep(ctx)
		}
	}
}

// Stats is the snapshot served on the stats endpoint.
type Stats struct {
	PendingItems int `json:"pending_items"`
	BufferedRows int `json:"buffered_rows"`
	ItemBacklog  int `json:"item_backlog"`
}

// Stats reports current pipeline occupancy.
func (c *Collector) Stats() Stats {
	return Stats{
		PendingItems: c.committer.Pending(),
		BufferedRows: c.batcher.Buffered(),
		ItemBacklog:  c.pool.ItemBacklog(),
	}
}
