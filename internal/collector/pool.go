package collector

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned for submissions after Close.
var ErrPoolClosed = errors.New("collector: pool closed")

// Pool is a fixed-size worker pool draining two bounded task queues. Item
// tasks and request tasks share the same workers, so total concurrent
// executions never exceed the worker count regardless of fan-out. Workers
// prefer request work: an item task blocked on request capacity would
// otherwise starve the requests it already submitted.
//
// The request queue is sized so an item task's submissions always fit
// (items in flight x max requests per item); item submission blocking on a
// full item queue is the backpressure signal that pauses leasing.
type Pool struct {
	items    chan func()
	requests chan func()

	quit    chan struct{}
	workers sync.WaitGroup
	tasks   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool sizes the pool. workers caps concurrency; itemBacklog bounds
// queued item tasks; requestBacklog must cover the worst-case request
// fan-out of all items in flight.
func NewPool(workers, itemBacklog, requestBacklog int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if itemBacklog <= 0 {
		itemBacklog = workers
	}
	if requestBacklog <= 0 {
		requestBacklog = (itemBacklog + workers) * 64
	}
	p := &Pool{
		items:    make(chan func(), itemBacklog),
		requests: make(chan func(), requestBacklog),
		quit:     make(chan struct{}),
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		// request work first
		select {
		case t := <-p.requests:
			p.run(t)
			continue
		default:
		}
		select {
		case t := <-p.requests:
			p.run(t)
		case t := <-p.items:
			p.run(t)
		case <-p.quit:
			// drain whatever is still queued
			for {
				select {
				case t := <-p.requests:
					p.run(t)
				case t := <-p.items:
					p.run(t)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(t func()) {
	defer p.tasks.Done()
	t()
}

// SubmitItem queues an item-level task, blocking for backlog capacity.
func (p *Pool) SubmitItem(ctx context.Context, t func()) error {
	return p.submit(ctx, p.items, t)
}

// SubmitRequest queues a request-level task. With a correctly sized pool
// this never blocks for long; see NewPool.
func (p *Pool) SubmitRequest(ctx context.Context, t func()) error {
	return p.submit(ctx, p.requests, t)
}

func (p *Pool) submit(ctx context.Context, ch chan func(), t func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.tasks.Add(1)
	p.mu.Unlock()

	// fast path: capacity available wins over a cancelled ctx
	select {
	case ch <- t:
		return nil
	default:
	}
	select {
	case ch <- t:
		return nil
	case <-ctx.Done():
		p.tasks.Done()
		return ctx.Err()
	}
}

// ItemBacklog reports queued item tasks, for the backpressure check.
func (p *Pool) ItemBacklog() int { return len(p.items) }

// Drain blocks until every submitted task has run. Callers must stop
// submitting item tasks first; request tasks submitted by draining item
// tasks are waited for.
func (p *Pool) Drain() { p.tasks.Wait() }

// Close stops the workers. Call after Drain; queued tasks are still run.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.quit)
	p.workers.Wait()
}
