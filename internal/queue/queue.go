// Package queue defines the inbound work-queue boundary and its
// implementations. The collector leases items under a visibility timeout,
// deletes them only after their results are durably persisted, and routes
// items that cannot complete to a dead-letter keyspace. Delivery is
// at-least-once: consumers must tolerate duplicate leases of the same
// logical item.
package queue

import (
	"context"
	"errors"
	"time"
)

// Item is one leased queue message.
type Item struct {
	// ID identifies this lease's message. Unique per queue.
	ID string
	// Payload is the raw message body (JSON).
	Payload []byte
	// Dequeues counts delivery attempts, this lease included.
	Dequeues int
	// EnqueuedAt is when the message entered the queue.
	EnqueuedAt time.Time
}

// DeadLetter is an item routed out of normal processing, kept for triage.
type DeadLetter struct {
	Item
	Reason         string
	DeadLetteredAt time.Time
}

// ErrNotFound is returned for operations against unknown or already-deleted
// item IDs.
var ErrNotFound = errors.New("queue: item not found")

// Queue is the consumer-side contract the collector drives.
type Queue interface {
	// Lease returns up to max items, each invisible to other consumers for
	// the visibility window. Expired leases make items leasable again.
	Lease(ctx context.Context, max int, visibility time.Duration) ([]Item, error)

	// Delete permanently removes an item. Called only once the item's
	// results are durably committed.
	Delete(ctx context.Context, itemID string) error

	// ExtendVisibility pushes out the lease expiry for an item still being
	// processed.
	ExtendVisibility(ctx context.Context, itemID string, visibility time.Duration) error

	// DeadLetter removes the item from normal circulation and records it
	// with a reason for operator triage.
	DeadLetter(ctx context.Context, itemID string, reason string) error
}

// Enqueuer is the producer-side contract used by the produce tool and tests.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

// Browser exposes dead-letter inspection for the ops CLI.
type Browser interface {
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
