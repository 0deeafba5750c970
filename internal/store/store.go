// Package store defines the durable result sink. A batch of rows commits
// atomically or not at all; the collector releases queue items only after
// the write returns, so partial persistence would break the delivery
// guarantee.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Row is one collected API response ready for persistence.
type Row struct {
	// ItemID is the queue item the response was collected for.
	ItemID string `json:"item_id"`
	// MessageID is the producer-assigned message identifier.
	MessageID string `json:"message_id"`
	// CorrelationID groups messages belonging to one collection run.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Service names the API surface the response came from.
	Service string `json:"service"`
	// Resource is the resolved resource path that was fetched.
	Resource string `json:"resource"`
	// APIVersion is the version the call was made with.
	APIVersion string `json:"api_version"`
	// Status is "success" or "failed".
	Status string `json:"status"`
	// Payload is the raw response body. Empty for failed rows.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error carries the terminal failure for failed rows.
	Error string `json:"error,omitempty"`
	// CollectedAt is when the response was received.
	CollectedAt time.Time `json:"collected_at"`
}

// Writer persists one batch atomically. Implementations must not leave a
// partially visible batch behind on error.
type Writer interface {
	WriteBatch(ctx context.Context, batchID string, rows []Row) error
}

// Reader exposes committed batches for export tooling and tests.
type Reader interface {
	ReadBatch(ctx context.Context, batchID string) ([]Row, error)
	ListBatches(ctx context.Context, limit int) ([]string, error)
}
