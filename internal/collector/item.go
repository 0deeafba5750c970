package collector

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rzbill/harvest/internal/api"
	"github.com/rzbill/harvest/internal/faults"
	"github.com/rzbill/harvest/internal/queue"
)

// WorkItem is one leased queue message expanded into its requests. Owned by
// the commit coordinator from registration until release.
type WorkItem struct {
	// ItemID is the queue's lease identity.
	ItemID string
	// MessageID is the producer-assigned identifier from the message body.
	MessageID string
	// CorrelationID groups messages from one collection run. Optional.
	CorrelationID string
	// Requests are the expanded API calls, in message order.
	Requests []api.Request
	// Dequeues counts deliveries of this message, current lease included.
	Dequeues int
	// EnqueuedAt is when the message entered the queue.
	EnqueuedAt time.Time
	// ReceivedAt is when this process leased the message.
	ReceivedAt time.Time
}

// ResultStatus is the terminal outcome of one request.
type ResultStatus int

const (
	StatusSuccess ResultStatus = iota
	StatusFailed
)

func (s ResultStatus) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failed"
}

// Result is produced exactly once per request, after retries are exhausted
// or the call succeeds.
type Result struct {
	ItemID        string
	MessageID     string
	CorrelationID string
	Request       api.Request
	Status        ResultStatus
	Payload       json.RawMessage
	Err           error
	Attempts      int
	Latency       time.Duration
	CollectedAt   time.Time
}

// message is the inbound body schema.
type message struct {
	MessageID     string        `json:"message_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	APIRequests   []api.Request `json:"api_requests"`
	Timestamp     string        `json:"timestamp,omitempty"`
}

// ParseItem validates and expands a leased message. All violations are
// permanent faults: the item goes straight to the dead-letter path without
// consuming retry budget.
func ParseItem(item queue.Item, maxRequests int, reg *api.Registry) (*WorkItem, error) {
	var msg message
	if err := json.Unmarshal(item.Payload, &msg); err != nil {
		return nil, faults.Permanent(err)
	}
	if msg.MessageID == "" {
		return nil, faults.Permanentf("message_id is required")
	}
	if len(msg.APIRequests) == 0 {
		return nil, faults.Permanentf("message %s has no api_requests", msg.MessageID)
	}
	if maxRequests > 0 && len(msg.APIRequests) > maxRequests {
		return nil, faults.Permanentf("message %s has %d requests, limit %d",
			msg.MessageID, len(msg.APIRequests), maxRequests)
	}
	for i, req := range msg.APIRequests {
		if err := req.Validate(reg); err != nil {
			return nil, faults.Wrap(err, "request "+strconv.Itoa(i))
		}
	}
	return &WorkItem{
		ItemID:        item.ID,
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Requests:      msg.APIRequests,
		Dequeues:      item.Dequeues,
		EnqueuedAt:    item.EnqueuedAt,
		ReceivedAt:    time.Now(),
	}, nil
}

// Services lists the distinct service names across the item's requests, in
// first-seen order.
func (w *WorkItem) Services() []string {
	seen := make(map[string]struct{}, len(w.Requests))
	var out []string
	for _, req := range w.Requests {
		name := string(req.Service)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
