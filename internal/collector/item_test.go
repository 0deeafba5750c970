package collector

import (
	"testing"
	"time"

	"github.com/rzbill/harvest/internal/api"
	"github.com/rzbill/harvest/internal/faults"
	"github.com/rzbill/harvest/internal/queue"
)

func leased(payload string) queue.Item {
	return queue.Item{
		ID:         "item-1",
		Payload:    []byte(payload),
		Dequeues:   1,
		EnqueuedAt: time.Now(),
	}
}

func TestParseItemValid(t *testing.T) {
	body := `{
		"message_id": "m-1",
		"correlation_id": "run-7",
		"api_requests": [
			{"service": "compute", "method": "GET", "resource_path": "/subscriptions/{sub}/vms",
			 "parameters": {"sub": "s1"}},
			{"service": "network", "method": "GET", "resource_path": "/subscriptions/{sub}/nics",
			 "parameters": {"sub": "s1"}}
		],
		"timestamp": "2026-08-26T10:00:00Z"
	}`
	w, err := ParseItem(leased(body), 64, api.DefaultRegistry())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.ItemID != "item-1" || w.MessageID != "m-1" || w.CorrelationID != "run-7" {
		t.Fatalf("identity fields: %+v", w)
	}
	if len(w.Requests) != 2 {
		t.Fatalf("requests: %d", len(w.Requests))
	}
	if got := w.Services(); len(got) != 2 || got[0] != "compute" || got[1] != "network" {
		t.Fatalf("services: %v", got)
	}
}

func TestParseItemRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"message_id": `},
		{"missing message_id", `{"api_requests":[{"service":"compute","method":"GET","resource_path":"/x"}]}`},
		{"zero requests", `{"message_id":"m-1","api_requests":[]}`},
		{"unknown service", `{"message_id":"m-1","api_requests":[{"service":"mainframe","method":"GET","resource_path":"/x"}]}`},
		{"bad method", `{"message_id":"m-1","api_requests":[{"service":"compute","method":"PATCH","resource_path":"/x"}]}`},
		{"relative path", `{"message_id":"m-1","api_requests":[{"service":"compute","method":"GET","resource_path":"x"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseItem(leased(tc.body), 64, api.DefaultRegistry())
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !faults.IsPermanent(err) {
				t.Fatalf("rejection must be permanent, got %v", err)
			}
		})
	}
}

func TestParseItemRequestLimit(t *testing.T) {
	body := `{"message_id":"m-1","api_requests":[
		{"service":"compute","method":"GET","resource_path":"/a"},
		{"service":"compute","method":"GET","resource_path":"/b"},
		{"service":"compute","method":"GET","resource_path":"/c"}
	]}`
	if _, err := ParseItem(leased(body), 2, api.DefaultRegistry()); !faults.IsPermanent(err) {
		t.Fatalf("over-limit item must be permanent, got %v", err)
	}
	if _, err := ParseItem(leased(body), 3, api.DefaultRegistry()); err != nil {
		t.Fatalf("at-limit item should parse: %v", err)
	}
}
