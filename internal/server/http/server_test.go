package httpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/harvest/internal/collector"
	"github.com/rzbill/harvest/internal/metrics"
	"github.com/rzbill/harvest/internal/queue"
)

type fixedStats struct{ s collector.Stats }

func (f fixedStats) Stats() collector.Stats { return f.s }

func TestHealthAndStats(t *testing.T) {
	m := metrics.New()
	s := New(fixedStats{collector.Stats{PendingItems: 2, BufferedRows: 7}}, nil, m.Registry())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/statsz", nil))
	var got collector.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("statsz body: %v", err)
	}
	if got.PendingItems != 2 || got.BufferedRows != 7 {
		t.Fatalf("stats: %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ItemsLeased.Add(3)
	s := New(fixedStats{}, nil, m.Registry())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "harvest_items_leased_total 3") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}

func TestDLQEndpoint(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	itemID, _ := q.Enqueue(ctx, []byte(`{"message_id":"bad"}`))
	_, _ = q.Lease(ctx, 1, time.Minute)
	_ = q.DeadLetter(ctx, itemID, "malformed")

	s := New(fixedStats{}, q, metrics.New().Registry())
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/dlq?limit=10", nil))
	if rec.Code != 200 {
		t.Fatalf("dlq: %d", rec.Code)
	}
	var entries []dlqEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("dlq body: %v", err)
	}
	if len(entries) != 1 || entries[0].ItemID != itemID || entries[0].Reason != "malformed" {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestDLQWithoutBrowser(t *testing.T) {
	s := New(fixedStats{}, nil, metrics.New().Registry())
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/dlq", nil))
	if rec.Code != 501 {
		t.Fatalf("want 501, got %d", rec.Code)
	}
}
