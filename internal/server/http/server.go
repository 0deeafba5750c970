// Package httpserver exposes the collector's operational surface: health,
// pipeline stats, dead-letter browsing, and Prometheus metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/harvest/internal/collector"
	"github.com/rzbill/harvest/internal/queue"
)

// StatsSource reports pipeline occupancy for the stats endpoint.
type StatsSource interface {
	Stats() collector.Stats
}

// Server serves the ops endpoints.
type Server struct {
	stats   StatsSource
	browser queue.Browser
	srv     *http.Server
	lis     net.Listener
}

// New wires the mux. browser may be nil when the queue implementation has
// no dead-letter browsing.
func New(stats StatsSource, browser queue.Browser, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{stats: stats, browser: browser, srv: &http.Server{Handler: mux}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/statsz", s.handleStats)
	mux.HandleFunc("/v1/dlq", s.handleDLQ)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s
}

// ListenAndServe serves until ctx is done, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listener address, for tests.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Close tears the listener down.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.Stats())
}

type dlqEntry struct {
	ItemID         string `json:"item_id"`
	Reason         string `json:"reason"`
	Dequeues       int    `json:"dequeues"`
	EnqueuedAt     string `json:"enqueued_at"`
	DeadLetteredAt string `json:"dead_lettered_at"`
	Payload        string `json:"payload"`
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = n
	}
	dead, err := s.browser.DeadLetters(r.Context(), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	out := make([]dlqEntry, 0, len(dead))
	for _, d := range dead {
		out = append(out, dlqEntry{
			ItemID:         d.ID,
			Reason:         d.Reason,
			Dequeues:       d.Dequeues,
			EnqueuedAt:     d.EnqueuedAt.UTC().Format(time.RFC3339),
			DeadLetteredAt: d.DeadLetteredAt.UTC().Format(time.RFC3339),
			Payload:        string(d.Payload),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
