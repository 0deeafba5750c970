// Package collectorcmd wires configuration into a running collector
// process: queue and store backends, the API caller, the pipeline, and the
// ops HTTP server.
package collectorcmd

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/harvest/internal/api"
	"github.com/rzbill/harvest/internal/collector"
	"github.com/rzbill/harvest/internal/config"
	"github.com/rzbill/harvest/internal/filter"
	"github.com/rzbill/harvest/internal/metrics"
	"github.com/rzbill/harvest/internal/queue"
	httpserver "github.com/rzbill/harvest/internal/server/http"
	pebblestore "github.com/rzbill/harvest/internal/storage/pebble"
	"github.com/rzbill/harvest/internal/store"
	"github.com/rzbill/harvest/pkg/log"
)

// Run starts the collector and blocks until ctx is cancelled or a fatal
// pipeline error escalates.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := NewLoggerFromConfig(cfg.Log)
	m := metrics.New()

	q, browser, closeQueue, err := OpenQueue(ctx, cfg.Queue, m)
	if err != nil {
		return err
	}
	defer closeQueue()

	writer, closeStore, err := OpenStore(ctx, cfg.Store, m)
	if err != nil {
		return err
	}
	defer closeStore()

	flt, err := filter.New(cfg.Collector.FilterExpr)
	if err != nil {
		return fmt.Errorf("compile filter: %w", err)
	}

	caller := api.NewClient(api.DefaultRegistry(), api.ClientOptions{
		BaseURL:   cfg.API.BaseURL,
		Tokens:    api.StaticToken(cfg.API.Token),
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		Timeout:   cfg.API.RequestTimeout(),
	})

	col, err := collector.New(collector.Options{
		Queue:   q,
		Writer:  writer,
		Caller:  caller,
		Filter:  flt,
		Config:  cfg.Collector,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return col.Run(gctx) })
	if cfg.HTTPAddr != "" {
		srv := httpserver.New(col, browser, m.Registry())
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
	}
	return g.Wait()
}

// NewLoggerFromConfig builds the process logger.
func NewLoggerFromConfig(cfg config.LogConfig) log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	opts := []log.LoggerOption{log.WithLevel(level)}
	if cfg.Format == "json" {
		opts = append(opts, log.WithFormatter(&log.JSONFormatter{}))
	}
	logger := log.NewLogger(opts...)
	log.RedirectStdLog(logger)
	return logger
}

// OpenQueue opens the configured queue backend. The returned browser is
// nil when the backend has no dead-letter browsing.
func OpenQueue(ctx context.Context, cfg config.QueueConfig, m *metrics.Metrics) (queue.Queue, queue.Browser, func(), error) {
	switch cfg.Kind {
	case "memory":
		q := queue.NewMemoryQueue()
		return q, q, func() {}, nil
	case "pebble":
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir: cfg.DataDir,
			Fsync:   pebblestore.FsyncModeAlways,
			Metrics: m,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open queue db: %w", err)
		}
		q := queue.OpenPebble(db, cfg.Name)
		go q.RunReclaim(ctx, 0)
		return q, q, func() { _ = db.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue kind %q", cfg.Kind)
	}
}

// OpenStore opens the configured result store.
func OpenStore(ctx context.Context, cfg config.StoreConfig, m *metrics.Metrics) (store.Writer, func(), error) {
	switch cfg.Kind {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "pebble":
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir: cfg.DataDir,
			Fsync:   pebblestore.FsyncModeAlways,
			Metrics: m,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open store db: %w", err)
		}
		return store.OpenPebbleStore(db), func() { _ = db.Close() }, nil
	case "postgres":
		pgStore, err := store.OpenPostgres(ctx, store.PostgresOptions{
			Addr:     cfg.Postgres.Addr,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			Table:    cfg.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			_ = pgStore.Close()
			return nil, nil, err
		}
		return pgStore, func() { _ = pgStore.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}
