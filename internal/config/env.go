package config

import (
	"os"
	"strconv"
)

// FromEnv overlays HARVEST_* environment variables onto cfg. The batching and
// concurrency knobs also accept their bare legacy names (BATCH_SIZE,
// BATCH_TIMEOUT, NUM_THREADS, MAX_RETRIES, INITIAL_RETRY_DELAY).
func FromEnv(cfg *Config) {
	envInt(&cfg.Collector.BatchSize, "HARVEST_BATCH_SIZE", "BATCH_SIZE")
	envInt(&cfg.Collector.BatchTimeoutSec, "HARVEST_BATCH_TIMEOUT", "BATCH_TIMEOUT")
	envInt(&cfg.Collector.NumThreads, "HARVEST_NUM_THREADS", "NUM_THREADS")
	envInt(&cfg.Collector.MaxRetries, "HARVEST_MAX_RETRIES", "MAX_RETRIES")
	envInt(&cfg.Collector.InitialRetryDelaySec, "HARVEST_INITIAL_RETRY_DELAY", "INITIAL_RETRY_DELAY")
	envInt(&cfg.Collector.LeaseBatch, "HARVEST_LEASE_BATCH")
	envInt(&cfg.Collector.VisibilityTimeoutSec, "HARVEST_VISIBILITY_TIMEOUT")
	envInt(&cfg.Collector.ItemTimeoutSec, "HARVEST_ITEM_TIMEOUT")
	envInt(&cfg.Collector.MaxRequestsPerItem, "HARVEST_MAX_REQUESTS_PER_ITEM")
	envStr(&cfg.Collector.PartialFailurePolicy, "HARVEST_PARTIAL_FAILURE_POLICY")
	envStr(&cfg.Collector.FilterExpr, "HARVEST_FILTER_EXPR")
	envStr(&cfg.Collector.FilterAction, "HARVEST_FILTER_ACTION")

	envStr(&cfg.Queue.Kind, "HARVEST_QUEUE_KIND")
	envStr(&cfg.Queue.DataDir, "HARVEST_QUEUE_DATA_DIR")
	envStr(&cfg.Queue.Name, "HARVEST_QUEUE_NAME")

	envStr(&cfg.Store.Kind, "HARVEST_STORE_KIND")
	envStr(&cfg.Store.DataDir, "HARVEST_STORE_DATA_DIR")
	envStr(&cfg.Store.Table, "HARVEST_STORE_TABLE")
	envStr(&cfg.Store.Postgres.Addr, "HARVEST_PG_ADDR")
	envStr(&cfg.Store.Postgres.User, "HARVEST_PG_USER")
	envStr(&cfg.Store.Postgres.Password, "HARVEST_PG_PASSWORD")
	envStr(&cfg.Store.Postgres.Database, "HARVEST_PG_DATABASE")

	envStr(&cfg.API.BaseURL, "HARVEST_API_BASE_URL")
	envStr(&cfg.API.Token, "HARVEST_API_TOKEN")
	envFloat(&cfg.API.RateLimit, "HARVEST_API_RATE_LIMIT")
	envInt(&cfg.API.Burst, "HARVEST_API_BURST")
	envInt(&cfg.API.RequestTimeoutSec, "HARVEST_API_REQUEST_TIMEOUT")

	envStr(&cfg.Log.Level, "HARVEST_LOG_LEVEL", "LOG_LEVEL")
	envStr(&cfg.Log.Format, "HARVEST_LOG_FORMAT")
	envStr(&cfg.HTTPAddr, "HARVEST_HTTP_ADDR")
}

func envStr(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
			return
		}
	}
}

func envFloat(dst *float64, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
			return
		}
	}
}
