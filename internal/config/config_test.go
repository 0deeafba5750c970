package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchRecognizedSurface(t *testing.T) {
	cfg := Default()
	if cfg.Collector.BatchSize != 1000 {
		t.Fatalf("batch size default: %d", cfg.Collector.BatchSize)
	}
	if cfg.Collector.BatchTimeout() != 10*time.Second {
		t.Fatalf("batch timeout default: %v", cfg.Collector.BatchTimeout())
	}
	if cfg.Collector.NumThreads != 25 {
		t.Fatalf("num threads default: %d", cfg.Collector.NumThreads)
	}
	if cfg.Collector.MaxRetries != 3 {
		t.Fatalf("max retries default: %d", cfg.Collector.MaxRetries)
	}
	if cfg.Collector.InitialRetryDelay() != time.Second {
		t.Fatalf("initial retry delay default: %v", cfg.Collector.InitialRetryDelay())
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.yaml")
	body := []byte("collector:\n  batchSize: 2\n  numThreads: 4\nqueue:\n  kind: memory\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Collector.BatchSize != 2 || cfg.Collector.NumThreads != 4 {
		t.Fatalf("yaml overlay not applied: %+v", cfg.Collector)
	}
	if cfg.Queue.Kind != "memory" {
		t.Fatalf("queue kind: %q", cfg.Queue.Kind)
	}
	// untouched fields keep defaults
	if cfg.Collector.MaxRetries != 3 {
		t.Fatalf("defaults lost under overlay: %+v", cfg.Collector)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.json")
	body := []byte(`{"collector":{"batchSize":5},"store":{"kind":"memory"}}`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Collector.BatchSize != 5 || cfg.Store.Kind != "memory" {
		t.Fatalf("json overlay not applied: %+v", cfg)
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("HARVEST_BATCH_SIZE", "7")
	t.Setenv("NUM_THREADS", "3") // legacy bare name
	t.Setenv("HARVEST_QUEUE_KIND", "memory")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.Collector.BatchSize != 7 {
		t.Fatalf("HARVEST_BATCH_SIZE ignored: %d", cfg.Collector.BatchSize)
	}
	if cfg.Collector.NumThreads != 3 {
		t.Fatalf("legacy NUM_THREADS ignored: %d", cfg.Collector.NumThreads)
	}
	if cfg.Queue.Kind != "memory" {
		t.Fatalf("queue kind env ignored: %q", cfg.Queue.Kind)
	}
}

func TestEnvPrefixedNameWins(t *testing.T) {
	t.Setenv("HARVEST_BATCH_SIZE", "11")
	t.Setenv("BATCH_SIZE", "99")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.Collector.BatchSize != 11 {
		t.Fatalf("prefixed name should win: %d", cfg.Collector.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Queue.Kind = "memory"
	cfg.Store.Kind = "memory"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := cfg
	bad.Collector.BatchSize = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("zero batch size accepted")
	}

	bad = cfg
	bad.Collector.PartialFailurePolicy = "ignore"
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown partial failure policy accepted")
	}

	bad = cfg
	bad.Queue.Kind = "pebble"
	bad.Queue.DataDir = ""
	if err := bad.Validate(); err == nil {
		t.Fatalf("pebble queue without data dir accepted")
	}
}
