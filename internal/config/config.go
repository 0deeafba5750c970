// Package config loads Harvest's process configuration from defaults, an
// optional JSON or YAML file, and HARVEST_* environment variables, in that
// order of precedence (later overlays win).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Collector CollectorConfig `json:"collector" yaml:"collector"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	API       APIConfig       `json:"api" yaml:"api"`
	Log       LogConfig       `json:"log" yaml:"log"`
	HTTPAddr  string          `json:"httpAddr" yaml:"httpAddr"`
}

// CollectorConfig holds the batching and concurrency knobs. Timeouts are in
// seconds to match the recognized environment surface.
type CollectorConfig struct {
	BatchSize            int    `json:"batchSize" yaml:"batchSize"`
	BatchTimeoutSec      int    `json:"batchTimeoutSec" yaml:"batchTimeoutSec"`
	NumThreads           int    `json:"numThreads" yaml:"numThreads"`
	MaxRetries           int    `json:"maxRetries" yaml:"maxRetries"`
	InitialRetryDelaySec int    `json:"initialRetryDelaySec" yaml:"initialRetryDelaySec"`
	LeaseBatch           int    `json:"leaseBatch" yaml:"leaseBatch"`
	VisibilityTimeoutSec int    `json:"visibilityTimeoutSec" yaml:"visibilityTimeoutSec"`
	ItemTimeoutSec       int    `json:"itemTimeoutSec" yaml:"itemTimeoutSec"`
	MaxRequestsPerItem   int    `json:"maxRequestsPerItem" yaml:"maxRequestsPerItem"`
	PartialFailurePolicy string `json:"partialFailurePolicy" yaml:"partialFailurePolicy"`
	FilterExpr           string `json:"filterExpr" yaml:"filterExpr"`
	FilterAction         string `json:"filterAction" yaml:"filterAction"`
}

// BatchTimeout returns the flush window as a duration.
func (c CollectorConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSec) * time.Second
}

// InitialRetryDelay returns the first backoff delay as a duration.
func (c CollectorConfig) InitialRetryDelay() time.Duration {
	return time.Duration(c.InitialRetryDelaySec) * time.Second
}

// VisibilityTimeout returns the lease visibility window as a duration.
func (c CollectorConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}

// ItemTimeout returns the overall per-item deadline as a duration.
func (c CollectorConfig) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutSec) * time.Second
}

// QueueConfig selects and configures the inbound work queue.
type QueueConfig struct {
	// Kind is "pebble" or "memory".
	Kind    string `json:"kind" yaml:"kind"`
	DataDir string `json:"dataDir" yaml:"dataDir"`
	Name    string `json:"name" yaml:"name"`
}

// StoreConfig selects and configures the downstream result store.
type StoreConfig struct {
	// Kind is "pebble", "postgres", or "memory".
	Kind     string         `json:"kind" yaml:"kind"`
	DataDir  string         `json:"dataDir" yaml:"dataDir"`
	Table    string         `json:"table" yaml:"table"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// PostgresConfig carries go-pg connection settings for the warehouse writer.
type PostgresConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// APIConfig configures the outbound management-API client.
type APIConfig struct {
	BaseURL           string  `json:"baseUrl" yaml:"baseUrl"`
	Token             string  `json:"token" yaml:"token"`
	RateLimit         float64 `json:"rateLimit" yaml:"rateLimit"`
	Burst             int     `json:"burst" yaml:"burst"`
	RequestTimeoutSec int     `json:"requestTimeoutSec" yaml:"requestTimeoutSec"`
}

// RequestTimeout returns the per-attempt HTTP timeout as a duration.
func (c APIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// LogConfig configures the logging facade.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Collector: CollectorConfig{
			BatchSize:            1000,
			BatchTimeoutSec:      10,
			NumThreads:           25,
			MaxRetries:           3,
			InitialRetryDelaySec: 1,
			LeaseBatch:           32,
			VisibilityTimeoutSec: 300,
			ItemTimeoutSec:       600,
			MaxRequestsPerItem:   64,
			PartialFailurePolicy: "release",
			FilterAction:         "skip",
		},
		Queue: QueueConfig{Kind: "pebble", Name: "collect"},
		Store: StoreConfig{Kind: "pebble", Table: "api_results"},
		API: APIConfig{
			BaseURL:           "https://management.azure.com",
			RateLimit:         0,
			Burst:             1,
			RequestTimeoutSec: 30,
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		HTTPAddr: ":8080",
	}
}

// Load reads configuration from a JSON or YAML file (by extension) layered
// over defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Collector.BatchSize <= 0 {
		return fmt.Errorf("collector.batchSize must be > 0")
	}
	if c.Collector.BatchTimeoutSec <= 0 {
		return fmt.Errorf("collector.batchTimeoutSec must be > 0")
	}
	if c.Collector.NumThreads <= 0 {
		return fmt.Errorf("collector.numThreads must be > 0")
	}
	if c.Collector.MaxRetries < 0 {
		return fmt.Errorf("collector.maxRetries must be >= 0")
	}
	if c.Collector.MaxRequestsPerItem <= 0 {
		return fmt.Errorf("collector.maxRequestsPerItem must be > 0")
	}
	switch c.Collector.PartialFailurePolicy {
	case "release", "deadletter":
	default:
		return fmt.Errorf("collector.partialFailurePolicy must be release or deadletter")
	}
	switch c.Collector.FilterAction {
	case "skip", "deadletter":
	default:
		return fmt.Errorf("collector.filterAction must be skip or deadletter")
	}
	switch c.Queue.Kind {
	case "pebble", "memory":
	default:
		return fmt.Errorf("queue.kind must be pebble or memory")
	}
	switch c.Store.Kind {
	case "pebble", "postgres", "memory":
	default:
		return fmt.Errorf("store.kind must be pebble, postgres, or memory")
	}
	if c.Queue.Kind == "pebble" && c.Queue.DataDir == "" {
		return fmt.Errorf("queue.dataDir required for pebble queue")
	}
	if c.Store.Kind == "pebble" && c.Store.DataDir == "" {
		return fmt.Errorf("store.dataDir required for pebble store")
	}
	if c.Store.Kind == "postgres" && c.Store.Postgres.Addr == "" {
		return fmt.Errorf("store.postgres.addr required for postgres store")
	}
	return nil
}
