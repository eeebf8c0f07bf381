// Package config loads the static deployment configuration (YAML) and
// layers per-process environment-variable overrides on top of it, the same
// two-layer pattern the teacher uses: a typed Config struct loaded once at
// startup, plus os.Getenv helpers in main() for operational tuning.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Heatmap holds the tuning knobs for the C2 adaptive density scanner.
type Heatmap struct {
	MinPrice             int64 `yaml:"min_price"`
	MaxPrice             int64 `yaml:"max_price"`
	DenseZoneThreshold   int64 `yaml:"dense_zone_threshold"`
	DenseZoneStep        int64 `yaml:"dense_zone_step"`
	InitialStep          int64 `yaml:"initial_step"`
	TargetRecordsPerChunk int  `yaml:"target_records_per_chunk"`
	MaxWorkers           int   `yaml:"max_workers"`
	MinRecordsPerWorker  int   `yaml:"min_records_per_worker"`
	Concurrency          int   `yaml:"concurrency"`
	UseTwoPassScan       bool  `yaml:"use_two_pass_scan"`
	CoarseStep           int64 `yaml:"coarse_step"`
	MaxTotalRecords      int64 `yaml:"max_total_records"`
}

// RateLimit configures the distributed token bucket shared by the worker
// fleet for a single supplier.
type RateLimit struct {
	MaxRequestsPerWindow int           `yaml:"max_requests_per_window"`
	WindowMs             int           `yaml:"window_ms"`
	MaxWaitMs            int           `yaml:"max_wait_ms"`
}

func (r RateLimit) Window() time.Duration  { return time.Duration(r.WindowMs) * time.Millisecond }
func (r RateLimit) MaxWait() time.Duration { return time.Duration(r.MaxWaitMs) * time.Millisecond }

// Config is the full set of recognized options from spec §6.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	WorkerPageSize               int `yaml:"worker_page_size"`
	ConsolidatorBatchSize        int `yaml:"consolidator_batch_size"`
	ConsolidatorUpsertBatchSize  int `yaml:"consolidator_upsert_batch_size"`
	ConsolidatorConcurrency      int `yaml:"consolidator_concurrency"`
	ConsolidatorClaimTTLMinutes  int `yaml:"consolidator_claim_ttl_minutes"`

	Heatmap   Heatmap   `yaml:"heatmap"`
	RateLimit RateLimit `yaml:"rate_limit"`

	FullRunStartDate               time.Time `yaml:"-"`
	FullRunStartDateRaw            string    `yaml:"full_run_start_date"`
	IncrementalSafetyBufferMinutes int       `yaml:"incremental_safety_buffer_minutes"`

	// FeedChain maps a feedId to the next feedId to trigger once
	// consolidation of the former completes successfully.
	FeedChain map[string]string `yaml:"feed_chain"`

	DBPoolMinConns int `yaml:"db_pool_min_conns"`
	DBPoolMaxConns int `yaml:"db_pool_max_conns"`

	QueueBrokers          []string `yaml:"queue_brokers"`
	WorkItemsTopic        string   `yaml:"work_items_topic"`
	WorkDoneTopic         string   `yaml:"work_done_topic"`
	ConsolidateTopic      string   `yaml:"consolidate_topic"`
	SchedulerTriggerTopic string   `yaml:"scheduler_trigger_topic"`
	WatermarkContainerDir string   `yaml:"watermark_container_dir"`

	// AdapterCountCacheSize bounds the per-adapter LRU of GetCount results
	// (§4.1: "MAY be cached by the adapter"). 0 disables the cache.
	AdapterCountCacheSize int `yaml:"adapter_count_cache_size"`

	// MetricsAddr is the listen address for the Prometheus /metrics scrape
	// endpoint. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config populated with the same defaults the teacher
// hardcodes in ingester.NewService / main.go when a value is unset.
func Default() Config {
	return Config{
		WorkerPageSize:                  200,
		ConsolidatorBatchSize:           500,
		ConsolidatorUpsertBatchSize:     100,
		ConsolidatorConcurrency:         4,
		ConsolidatorClaimTTLMinutes:     10,
		IncrementalSafetyBufferMinutes:  15,
		FullRunStartDateRaw:             "2000-01-01T00:00:00Z",
		DBPoolMinConns:                  2,
		DBPoolMaxConns:                  10,
		WorkItemsTopic:                  "work-items",
		WorkDoneTopic:                   "work-done",
		ConsolidateTopic:                "consolidate",
		SchedulerTriggerTopic:           "scheduler-trigger",
		WatermarkContainerDir:           "watermarks",
		AdapterCountCacheSize:           4096,
		MetricsAddr:                     ":9090",
		Heatmap: Heatmap{
			MinPrice:              0,
			MaxPrice:              1_000_000_00,
			DenseZoneThreshold:    1_000_00,
			DenseZoneStep:         50_00,
			InitialStep:           50_00,
			TargetRecordsPerChunk: 500,
			MaxWorkers:            10,
			MinRecordsPerWorker:   50,
			Concurrency:           8,
			UseTwoPassScan:        false,
			CoarseStep:            10_000_00,
			MaxTotalRecords:       0,
		},
		RateLimit: RateLimit{
			MaxRequestsPerWindow: 100,
			WindowMs:             1000,
			MaxWaitMs:            30_000,
		},
	}
}

// Load reads a YAML file over the defaults, then resolves the parsed
// FullRunStartDateRaw into a time.Time, following the teacher's
// config.Load(path) pattern (os.ReadFile + yaml.Unmarshal).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.FullRunStartDateRaw != "" {
		t, err := time.Parse(time.RFC3339, cfg.FullRunStartDateRaw)
		if err != nil {
			return nil, err
		}
		cfg.FullRunStartDate = t
	}

	return &cfg, nil
}

// applyEnvOverrides layers environment variables on top of the YAML config,
// mirroring the getEnvInt/getEnvUint helpers the teacher defines inline in
// main().
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getEnvInt("WORKER_PAGE_SIZE", 0); v != 0 {
		cfg.WorkerPageSize = v
	}
	if v := getEnvInt("CONSOLIDATOR_BATCH_SIZE", 0); v != 0 {
		cfg.ConsolidatorBatchSize = v
	}
	if v := getEnvInt("CONSOLIDATOR_CONCURRENCY", 0); v != 0 {
		cfg.ConsolidatorConcurrency = v
	}
	if v := getEnvInt("DB_POOL_MAX_CONNS", 0); v != 0 {
		cfg.DBPoolMaxConns = v
	}
	if v := os.Getenv("QUEUE_BROKERS"); v != "" {
		cfg.QueueBrokers = strings.Split(v, ",")
	}
}

func getEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}
