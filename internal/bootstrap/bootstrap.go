// Package bootstrap wires the dependencies every binary in cmd/ needs: the
// config load, the zap logger, the repository pool, the queue transport, the
// watermark store, the rate limiter, and the adapter registry. It exists
// because main.go's "1. Config / 2. Dependencies" sections are identical
// across the scheduler trigger, worker fleet, and consolidator fleet — the
// three processes share one dependency graph and differ only in which loop
// they run on top of it.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shaunnez/diamond-opus-sub003/internal/adapter"
	"github.com/shaunnez/diamond-opus-sub003/internal/config"
	"github.com/shaunnez/diamond-opus-sub003/internal/logging"
	"github.com/shaunnez/diamond-opus-sub003/internal/objectstore"
	"github.com/shaunnez/diamond-opus-sub003/internal/queue"
	"github.com/shaunnez/diamond-opus-sub003/internal/ratelimit"
	"github.com/shaunnez/diamond-opus-sub003/internal/repository"

	"go.uber.org/zap"
)

// Bootstrap bundles every dependency a cmd/ binary needs after startup.
// Close must be called before the process exits.
type Bootstrap struct {
	Cfg       *config.Config
	Log       *zap.SugaredLogger
	Repo      *repository.Repository
	Queue     queue.Queue
	Watermark *objectstore.WatermarkStore
	Limiter   ratelimit.Limiter
	Adapters  map[string]adapter.SupplierAdapter
}

// New loads configuration from CONFIG_PATH (if set), connects the
// dependencies it describes, and builds an adapter registry from
// ADAPTER_FEEDS. It mirrors main.go's dbURL/flowURL resolution, just pointed
// at this system's own env vars. serviceName tags every log line emitted
// through the returned logger, the way the teacher prefixes log lines per
// subsystem.
func New(ctx context.Context, serviceName string) (*Bootstrap, error) {
	log := logging.New(serviceName)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	adapters, rawTables := buildAdapters(*cfg)
	if len(adapters) == 0 {
		log.Warnw("bootstrap: no feeds configured", "hint", "set ADAPTER_FEEDS to a comma-separated feed id list")
	}

	repo, err := repository.NewRepository(ctx, cfg.DatabaseURL, rawTables, cfg.DBPoolMinConns, cfg.DBPoolMaxConns)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect repository: %w", err)
	}

	q, err := buildQueue(*cfg, log)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("bootstrap: build queue: %w", err)
	}

	watermarkDir := cfg.WatermarkContainerDir
	if watermarkDir == "" {
		watermarkDir = "watermarks"
	}
	store := objectstore.NewWatermarkStore(objectstore.NewFileStore(watermarkDir))

	limiter := ratelimit.NewDBLimiter(repo, cfg.RateLimit.MaxRequestsPerWindow, cfg.RateLimit.Window(), cfg.RateLimit.MaxWait())

	return &Bootstrap{
		Cfg:       cfg,
		Log:       log,
		Repo:      repo,
		Queue:     q,
		Watermark: store,
		Limiter:   limiter,
		Adapters:  adapters,
	}, nil
}

// Close releases the repository pool and queue client, mirroring main.go's
// defer repo.Close() / defer flowClient.Close() pattern.
func (b *Bootstrap) Close() {
	b.Queue.Close()
	b.Repo.Close()
}

// buildQueue returns a KafkaQueue when QUEUE_BROKERS/queue_brokers names at
// least one broker, otherwise an in-process MemQueue for local/demo runs —
// the same "real broker in production, in-memory stand-in otherwise" split
// the test suites use throughout this codebase.
func buildQueue(cfg config.Config, log *zap.SugaredLogger) (queue.Queue, error) {
	if len(cfg.QueueBrokers) == 0 {
		return queue.NewMemQueue(), nil
	}
	return queue.NewKafkaQueue(cfg.QueueBrokers, log)
}

// buildAdapters constructs one adapter per feed named in ADAPTER_FEEDS
// (comma-separated). The only concrete implementation in-tree is the
// synthetic adapter (§1 treats individual supplier wire protocols as
// out-of-scope beyond the SupplierAdapter interface itself), seeded with
// SYNTHETIC_COUNT_<FEED> items whose prices step by one from the heatmap's
// MinPrice (item i gets MinPrice + i mod the price span), wrapping around
// when the count exceeds the span.
func buildAdapters(cfg config.Config) (map[string]adapter.SupplierAdapter, map[string]string) {
	feedsRaw := strings.TrimSpace(os.Getenv("ADAPTER_FEEDS"))
	if feedsRaw == "" {
		return map[string]adapter.SupplierAdapter{}, map[string]string{}
	}

	adapters := make(map[string]adapter.SupplierAdapter)
	rawTables := make(map[string]string)

	priceSpan := cfg.Heatmap.MaxPrice - cfg.Heatmap.MinPrice
	if priceSpan <= 0 {
		priceSpan = 1
	}

	for _, feedID := range strings.Split(feedsRaw, ",") {
		feedID = strings.TrimSpace(feedID)
		if feedID == "" {
			continue
		}

		table := "raw_" + feedID
		rawTables[feedID] = table

		count := getEnvInt(fmt.Sprintf("SYNTHETIC_COUNT_%s", strings.ToUpper(feedID)), 0)
		meta := adapter.Meta{
			FeedID:        feedID,
			RawTable:      table,
			WatermarkName: feedID,
			MaxPageSize:   cfg.WorkerPageSize,
		}
		minPrice := cfg.Heatmap.MinPrice
		raw := adapter.NewSynthetic(meta, count, func(i int) int64 {
			return minPrice + int64(i)%priceSpan
		})
		adapters[feedID] = adapter.NewCaching(raw, cfg.AdapterCountCacheSize)
	}

	return adapters, rawTables
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
