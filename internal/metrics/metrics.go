// Package metrics exposes the prometheus counters/gauges shared by the
// scheduler, worker fleet, and consolidator, following the promauto
// pattern used for Kafka partition-reader metrics in the retrieval pack's
// grafana-tempo reference file.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	PartitionsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diamond_ingest",
		Name:      "heatmap_partitions_total",
		Help:      "Partitions produced by the heatmap partitioner, per feed.",
	}, []string{"feed_id"})

	PagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diamond_ingest",
		Name:      "worker_pages_total",
		Help:      "Pages processed by the worker fleet, per feed and outcome.",
	}, []string{"feed_id", "outcome"})

	RawRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diamond_ingest",
		Name:      "worker_raw_rows_total",
		Help:      "Raw rows upserted by the worker fleet, per feed.",
	}, []string{"feed_id"})

	RowsConsolidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diamond_ingest",
		Name:      "consolidator_rows_total",
		Help:      "Rows consolidated, per feed and outcome.",
	}, []string{"feed_id", "outcome"})

	RateLimiterWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "diamond_ingest",
		Name:      "rate_limiter_wait_seconds",
		Help:      "Time spent waiting to acquire a rate limiter token.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"feed_id"})

	WatermarkLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "diamond_ingest",
		Name:      "watermark_lag_seconds",
		Help:      "Seconds between now and the feed's watermark lastUpdatedAt.",
	}, []string{"feed_id"})
)

// Serve starts the /metrics scrape endpoint on addr and blocks until ctx is
// canceled, the same background-listener shape the teacher starts its
// pprof/health endpoints with. addr == "" disables the endpoint.
func Serve(ctx context.Context, addr string, log *zap.SugaredLogger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Infow("metrics: serving", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("metrics: server exited", "error", err)
	}
}
