// Command consolidator runs the C5 fleet process: one instance drains the
// consolidate queue, claiming raw rows under its own stable instance id
// (consolidator.NewInstanceID's hostname-pid pattern, the direct descendant
// of the teacher's AsyncWorker.workerID). Same start/signal/shutdown shape
// as cmd/worker and the teacher's main.go.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunnez/diamond-opus-sub003/internal/bootstrap"
	"github.com/shaunnez/diamond-opus-sub003/internal/consolidator"
	"github.com/shaunnez/diamond-opus-sub003/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub003/internal/pricing"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs, err := bootstrap.New(ctx, "consolidator")
	if err != nil {
		log.Fatalf("consolidator: bootstrap failed: %v", err)
	}
	defer bs.Close()

	go metrics.Serve(ctx, bs.Cfg.MetricsAddr, bs.Log)

	instanceID := os.Getenv("CONSOLIDATOR_INSTANCE_ID")
	if instanceID == "" {
		instanceID = consolidator.NewInstanceID()
	}

	cfg := consolidator.Config{
		BatchSize:       bs.Cfg.ConsolidatorBatchSize,
		UpsertBatchSize: bs.Cfg.ConsolidatorUpsertBatchSize,
		Concurrency:     bs.Cfg.ConsolidatorConcurrency,
		ClaimTTL:        time.Duration(bs.Cfg.ConsolidatorClaimTTLMinutes) * time.Minute,
		ClearPayload:    os.Getenv("CONSOLIDATOR_CLEAR_PAYLOAD") != "false",
		FeedChain:       bs.Cfg.FeedChain,
		TriggerTopic:    bs.Cfg.SchedulerTriggerTopic,
	}

	c := consolidator.New(instanceID, bs.Repo, bs.Watermark, bs.Adapters, pricing.NewDefaultEvaluator(), bs.Queue, cfg, bs.Log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bs.Queue.Consume(ctx, bs.Cfg.ConsolidateTopic, "consolidators", c.Handle)
	}()

	bs.Log.Infow("consolidator: started", "instance_id", instanceID, "topic", bs.Cfg.ConsolidateTopic)

	select {
	case <-sigChan:
		bs.Log.Infow("consolidator: shutting down")
	case err := <-errCh:
		if err != nil {
			bs.Log.Errorw("consolidator: consume loop exited", "error", err)
		}
	}
	cancel()
}
