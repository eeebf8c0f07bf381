// Command worker runs the C4 fleet process: one instance drains the
// work-items queue under a shared consumer group, following the same
// signal-driven start/shutdown shape as the teacher's main.go (start
// background goroutines, block on SIGINT/SIGTERM, cancel and wait).
// Horizontal scale-out is just running more of this binary, per §5's
// "process-level concurrency is the deployment-level scaling unit."
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaunnez/diamond-opus-sub003/internal/bootstrap"
	"github.com/shaunnez/diamond-opus-sub003/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub003/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs, err := bootstrap.New(ctx, "worker")
	if err != nil {
		log.Fatalf("worker: bootstrap failed: %v", err)
	}
	defer bs.Close()

	go metrics.Serve(ctx, bs.Cfg.MetricsAddr, bs.Log)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	w := worker.New(workerID, bs.Repo, bs.Limiter, bs.Queue, bs.Adapters, worker.Config{
		WorkItemsTopic:   bs.Cfg.WorkItemsTopic,
		WorkDoneTopic:    bs.Cfg.WorkDoneTopic,
		ConsolidateTopic: bs.Cfg.ConsolidateTopic,
	}, bs.Log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bs.Queue.Consume(ctx, bs.Cfg.WorkItemsTopic, "workers", w.Handle)
	}()

	bs.Log.Infow("worker: started", "worker_id", workerID, "topic", bs.Cfg.WorkItemsTopic)

	select {
	case <-sigChan:
		bs.Log.Infow("worker: shutting down")
	case err := <-errCh:
		if err != nil {
			bs.Log.Errorw("worker: consume loop exited", "error", err)
		}
	}
	cancel()
}
