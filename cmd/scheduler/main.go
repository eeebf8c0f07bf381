// Command scheduler is the §6 trigger entrypoint: "the scheduler accepts a
// (feedId, runType, force?) trigger through an out-of-scope transport (CLI,
// HTTP, or scheduled job)." This is the CLI transport, built on cobra the
// way the erigon example repo's command tree is (one root binary, one
// subcommand per operating mode): `trigger` runs one (feedId, runType)
// trigger and exits, `serve` stays running and consumes the
// scheduler-trigger topic, the receiving half of the consolidator's
// fire-and-forget feed-chain hop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/shaunnez/diamond-opus-sub003/internal/bootstrap"
	"github.com/shaunnez/diamond-opus-sub003/internal/heatmap"
	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/shaunnez/diamond-opus-sub003/internal/scheduler"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "C3 trigger entrypoint for the ingestion pipeline",
	}
	root.AddCommand(newTriggerCmd(), newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTriggerCmd() *cobra.Command {
	var feedID, runType string
	var force bool

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "trigger one ingestion run for a feed and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if feedID == "" {
				return fmt.Errorf("scheduler: --feed is required (or set TRIGGER_FEED_ID)")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			bs, err := bootstrap.New(ctx, "scheduler")
			if err != nil {
				return fmt.Errorf("scheduler: bootstrap failed: %w", err)
			}
			defer bs.Close()

			ad, ok := bs.Adapters[feedID]
			if !ok {
				return fmt.Errorf("scheduler: no adapter registered for feed %q (check ADAPTER_FEEDS)", feedID)
			}

			scan := heatmap.NewScanner(bs.Cfg.Heatmap, bs.Log)
			sched := scheduler.New(bs.Repo, bs.Watermark, scan, bs.Queue, bs.Adapters, bs.Cfg, bs.Log)

			run, err := sched.Trigger(ctx, ad, models.RunType(runType), force)
			if err != nil {
				return fmt.Errorf("scheduler: trigger failed: %w", err)
			}

			bs.Log.Infow("scheduler: triggered", "feed_id", feedID, "run_id", run.RunID, "expected_workers", run.ExpectedWorkers)
			return nil
		},
	}

	cmd.Flags().StringVar(&feedID, "feed", os.Getenv("TRIGGER_FEED_ID"), "feed id to trigger a run for")
	cmd.Flags().StringVar(&runType, "run-type", envOr("TRIGGER_RUN_TYPE", string(models.RunTypeIncremental)), "full|incremental")
	cmd.Flags().BoolVar(&force, "force", envBoolOr("TRIGGER_FORCE", false), "allow consolidation to proceed despite partial worker failures")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "stay running and consume the scheduler-trigger topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			bs, err := bootstrap.New(ctx, "scheduler")
			if err != nil {
				return fmt.Errorf("scheduler: bootstrap failed: %w", err)
			}
			defer bs.Close()

			scan := heatmap.NewScanner(bs.Cfg.Heatmap, bs.Log)
			sched := scheduler.New(bs.Repo, bs.Watermark, scan, bs.Queue, bs.Adapters, bs.Cfg, bs.Log)

			runServer(ctx, bs, sched)
			return nil
		},
	}
	return cmd
}

// runServer consumes the scheduler-trigger topic until a shutdown signal
// arrives, the long-running counterpart to a single trigger invocation.
func runServer(ctx context.Context, bs *bootstrap.Bootstrap, sched *scheduler.Scheduler) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		topic := bs.Cfg.SchedulerTriggerTopic
		if topic == "" {
			topic = "scheduler-trigger"
		}
		errCh <- bs.Queue.Consume(ctx, topic, "scheduler", sched.Handle)
	}()

	select {
	case <-sigChan:
		bs.Log.Infow("scheduler: shutting down")
	case err := <-errCh:
		if err != nil {
			bs.Log.Errorw("scheduler: consume loop exited", "error", err)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
