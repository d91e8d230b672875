package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/inbox"
	"github.com/sells-group/finance-ingest/internal/queue"
	"github.com/sells-group/finance-ingest/internal/session"
)

var (
	workerConsumer    string
	workerConcurrency int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued documents and run them through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker", true)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Redis = newRedisClient()
		q, err := initQueue(ctx, env.Redis, workerConsumer)
		if err != nil {
			return err
		}

		if n, err := inbox.CleanParts(cfg.Storage.StagingDir); err != nil {
			zap.L().Warn("worker: clean staging failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("worker: removed unfinished staged files", zap.Int("count", n))
		}

		go runSessionGC(ctx, env.Sessions, cfg.Pipeline.SessionMaxAge())

		concurrency := workerConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Pipeline.Concurrency
		}
		w := queue.NewWorker(q, env.Pipeline, env.Store, env.Recorder, cfg.Queue)
		return w.Run(ctx, concurrency)
	},
}

// runSessionGC drops idle sessions older than maxAge until ctx ends.
func runSessionGC(ctx context.Context, sessions *session.Registry, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	interval := maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.GC(maxAge); n > 0 {
				zap.L().Info("sessions collected", zap.Int("count", n), zap.Int("live", sessions.Len()))
			}
		}
	}
}

func init() {
	workerCmd.Flags().StringVar(&workerConsumer, "consumer", "", "consumer name within the group (default: random)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "jobs processed at once (default from config)")
	rootCmd.AddCommand(workerCmd)
}
