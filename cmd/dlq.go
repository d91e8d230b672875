package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/resilience"
)

var (
	dlqImportID  string
	dlqErrorType string
	dlqLimit     int
	dlqForce     bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(ctx, dlqFilter())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Push retryable dead-lettered jobs back onto the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		client := newRedisClient()
		defer client.Close() //nolint:errcheck
		q, err := initQueue(ctx, client, "")
		if err != nil {
			return err
		}

		entries, err := st.ListDLQ(ctx, dlqFilter())
		if err != nil {
			return err
		}
		requeued, skipped := requeueEntries(ctx, st, q, entries, dlqForce, time.Now().UTC())
		zap.L().Info("dlq: requeue complete", zap.Int("requeued", requeued), zap.Int("skipped", skipped))
		return nil
	},
}

func dlqFilter() resilience.DLQFilter {
	return resilience.DLQFilter{ImportID: dlqImportID, ErrorType: dlqErrorType, Limit: dlqLimit}
}

type dlqRequeuer interface {
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, jobs ...model.Job) ([]string, error)
}

// requeueEntries enqueues entries that may be retried and are due, then
// drops them from the DLQ. force ignores the schedule and the retry
// budget. Entries whose staged file is gone are pushed back an hour.
func requeueEntries(ctx context.Context, dlq dlqRequeuer, q jobEnqueuer, entries []resilience.DLQEntry, force bool, now time.Time) (int, int) {
	requeued, skipped := 0, 0
	for _, e := range entries {
		log := zap.L().With(zap.String("dlq_id", e.ID), zap.String("job_id", e.Job.ID))
		if !force && (!e.CanRetry() || e.NextRetryAt.After(now)) {
			skipped++
			continue
		}
		if _, err := os.Stat(e.Job.FilePath); err != nil {
			log.Warn("dlq: staged file missing", zap.String("path", e.Job.FilePath))
			if err := dlq.IncrementDLQRetry(ctx, e.ID, now.Add(time.Hour), "staged file missing"); err != nil {
				log.Error("dlq: reschedule failed", zap.Error(err))
			}
			skipped++
			continue
		}

		job := e.Job
		job.Attempt = 0
		if _, err := q.Enqueue(ctx, job); err != nil {
			log.Error("dlq: enqueue failed", zap.Error(err))
			skipped++
			continue
		}
		if err := dlq.RemoveDLQ(ctx, e.ID); err != nil {
			log.Error("dlq: remove failed", zap.Error(err))
		}
		requeued++
	}
	return requeued, skipped
}

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqImportID, "import-id", "", "only entries of this import")
	dlqCmd.PersistentFlags().StringVar(&dlqErrorType, "error-type", "", "only transient or permanent entries")
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 100, "maximum entries")
	dlqRequeueCmd.Flags().BoolVar(&dlqForce, "force", false, "requeue regardless of schedule and retry budget")
	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}
