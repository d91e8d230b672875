package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/session"
)

// Batch processes the files of one import concurrently. Cancelling the
// session or ctx stops new files from starting: files already in flight
// finish, the rest are recorded as skipped. Individual failures never
// abort the batch.
func (p *Pipeline) Batch(ctx context.Context, importID, userID string, jobs []model.Job, concurrency int) session.Snapshot {
	if importID == "" {
		importID = uuid.NewString()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	sess := p.recorder.Sessions().Start(importID, userID)
	sess.AddTotal(len(jobs))

	log := zap.L().With(zap.String("import_id", importID))
	log.Info("pipeline: batch started",
		zap.Int("files", len(jobs)),
		zap.Int("concurrency", concurrency),
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var processed, skipped, errored atomic.Int64

	for _, job := range jobs {
		job.ImportID, job.UserID = importID, userID
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		g.Go(func() error {
			if sess.Cancelled() || gctx.Err() != nil {
				skipped.Add(1)
				p.skip(gctx, job, "import cancelled before the file started")
				return nil
			}

			out, err := p.Process(gctx, job, nil)
			switch {
			case err == nil && out.Outcome == model.OutcomeSkipped:
				skipped.Add(1)
			case err == nil:
				processed.Add(1)
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				skipped.Add(1)
				p.skip(gctx, job, "import cancelled while the file was in flight")
			default:
				errored.Add(1)
				p.recorder.Record(gctx, job, model.FileOutcome{
					Outcome: model.OutcomeFailed,
					Status:  model.StatusFailed,
					Reason:  model.ReasonOther,
					Message: err.Error(),
					At:      p.now().UTC(),
				})
			}
			return nil // don't abort batch on individual failure
		})
	}
	_ = g.Wait()

	p.recorder.Finish(ctx, sess)
	log.Info("pipeline: batch complete",
		zap.Int64("processed", processed.Load()),
		zap.Int64("skipped", skipped.Load()),
		zap.Int64("errored", errored.Load()),
		zap.Bool("cancelled", sess.Cancelled()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sess.Snapshot()
}

// skip records job as skipped and drops its staged source file.
func (p *Pipeline) skip(ctx context.Context, job model.Job, msg string) model.FileOutcome {
	out := model.FileOutcome{
		ImportID: job.ImportID,
		JobID:    job.ID,
		FileName: job.DisplayName(),
		Outcome:  model.OutcomeSkipped,
		Message:  msg,
		At:       p.now().UTC(),
	}
	p.recorder.Record(ctx, job, out)
	p.cleanup(&fileRun{job: job, log: zap.L().With(zap.String("file", job.DisplayName()))})
	return out
}
