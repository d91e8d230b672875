package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/resilience"
)

// Processor runs one job to a terminal outcome.
type Processor interface {
	Process(ctx context.Context, job model.Job, progress model.ProgressFunc) (model.FileOutcome, error)
}

// OutcomeRecorder records outcomes the processor could not produce itself.
type OutcomeRecorder interface {
	Record(ctx context.Context, job model.Job, o model.FileOutcome)
}

// DeadLetters stores jobs that exhausted their retries.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// Worker consumes jobs from a RedisQueue. Infrastructure errors from the
// processor are retried with backoff; a job that still fails is
// dead-lettered and recorded as failed.
type Worker struct {
	queue    *RedisQueue
	proc     Processor
	dlq      DeadLetters
	recorder OutcomeRecorder
	retry    resilience.RetryConfig
	block    time.Duration
	claimAge time.Duration
	now      func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(q *RedisQueue, proc Processor, dlq DeadLetters, recorder OutcomeRecorder, cfg config.QueueConfig) *Worker {
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	block := time.Duration(cfg.BlockSecs) * time.Second
	return &Worker{
		queue:    q,
		proc:     proc,
		dlq:      dlq,
		recorder: recorder,
		retry:    retry,
		block:    block,
		claimAge: 5 * time.Minute,
		now:      time.Now,
	}
}

// Run polls with concurrency consumers until ctx ends.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	zap.L().Info("queue: worker started",
		zap.String("consumer", w.queue.Consumer()),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				handled, err := w.Poll(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					zap.L().Error("queue: poll failed", zap.Error(err))
					sleep(gctx, time.Second)
					continue
				}
				if !handled && w.block <= 0 {
					sleep(gctx, 200*time.Millisecond)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	zap.L().Info("queue: worker stopped", zap.String("consumer", w.queue.Consumer()))
	return err
}

// Poll handles at most one job: an abandoned one first, then a new one.
// It reports whether a job was handled.
func (w *Worker) Poll(ctx context.Context) (bool, error) {
	msg, err := w.queue.Reclaim(ctx, w.claimAge)
	if err != nil {
		zap.L().Debug("queue: reclaim failed", zap.Error(err))
	}
	if msg == nil {
		msg, err = w.queue.Dequeue(ctx, w.block)
		if err != nil {
			return false, err
		}
	}
	if msg == nil {
		return false, nil
	}
	return true, w.Handle(ctx, msg)
}

// Handle processes one delivered message and acknowledges it. A message is
// left unacknowledged only when ctx ends mid-job, so another worker can
// reclaim it.
func (w *Worker) Handle(ctx context.Context, msg *Message) error {
	job := msg.Job
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("import_id", job.ImportID),
		zap.String("file", job.DisplayName()),
	)
	progress := func(pct int) {
		if err := w.queue.SetProgress(context.WithoutCancel(ctx), job.ID, pct); err != nil {
			log.Debug("queue: progress write failed", zap.Error(err))
		}
	}

	cfg := w.retry
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("queue: retrying job", zap.Int("attempt", attempt), zap.Error(err))
	}

	attempt := 0
	out, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (model.FileOutcome, error) {
		attempt++
		job.Attempt = attempt
		return w.proc.Process(ctx, job, progress)
	})
	if err != nil && ctx.Err() != nil {
		log.Info("queue: job interrupted, leaving it pending")
		return nil
	}

	var result model.JobResult
	if err != nil {
		log.Error("queue: job failed, dead-lettering", zap.Int("attempts", attempt), zap.Error(err))
		w.deadLetter(ctx, job, err, log)
		failed := model.FileOutcome{
			Outcome: model.OutcomeFailed,
			Status:  model.StatusFailed,
			Reason:  model.ReasonOther,
			Message: err.Error(),
			At:      w.now().UTC(),
		}
		if w.recorder != nil {
			w.recorder.Record(ctx, job, failed)
		}
		result = failed.Result()
	} else {
		result = out.Result()
	}

	bg := context.WithoutCancel(ctx)
	if err := w.queue.SetResult(bg, job.ID, result); err != nil {
		log.Warn("queue: result write failed", zap.Error(err))
	}
	return w.queue.Ack(bg, msg.ID)
}

func (w *Worker) deadLetter(ctx context.Context, job model.Job, cause error, log *zap.Logger) {
	if w.dlq == nil {
		return
	}
	entry := resilience.NewDLQEntry(job, cause, "pipeline", w.retry.MaxAttempts, w.now())
	if err := w.dlq.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("queue: dead-letter failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
