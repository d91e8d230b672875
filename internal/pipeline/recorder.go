package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/notify"
	"github.com/sells-group/finance-ingest/internal/session"
)

// OutcomeSaver persists file outcomes beyond the life of a session.
type OutcomeSaver interface {
	SaveOutcomes(ctx context.Context, outcomes []model.FileOutcome) (int64, error)
}

// Recorder reports file outcomes to import sessions, persists them and
// sends notifications.
type Recorder struct {
	sessions *session.Registry
	outcomes OutcomeSaver
	notifier notify.Notifier
}

// NewRecorder creates a Recorder. outcomes and notifier may be nil.
func NewRecorder(sessions *session.Registry, outcomes OutcomeSaver, notifier notify.Notifier) *Recorder {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Recorder{sessions: sessions, outcomes: outcomes, notifier: notifier}
}

// Sessions returns the session registry.
func (r *Recorder) Sessions() *session.Registry { return r.sessions }

// Session returns the session of job's import, or nil for jobs outside an
// import.
func (r *Recorder) Session(job model.Job) *session.Session {
	if job.ImportID == "" {
		return nil
	}
	s := r.sessions.Start(job.ImportID, job.UserID)
	if job.BatchSize > 0 {
		s.EnsureTotal(job.BatchSize)
	}
	return s
}

// Progress forwards a checkpoint to the job's session.
func (r *Recorder) Progress(job model.Job, percent int) {
	if s := r.Session(job); s != nil {
		s.Progress(job.ID, percent)
	}
}

// Record stores the terminal outcome of one file. When the job belongs to a
// queued batch whose last file this was, the batch is finished.
func (r *Recorder) Record(ctx context.Context, job model.Job, o model.FileOutcome) {
	if o.ImportID == "" {
		o.ImportID = job.ImportID
	}
	if o.JobID == "" {
		o.JobID = job.ID
	}
	if o.FileName == "" {
		o.FileName = job.DisplayName()
	}

	log := zap.L().With(
		zap.String("import_id", o.ImportID),
		zap.String("file", o.FileName),
		zap.String("outcome", string(o.Outcome)),
	)
	if o.Outcome == model.OutcomeFailed {
		log.Warn("pipeline: file failed", zap.String("reason", o.Message))
	} else {
		log.Info("pipeline: file recorded",
			zap.String("status", string(o.Status)),
			zap.String("reason", string(o.Reason)),
		)
	}

	s := r.Session(job)
	if s != nil {
		s.Record(o)
	}
	if r.outcomes != nil && o.ImportID != "" {
		if _, err := r.outcomes.SaveOutcomes(context.WithoutCancel(ctx), []model.FileOutcome{o}); err != nil {
			log.Warn("pipeline: persist outcome failed", zap.Error(err))
		}
	}
	if s != nil && job.BatchSize > 0 && s.Done() {
		r.Finish(ctx, s)
	}
}

// Duplicate sends the duplicate notification for job.
func (r *Recorder) Duplicate(ctx context.Context, job model.Job, existingRecordID, documentID string) {
	ev := notify.DuplicateDetected(job.ImportID, job.UserID, job.DisplayName(), existingRecordID, documentID)
	if err := r.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		zap.L().Warn("pipeline: duplicate notification failed", zap.Error(err))
	}
}

// Finish completes a session once and sends the batch notification.
func (r *Recorder) Finish(ctx context.Context, s *session.Session) {
	if !s.Finish() {
		return
	}
	ev := notify.BatchComplete(s.ID, s.UserID, s.Counters(), s.Cancelled())
	if err := r.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		zap.L().Warn("pipeline: batch notification failed", zap.String("import_id", s.ID), zap.Error(err))
	}
}
