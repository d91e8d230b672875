// Package pipeline runs incoming files through dedup, extraction,
// classification and storage, and records the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/classify"
	"github.com/sells-group/finance-ingest/internal/dedup"
	"github.com/sells-group/finance-ingest/internal/extract"
	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/retention"
	"github.com/sells-group/finance-ingest/internal/sniff"
	"github.com/sells-group/finance-ingest/internal/storage"
	"github.com/sells-group/finance-ingest/internal/store"
	"github.com/sells-group/finance-ingest/internal/template"
)

// Progress checkpoints reported for every file.
const (
	progressStart      = 0
	progressHashed     = 10
	progressSniffed    = 25
	progressTemplate   = 40
	progressExtracted  = 60
	progressClassified = 75
	progressStored     = 90
	progressDone       = 100
)

// Store is the persistence the pipeline needs.
type Store interface {
	dedup.Store
	classify.CompanyLookup
	classify.NumberLookup
	template.Source

	CreateContent(ctx context.Context, rec *model.ContentRecord) error
	SaveContent(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error
}

// Options tune the pipeline.
type Options struct {
	// DuplicateWindow bounds how long soft-deleted content still counts as
	// seen. Zero keeps it forever.
	DuplicateWindow time.Duration
	Retention       retention.Policy
	// RemoveSource deletes the incoming file once it has a terminal outcome.
	RemoveSource bool
}

// Pipeline processes one file at a time; it is safe for concurrent use.
type Pipeline struct {
	opts       Options
	store      Store
	dedup      *dedup.Resolver
	templates  *template.Resolver
	opener     extract.Opener
	extractor  *extract.Extractor
	classifier *classify.Classifier
	router     *storage.Router
	recorder   *Recorder
	now        func() time.Time
}

// New creates a Pipeline with all dependencies.
func New(
	opts Options,
	st Store,
	opener extract.Opener,
	fields *model.FieldRegistry,
	router *storage.Router,
	recorder *Recorder,
) *Pipeline {
	if opts.Retention.Years <= 0 {
		opts.Retention = retention.DefaultPolicy
	}
	return &Pipeline{
		opts:       opts,
		store:      st,
		dedup:      dedup.NewResolver(st, opts.DuplicateWindow),
		templates:  template.NewResolver(st),
		opener:     opener,
		extractor:  extract.New(fields),
		classifier: classify.New(classify.NewMatcher(st), st),
		router:     router,
		recorder:   recorder,
		now:        time.Now,
	}
}

// Recorder returns the outcome recorder.
func (p *Pipeline) Recorder() *Recorder { return p.recorder }

// fileRun is the state of one Process call.
type fileRun struct {
	job    model.Job
	log    *zap.Logger
	report func(int)
	format model.FileFormat
	rec    *model.ContentRecord
}

// Process runs job through every stage and records its outcome. Each file
// is attempted once: an outcome, even a failed one, is terminal. A returned
// error means the file did not reach an outcome (infrastructure failure or
// cancellation); nothing was recorded and the source file is kept so the
// caller may retry. A file of a cancelled import is recorded as skipped
// without being read.
func (p *Pipeline) Process(ctx context.Context, job model.Job, progress model.ProgressFunc) (model.FileOutcome, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if s := p.recorder.Session(job); s != nil && s.Cancelled() {
		return p.skip(ctx, job, "import cancelled before the file started"), nil
	}
	run := &fileRun{
		job: job,
		log: zap.L().With(
			zap.String("import_id", job.ImportID),
			zap.String("job_id", job.ID),
			zap.String("file", job.DisplayName()),
		),
	}
	run.report = func(pct int) {
		if progress != nil {
			progress(pct)
		}
		p.recorder.Progress(job, pct)
	}

	start := time.Now()
	run.report(progressStart)

	out, err := p.process(ctx, run)
	if errors.Is(err, store.ErrContentTaken) && run.rec != nil {
		run.log.Warn("pipeline: identical content stored concurrently, keeping as duplicate", zap.Error(err))
		out, err = p.stageDuplicate(ctx, run, &dedup.Resolution{Hash: run.rec.Hash, Outcome: dedup.OutcomeDuplicate})
	}
	if err != nil {
		run.log.Warn("pipeline: file not finished", zap.Error(err))
		return model.FileOutcome{}, err
	}

	out.ImportID, out.JobID, out.FileName = job.ImportID, job.ID, job.DisplayName()
	out.At = p.now().UTC()
	p.recorder.Record(ctx, job, out)
	p.cleanup(run)
	run.report(progressDone)

	run.log.Info("pipeline: file complete",
		zap.String("outcome", string(out.Outcome)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

func (p *Pipeline) process(ctx context.Context, run *fileRun) (model.FileOutcome, error) {
	job := run.job

	if err := checkReadable(job.FilePath); err != nil {
		return failed(model.ReasonOther, err), nil
	}
	format, err := formatOf(job)
	if err != nil {
		return p.rejectInput(run, err)
	}
	run.format = format

	res, err := p.dedup.Resolve(ctx, job)
	if err != nil {
		return model.FileOutcome{}, err
	}
	run.log = run.log.With(zap.String("hash", res.Hash))
	run.report(progressHashed)

	switch res.Outcome {
	case dedup.OutcomeResumed:
		return resumed(res), nil
	case dedup.OutcomeDuplicate:
		return p.stageDuplicate(ctx, run, res)
	}

	run.rec = &model.ContentRecord{
		Hash:         res.Hash,
		OriginalName: job.DisplayName(),
		Format:       format,
		Status:       model.StatusPending,
		ImportID:     job.ImportID,
		UploadedBy:   job.UserID,
		Metadata:     map[string]any{"dedup": string(res.Outcome)},
	}
	if res.Outcome == dedup.OutcomeOrphaned && res.Record != nil {
		run.rec.ID = res.Record.ID
		run.rec.CreatedAt = res.Record.CreatedAt
	}

	src, err := p.opener.Open(ctx, job.FilePath, format)
	if err != nil {
		if ctx.Err() != nil {
			return model.FileOutcome{}, eris.Wrap(ctx.Err(), "pipeline: cancelled")
		}
		return p.fail(ctx, run, model.DocInvoice, model.ReasonOther, inputError(err, "open document"))
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}

	docType := p.sniff(ctx, run, src)
	run.report(progressSniffed)

	tpl, err := p.templates.Resolve(ctx, format, docType)
	if IsTemplateError(err) {
		return p.fail(ctx, run, docType, model.ReasonParsingError, err)
	}
	if err != nil {
		return model.FileOutcome{}, err
	}
	run.rec.Metadata["template"] = tpl.Code
	run.report(progressTemplate)

	ext, err := p.extractor.Extract(ctx, src, tpl)
	if err != nil {
		return model.FileOutcome{}, err
	}
	run.rec.Fields = ext.Snapshot()
	run.rec.Metadata["page_count"] = ext.PageCount
	if len(ext.FieldErrors) > 0 {
		run.rec.Metadata["field_errors"] = ext.FieldErrors
	}
	run.report(progressExtracted)

	docType, err = template.CheckExtractedType(tpl, ext.Value(model.FieldDocumentType))
	if err != nil {
		return p.fail(ctx, run, tpl.DocumentType, model.ReasonParsingError, err)
	}
	run.rec.DocumentType = docType

	if ext.EarlyExit {
		return p.earlyExit(ctx, run, docType, ext)
	}

	cls, err := p.classifier.Classify(ctx, classify.Input{DocumentType: docType, Values: ext.Values})
	if err != nil {
		return model.FileOutcome{}, err
	}
	run.report(progressClassified)

	return p.persist(ctx, run, docType, cls, ext)
}

// sniff guesses the document type from the first page. A valid hint from
// the job wins.
func (p *Pipeline) sniff(ctx context.Context, run *fileRun, src extract.Source) model.DocumentType {
	if run.job.DocumentTypeHint.Valid() {
		run.rec.Metadata["sniffed"] = "hint"
		return run.job.DocumentTypeHint
	}
	text, err := src.Text(ctx, 1)
	if err != nil {
		run.log.Warn("pipeline: first page unreadable, assuming invoice", zap.Error(err))
		return model.DocInvoice
	}
	s := sniff.Sniff(text)
	run.rec.Metadata["sniffed"] = string(s.Type)
	run.log.Debug("pipeline: sniffed document type",
		zap.String("document_type", string(s.Type)),
		zap.String("keyword", s.Keyword),
	)
	return s.Type
}

// persist places the file and saves the record and document together. A
// business number taken by a concurrent writer downgrades the file to an
// unallocated duplicate.
func (p *Pipeline) persist(ctx context.Context, run *fileRun, dt model.DocumentType, cls *classify.Result, ext *extract.Result) (model.FileOutcome, error) {
	rec := run.rec
	rec.Status = cls.Status
	rec.FailureReason = cls.Reason
	for k, v := range cls.Metadata() {
		rec.Metadata[k] = v
	}
	if cls.Company != nil {
		rec.CompanyID = &cls.Company.ID
	}

	doc := cls.Document(dt, "")
	if doc != nil {
		doc.PurchaseOrder = strings.TrimSpace(ext.Value(model.FieldPurchaseOrder))
		created := rec.CreatedAt
		if created.IsZero() {
			created = p.now()
		}
		retention.Apply(doc, created, rec.Status, p.opts.Retention)
	}

	err := p.save(ctx, run, dt, cls.Routed(), doc)
	if errors.Is(err, store.ErrConflict) && doc != nil {
		run.log.Warn("pipeline: business number taken concurrently, storing as duplicate",
			zap.String("number", doc.Number))
		cls.NumberDuplicate = true
		cls.Decision = classify.Decide(classify.Facts{NumberDuplicate: true})
		rec.Status, rec.FailureReason = cls.Status, cls.Reason
		rec.Metadata["rule"] = cls.Rule
		rec.Metadata["duplicate_number"] = cls.Number
		doc = nil
		err = p.save(ctx, run, dt, false, nil)
	}
	if err != nil {
		return model.FileOutcome{}, err
	}
	run.report(progressStored)
	msg := describe(cls, dt)
	if doc != nil && rec.DocumentID == nil {
		run.log.Error("pipeline: document not created, record kept without it",
			zap.String("number", doc.Number),
			zap.Any("document_error", rec.Metadata["document_error"]),
		)
		doc = nil
		msg += "; business document could not be created"
	}

	out := model.FileOutcome{
		Outcome:     model.OutcomeUnallocated,
		Status:      rec.Status,
		Reason:      rec.FailureReason,
		Message:     msg,
		Missing:     cls.MissingNames(),
		FileID:      rec.ID,
		StoragePath: rec.StoragePath,
		Review:      cls.Review,
	}
	if cls.CreateDocument && doc != nil {
		out.Outcome = model.OutcomeSucceeded
		out.DocumentID = doc.ID
	}
	if rec.CompanyID != nil {
		out.CompanyID = *rec.CompanyID
	}
	return out, nil
}

// save copies the file to its destination and persists run.rec with doc.
// If persistence fails the copy is removed again.
func (p *Pipeline) save(ctx context.Context, run *fileRun, dt model.DocumentType, routed bool, doc *model.BusinessDocument) error {
	rec := run.rec
	dest, err := p.router.Place(run.job.FilePath, routed, dt, run.job.DisplayName())
	if err != nil {
		return eris.Wrap(err, "pipeline: place file")
	}
	rec.StoragePath = dest
	if doc != nil {
		doc.FileRef = dest
	}

	id := rec.ID
	if err := p.store.SaveContent(ctx, rec, doc); err != nil {
		rec.ID, rec.DocumentID, rec.StoragePath = id, nil, ""
		if rmErr := p.router.Remove(dest); rmErr != nil {
			run.log.Error("pipeline: compensation failed, stray copy left", zap.String("path", dest), zap.Error(rmErr))
		}
		return eris.Wrap(err, "pipeline: save content")
	}
	return nil
}

// earlyExit stores a file whose crucial fields could not be read.
func (p *Pipeline) earlyExit(ctx context.Context, run *fileRun, dt model.DocumentType, ext *extract.Result) (model.FileOutcome, error) {
	rec := run.rec
	rec.Status = model.StatusUnallocated
	rec.FailureReason = model.ReasonParsingError
	rec.Metadata["early_exit"] = true
	rec.Metadata["missing"] = ext.Missing

	if err := p.save(ctx, run, dt, false, nil); err != nil {
		return model.FileOutcome{}, err
	}
	run.report(progressStored)
	return model.FileOutcome{
		Outcome:     model.OutcomeUnallocated,
		Status:      rec.Status,
		Reason:      rec.FailureReason,
		Message:     "crucial fields missing: " + strings.Join(ext.Missing, ", "),
		Missing:     ext.Missing,
		FileID:      rec.ID,
		StoragePath: rec.StoragePath,
	}, nil
}

// fail stores a file that cannot be processed any further.
func (p *Pipeline) fail(ctx context.Context, run *fileRun, dt model.DocumentType, reason model.FailureReason, cause error) (model.FileOutcome, error) {
	rec := run.rec
	rec.Status = model.StatusFailed
	rec.FailureReason = reason
	rec.Metadata["error"] = cause.Error()
	run.log.Warn("pipeline: file failed", zap.String("reason", string(reason)), zap.Error(cause))

	if err := p.save(ctx, run, dt, false, nil); err != nil {
		return model.FileOutcome{}, err
	}
	out := failed(reason, cause)
	out.FileID = rec.ID
	out.StoragePath = rec.StoragePath
	return out, nil
}

// rejectInput moves a file of an unsupported type to the failed tree
// without touching any record.
func (p *Pipeline) rejectInput(run *fileRun, cause error) (model.FileOutcome, error) {
	out := failed(model.ReasonOther, cause)
	dest, err := p.router.Place(run.job.FilePath, false, model.DocInvoice, run.job.DisplayName())
	if err != nil {
		return model.FileOutcome{}, eris.Wrap(err, "pipeline: place rejected file")
	}
	out.StoragePath = dest
	return out, nil
}

// stageDuplicate keeps a copy of duplicate content for review next to the
// primary record and notifies the uploader.
func (p *Pipeline) stageDuplicate(ctx context.Context, run *fileRun, res *dedup.Resolution) (model.FileOutcome, error) {
	job := run.job
	primary := res.Record
	if primary == nil {
		rec, err := p.store.FindContentByHash(ctx, res.Hash, time.Time{})
		if err != nil {
			return model.FileOutcome{}, eris.Wrap(err, "pipeline: load primary record")
		}
		primary = rec
	}
	if res.DocumentID == "" && primary != nil && primary.DocumentID != nil {
		res.DocumentID = *primary.DocumentID
	}

	cls, err := p.classifier.Classify(ctx, classify.Input{ContentDuplicate: true})
	if err != nil {
		return model.FileOutcome{}, err
	}

	rec := &model.ContentRecord{
		Hash:          res.Hash,
		OriginalName:  job.DisplayName(),
		Format:        run.format,
		Status:        cls.Status,
		FailureReason: cls.Reason,
		ImportID:      job.ImportID,
		UploadedBy:    job.UserID,
		Metadata:      map[string]any{"rule": cls.Rule, "document_id": res.DocumentID},
	}
	dt := model.DocInvoice
	primaryID := ""
	if primary != nil {
		primaryID = primary.ID
		rec.DuplicateOf = &primary.ID
		rec.DocumentType = primary.DocumentType
		rec.Fields = primary.Fields
		if primary.DocumentType.Valid() {
			dt = primary.DocumentType
		}
	}

	dest, err := p.router.Place(job.FilePath, cls.Routed(), dt, job.DisplayName())
	if err != nil {
		return model.FileOutcome{}, eris.Wrap(err, "pipeline: place duplicate")
	}
	rec.StoragePath = dest
	if err := p.store.CreateContent(ctx, rec); err != nil {
		if rmErr := p.router.Remove(dest); rmErr != nil {
			run.log.Error("pipeline: compensation failed, stray copy left", zap.String("path", dest), zap.Error(rmErr))
		}
		return model.FileOutcome{}, eris.Wrap(err, "pipeline: create duplicate record")
	}
	run.report(progressStored)

	p.recorder.Duplicate(ctx, job, primaryID, res.DocumentID)
	return model.FileOutcome{
		Outcome:     model.OutcomeDuplicate,
		Status:      rec.Status,
		Reason:      rec.FailureReason,
		Message:     fmt.Sprintf("identical content already stored as %s", primaryID),
		FileID:      rec.ID,
		DocumentID:  res.DocumentID,
		StoragePath: dest,
	}, nil
}

// cleanup removes the incoming file after a terminal outcome.
func (p *Pipeline) cleanup(run *fileRun) {
	if !p.opts.RemoveSource {
		return
	}
	if err := os.Remove(run.job.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		run.log.Warn("pipeline: remove source failed", zap.Error(err))
	}
}

func checkReadable(path string) error {
	if path == "" {
		return inputError(nil, "no file path")
	}
	f, err := os.Open(path)
	if err != nil {
		return inputError(err, "file missing or unreadable")
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return inputError(err, "stat file")
	}
	if info.IsDir() {
		return inputError(nil, "path is a directory")
	}
	return nil
}

// formatOf prefers the original upload name; the queue-safe temp name is
// tried second.
func formatOf(job model.Job) (model.FileFormat, error) {
	f, err := extract.FormatOf(job.DisplayName())
	if err == nil {
		return f, nil
	}
	if f2, err2 := extract.FormatOf(job.FilePath); err2 == nil {
		return f2, nil
	}
	return "", inputError(err, "unsupported file type")
}

func failed(reason model.FailureReason, cause error) model.FileOutcome {
	return model.FileOutcome{
		Outcome: model.OutcomeFailed,
		Status:  model.StatusFailed,
		Reason:  reason,
		Message: cause.Error(),
	}
}

func resumed(res *dedup.Resolution) model.FileOutcome {
	rec := res.Record
	out := model.FileOutcome{
		Outcome:     model.OutcomeResumed,
		Status:      rec.Status,
		Reason:      rec.FailureReason,
		Message:     "already stored by this import",
		FileID:      rec.ID,
		DocumentID:  res.DocumentID,
		StoragePath: rec.StoragePath,
	}
	if rec.CompanyID != nil {
		out.CompanyID = *rec.CompanyID
	}
	return out
}

func describe(cls *classify.Result, dt model.DocumentType) string {
	switch cls.Rule {
	case classify.RuleReady:
		return fmt.Sprintf("%s %s parsed", dt, cls.Number)
	case classify.RuleReview:
		return "parsed, needs review: " + strings.Join(cls.MissingNames(), ", ")
	case classify.RuleNoCompany:
		if cls.Account == "" {
			return "no account number to match a company"
		}
		return fmt.Sprintf("no company matches account %q", cls.Account)
	case classify.RuleNumberDuplicate:
		return fmt.Sprintf("%s number %s already exists", dt, cls.Number)
	default:
		return cls.Rule
	}
}
