package dedup

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Outcome is the dedup decision for one file.
type Outcome string

const (
	// New content, never seen inside the retention window.
	OutcomeNew Outcome = "new"
	// Orphaned content: a record exists but no live document references
	// it. The record has been rehabilitated and the file is processed as new.
	OutcomeOrphaned Outcome = "orphaned"
	// Duplicate content still referenced by a live document.
	OutcomeDuplicate Outcome = "duplicate"
	// Resumed marks a file this import already stored and linked, seen again
	// because the task was re-invoked.
	OutcomeResumed Outcome = "resumed"
)

// Store is the slice of persistence the resolver needs.
type Store interface {
	FindContentByHash(ctx context.Context, hash string, deletedAfter time.Time) (*model.ContentRecord, error)
	FindResumable(ctx context.Context, importID, originalName string) (*model.ContentRecord, error)
	GetContent(ctx context.Context, id string) (*model.ContentRecord, error)
	RehabilitateContent(ctx context.Context, id string) error
	DocumentLive(ctx context.Context, id string) (bool, error)
	FindLiveDocumentByFileRef(ctx context.Context, docType model.DocumentType, fragment string) (*model.BusinessDocument, error)
}

// Resolution is the result of Resolve.
type Resolution struct {
	Hash    string
	Outcome Outcome
	// Record is the existing content record, if any. For orphans it already
	// reflects the rehabilitation.
	Record *model.ContentRecord
	// DocumentID is the live document behind a duplicate or resumed file.
	DocumentID string
	// Precomputed is set when the hash or the decision came from upstream.
	Precomputed bool
}

// Duplicate reports whether the file must skip extraction.
func (r *Resolution) Duplicate() bool {
	return r.Outcome == OutcomeDuplicate
}

// Resolver decides new / orphaned / duplicate for incoming files.
type Resolver struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewResolver creates a Resolver. Soft-deleted records count as seen for
// window after deletion; a zero window keeps them forever.
func NewResolver(store Store, window time.Duration) *Resolver {
	return &Resolver{store: store, window: window, now: time.Now}
}

// Resolve fingerprints job's file and classifies it.
func (r *Resolver) Resolve(ctx context.Context, job model.Job) (*Resolution, error) {
	log := zap.L().With(zap.String("import_id", job.ImportID), zap.String("file", job.DisplayName()))

	res := &Resolution{Hash: job.PrecomputedHash, Precomputed: job.PrecomputedHash != ""}
	if res.Hash == "" {
		h, err := HashFile(job.FilePath)
		if err != nil {
			return nil, err
		}
		res.Hash = h
	}
	log = log.With(zap.String("hash", res.Hash))

	if job.ImportID != "" {
		prior, err := r.store.FindResumable(ctx, job.ImportID, job.DisplayName())
		if err != nil {
			return nil, eris.Wrap(err, "dedup: find resumable")
		}
		if prior != nil && prior.Hash == res.Hash && prior.DocumentID != nil {
			live, err := r.store.DocumentLive(ctx, *prior.DocumentID)
			if err != nil {
				return nil, eris.Wrap(err, "dedup: document live")
			}
			if live {
				log.Info("dedup: file already stored by this import, resuming")
				res.Outcome, res.Record, res.DocumentID = OutcomeResumed, prior, *prior.DocumentID
				return res, nil
			}
		}
	}

	if pre := job.PrecomputedDuplicate; pre != nil {
		res.Precomputed = true
		if !pre.IsDuplicate {
			res.Outcome = OutcomeNew
			return res, nil
		}
		res.Outcome, res.DocumentID = OutcomeDuplicate, pre.DocumentID
		if pre.ExistingRecordID != "" {
			rec, err := r.store.GetContent(ctx, pre.ExistingRecordID)
			if err != nil {
				return nil, eris.Wrap(err, "dedup: load precomputed duplicate")
			}
			res.Record = rec
		}
		return res, nil
	}

	var cutoff time.Time
	if r.window > 0 {
		cutoff = r.now().Add(-r.window)
	}
	rec, err := r.store.FindContentByHash(ctx, res.Hash, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: find by hash")
	}
	if rec == nil {
		res.Outcome = OutcomeNew
		return res, nil
	}
	res.Record = rec

	docID, err := r.liveReference(ctx, rec, log)
	if err != nil {
		return nil, err
	}
	if docID != "" {
		log.Info("dedup: duplicate content", zap.String("existing_record", rec.ID), zap.String("document_id", docID))
		res.Outcome, res.DocumentID = OutcomeDuplicate, docID
		return res, nil
	}

	if err := r.store.RehabilitateContent(ctx, rec.ID); err != nil {
		return nil, eris.Wrapf(err, "dedup: rehabilitate %s", rec.ID)
	}
	rec.DeletedAt = nil
	rec.DocumentID = nil
	rec.Status = model.StatusPending
	rec.FailureReason = model.ReasonNone
	log.Info("dedup: orphaned record rehabilitated", zap.String("record", rec.ID))
	res.Outcome = OutcomeOrphaned
	return res, nil
}

// liveReference returns the id of a live document referencing rec, or "".
// The stored back-reference is checked first, then the stored file name is
// searched for in every document type's file reference.
func (r *Resolver) liveReference(ctx context.Context, rec *model.ContentRecord, log *zap.Logger) (string, error) {
	if rec.DocumentID != nil && *rec.DocumentID != "" {
		live, err := r.store.DocumentLive(ctx, *rec.DocumentID)
		if err != nil {
			return "", eris.Wrap(err, "dedup: document live")
		}
		if live {
			return *rec.DocumentID, nil
		}
	}

	for _, fragment := range fileFragments(rec) {
		for _, dt := range model.DocumentTypes {
			doc, err := r.store.FindLiveDocumentByFileRef(ctx, dt, fragment)
			if err != nil {
				return "", eris.Wrap(err, "dedup: find document by file ref")
			}
			if doc != nil {
				if rec.DocumentID == nil || *rec.DocumentID != doc.ID {
					log.Warn("dedup: live document found by file reference but not linked",
						zap.String("record", rec.ID), zap.String("document_id", doc.ID))
				}
				return doc.ID, nil
			}
		}
	}
	return "", nil
}

func fileFragments(rec *model.ContentRecord) []string {
	var out []string
	seen := map[string]bool{"": true, ".": true, string(filepath.Separator): true}
	for _, f := range []string{filepath.Base(rec.StoragePath), rec.OriginalName} {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
