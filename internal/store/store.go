// Package store persists content records, business documents, companies,
// templates, import outcomes and dead-lettered jobs.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/resilience"
)

var (
	// ErrNotFound is returned by Get methods for unknown ids.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a write violates a unique constraint.
	ErrConflict = eris.New("store: unique constraint violation")
	// ErrContentTaken is returned by SaveContent when another writer has
	// already stored the same content and linked it to a live document.
	ErrContentTaken = eris.New("store: content already linked to a live document")
)

// ContentStore persists ContentRecords.
type ContentStore interface {
	// FindContentByHash returns the primary record for hash, or nil. Soft
	// deleted records are included when deleted at or after deletedAfter;
	// a zero deletedAfter includes all of them.
	FindContentByHash(ctx context.Context, hash string, deletedAfter time.Time) (*model.ContentRecord, error)
	// FindResumable returns a live record of the same import and original
	// name that already references a document, or nil.
	FindResumable(ctx context.Context, importID, originalName string) (*model.ContentRecord, error)
	GetContent(ctx context.Context, id string) (*model.ContentRecord, error)
	ListContentByImport(ctx context.Context, importID string) ([]model.ContentRecord, error)
	// CreateContent inserts rec as-is. Hash collisions return ErrConflict.
	CreateContent(ctx context.Context, rec *model.ContentRecord) error
	// RehabilitateContent clears the deletion marker and back-reference of
	// an orphaned record and resets it to pending.
	RehabilitateContent(ctx context.Context, id string) error
	// SaveContent writes the final state of rec, and doc when non-nil, in
	// one transaction. A record without an ID is inserted; when another
	// writer already holds the hash, that record is updated instead and
	// rec.ID is set to it, unless it already backs a live document
	// (ErrContentTaken). The document back-reference is linked. A document
	// insert failing for any reason but a number conflict leaves the record
	// committed without it: rec.DocumentID is cleared and the error is kept
	// under "document_error" in rec.Metadata.
	SaveContent(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error
	SoftDeleteContent(ctx context.Context, id string) error
}

// DocumentStore persists BusinessDocuments.
type DocumentStore interface {
	DocumentLive(ctx context.Context, id string) (bool, error)
	// FindLiveDocumentByFileRef returns a live document of docType whose
	// file_ref contains fragment, or nil.
	FindLiveDocumentByFileRef(ctx context.Context, docType model.DocumentType, fragment string) (*model.BusinessDocument, error)
	BusinessNumberExists(ctx context.Context, docType model.DocumentType, number string) (bool, error)
	GetDocument(ctx context.Context, id string) (*model.BusinessDocument, error)
	SoftDeleteDocument(ctx context.Context, id string) error
}

// CompanyStore looks up and loads companies. Find methods return nil when
// nothing matches.
type CompanyStore interface {
	FindCompanyByReference(ctx context.Context, ref int64) (*model.Company, error)
	FindCompanyByCode(ctx context.Context, code string) (*model.Company, error)
	FindCompanyByCodeNumber(ctx context.Context, n int64) (*model.Company, error)
	FindCompanyByReferenceText(ctx context.Context, ref string) (*model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)
	UpsertCompanies(ctx context.Context, companies []model.Company) (int64, error)
}

// TemplateStore persists extraction templates.
type TemplateStore interface {
	GetDefaultTemplate(ctx context.Context, format model.FileFormat, docType model.DocumentType) (*model.Template, error)
	ListTemplates(ctx context.Context, format model.FileFormat, docType model.DocumentType) ([]model.Template, error)
	// SaveTemplate upserts by code. Saving a default demotes the previous
	// default of the same type and format.
	SaveTemplate(ctx context.Context, tpl *model.Template) error
}

// OutcomeStore keeps per-file import outcomes after sessions expire.
type OutcomeStore interface {
	SaveOutcomes(ctx context.Context, outcomes []model.FileOutcome) (int64, error)
	ListOutcomes(ctx context.Context, importID string) ([]model.FileOutcome, error)
	// CountOutcomes tallies outcomes recorded at or after since.
	CountOutcomes(ctx context.Context, since time.Time) (map[model.OutcomeKind]int, error)
}

// DLQStore persists dead-lettered jobs.
type DLQStore interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)
}

// Store is the full persistence interface.
type Store interface {
	ContentStore
	DocumentStore
	CompanyStore
	TemplateStore
	OutcomeStore
	DLQStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// row is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type row interface {
	Scan(dest ...any) error
}

const contentColumns = `id, hash, original_name, storage_path, format, document_type, status,
	failure_reason, fields, metadata, document_id, company_id, duplicate_of, import_id,
	uploaded_by, created_at, updated_at, deleted_at`

func scanContent(r row) (*model.ContentRecord, error) {
	var rec model.ContentRecord
	var fields, meta []byte
	if err := r.Scan(&rec.ID, &rec.Hash, &rec.OriginalName, &rec.StoragePath, &rec.Format,
		&rec.DocumentType, &rec.Status, &rec.FailureReason, &fields, &meta,
		&rec.DocumentID, &rec.CompanyID, &rec.DuplicateOf, &rec.ImportID, &rec.UploadedBy,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal fields")
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal metadata")
		}
	}
	return &rec, nil
}

const documentColumns = `id, type, number, company_id, content_record_id, file_ref, account_number,
	issue_date, due_date, net_amount, tax_amount, total_amount, purchase_order, review,
	retention_start, retention_expiry, created_at, deleted_at`

func scanDocument(r row) (*model.BusinessDocument, error) {
	var d model.BusinessDocument
	if err := r.Scan(&d.ID, &d.Type, &d.Number, &d.CompanyID, &d.ContentRecordID, &d.FileRef,
		&d.AccountNumber, &d.IssueDate, &d.DueDate, &d.NetAmount, &d.TaxAmount, &d.TotalAmount,
		&d.PurchaseOrder, &d.Review, &d.RetentionStart, &d.RetentionExpiry, &d.CreatedAt,
		&d.DeletedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

const companyColumns = `id, name, code, reference_number, created_at`

func scanCompany(r row) (*model.Company, error) {
	var c model.Company
	if err := r.Scan(&c.ID, &c.Name, &c.Code, &c.ReferenceNumber, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

const templateColumns = `id, code, name, document_type, file_format, is_default, enabled, fields, updated_at`

func scanTemplate(r row) (*model.Template, error) {
	var t model.Template
	var fields []byte
	if err := r.Scan(&t.ID, &t.Code, &t.Name, &t.DocumentType, &t.FileFormat, &t.IsDefault,
		&t.Enabled, &fields, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &t.Fields); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal template %s fields", t.Code)
	}
	return &t, nil
}

const outcomeColumns = `import_id, job_id, file_name, outcome, status, reason, message, missing,
	file_id, document_id, company_id, storage_path, review, at`

func outcomeRow(o model.FileOutcome) ([]any, error) {
	missing, err := json.Marshal(o.Missing)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal missing fields")
	}
	return []any{o.ImportID, o.JobID, o.FileName, string(o.Outcome), string(o.Status),
		string(o.Reason), o.Message, string(missing), o.FileID, o.DocumentID, o.CompanyID,
		o.StoragePath, o.Review, o.At.UTC()}, nil
}

func scanOutcome(r row) (*model.FileOutcome, error) {
	var o model.FileOutcome
	var missing []byte
	if err := r.Scan(&o.ImportID, &o.JobID, &o.FileName, &o.Outcome, &o.Status, &o.Reason,
		&o.Message, &missing, &o.FileID, &o.DocumentID, &o.CompanyID, &o.StoragePath,
		&o.Review, &o.At); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &o.Missing); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal missing fields")
		}
	}
	return &o, nil
}

const dlqColumns = `id, job, error, error_type, failed_stage, retry_count, max_retries,
	next_retry_at, created_at, last_failed_at`

func scanDLQ(r row) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	var job []byte
	if err := r.Scan(&e.ID, &job, &e.Error, &e.ErrorType, &e.FailedStage, &e.RetryCount,
		&e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(job, &e.Job); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal dlq job")
	}
	return &e, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal json")
	}
	return string(b), nil
}

// likeContains builds a LIKE pattern matching s anywhere, with \ as the
// escape character.
func likeContains(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// detachDocument drops the back-reference of a document whose insert failed.
func detachDocument(rec *model.ContentRecord, cause error) {
	rec.DocumentID = nil
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata["document_error"] = cause.Error()
}
