package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	code             TEXT NOT NULL UNIQUE,
	reference_number INTEGER,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS templates (
	id            TEXT PRIMARY KEY,
	code          TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	document_type TEXT NOT NULL,
	file_format   TEXT NOT NULL,
	is_default    BOOLEAN NOT NULL DEFAULT 0,
	enabled       BOOLEAN NOT NULL DEFAULT 1,
	fields        TEXT NOT NULL DEFAULT '[]',
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS content_records (
	id             TEXT PRIMARY KEY,
	hash           TEXT NOT NULL,
	original_name  TEXT NOT NULL,
	storage_path   TEXT NOT NULL DEFAULT '',
	format         TEXT NOT NULL DEFAULT '',
	document_type  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	failure_reason TEXT NOT NULL DEFAULT '',
	fields         TEXT,
	metadata       TEXT,
	document_id    TEXT,
	company_id     TEXT,
	duplicate_of   TEXT,
	import_id      TEXT NOT NULL DEFAULT '',
	uploaded_by    TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	deleted_at     DATETIME
);

CREATE TABLE IF NOT EXISTS business_documents (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	number            TEXT NOT NULL DEFAULT '',
	company_id        TEXT NOT NULL REFERENCES companies(id),
	content_record_id TEXT NOT NULL REFERENCES content_records(id),
	file_ref          TEXT NOT NULL,
	account_number    TEXT NOT NULL DEFAULT '',
	issue_date        DATETIME NOT NULL,
	due_date          DATETIME,
	net_amount        TEXT NOT NULL DEFAULT '0',
	tax_amount        TEXT NOT NULL DEFAULT '0',
	total_amount      TEXT NOT NULL DEFAULT '0',
	purchase_order    TEXT NOT NULL DEFAULT '',
	review            BOOLEAN NOT NULL DEFAULT 0,
	retention_start   DATETIME NOT NULL,
	retention_expiry  DATETIME NOT NULL,
	created_at        DATETIME NOT NULL,
	deleted_at        DATETIME
);

CREATE TABLE IF NOT EXISTS import_outcomes (
	import_id    TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	file_name    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	missing      TEXT,
	file_id      TEXT NOT NULL DEFAULT '',
	document_id  TEXT NOT NULL DEFAULT '',
	company_id   TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL DEFAULT '',
	review       BOOLEAN NOT NULL DEFAULT 0,
	at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	job            TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_companies_reference ON companies(reference_number);
CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_default ON templates(document_type, file_format) WHERE is_default;
CREATE UNIQUE INDEX IF NOT EXISTS idx_content_hash_primary ON content_records(hash) WHERE duplicate_of IS NULL;
CREATE INDEX IF NOT EXISTS idx_content_import ON content_records(import_id, original_name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_number ON business_documents(type, number) WHERE deleted_at IS NULL AND number <> '';
CREATE INDEX IF NOT EXISTS idx_import_outcomes_import ON import_outcomes(import_id, at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Content records

func (s *SQLiteStore) FindContentByHash(ctx context.Context, hash string, deletedAfter time.Time) (*model.ContentRecord, error) {
	rec, err := scanContent(s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_records WHERE hash = ? AND duplicate_of IS NULL`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find content by hash %s", hash)
	}
	if rec.DeletedAt != nil && !deletedAfter.IsZero() && rec.DeletedAt.Before(deletedAfter) {
		return nil, nil
	}
	return rec, nil
}

func (s *SQLiteStore) FindResumable(ctx context.Context, importID, originalName string) (*model.ContentRecord, error) {
	rec, err := scanContent(s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_records
		 WHERE import_id = ? AND original_name = ? AND document_id IS NOT NULL AND deleted_at IS NULL
		 ORDER BY updated_at DESC LIMIT 1`,
		importID, originalName,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find resumable content")
	}
	return rec, nil
}

func (s *SQLiteStore) GetContent(ctx context.Context, id string) (*model.ContentRecord, error) {
	rec, err := scanContent(s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "content record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get content %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListContentByImport(ctx context.Context, importID string) ([]model.ContentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contentColumns+` FROM content_records WHERE import_id = ? ORDER BY created_at`, importID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list content by import")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ContentRecord
	for rows.Next() {
		rec, err := scanContent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan content")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list content iterate")
}

func (s *SQLiteStore) CreateContent(ctx context.Context, rec *model.ContentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	fields, meta, err := contentJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content_records (`+contentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Hash, rec.OriginalName, rec.StoragePath, string(rec.Format), string(rec.DocumentType),
		string(rec.Status), string(rec.FailureReason), fields, meta, rec.DocumentID, rec.CompanyID,
		rec.DuplicateOf, rec.ImportID, rec.UploadedBy, now, now, rec.DeletedAt,
	)
	if isSQLiteUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "content hash %s", rec.Hash)
	}
	return eris.Wrap(err, "sqlite: insert content")
}

func (s *SQLiteStore) RehabilitateContent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_records
		 SET deleted_at = NULL, document_id = NULL, status = ?, failure_reason = '', updated_at = ?
		 WHERE id = ?`,
		string(model.StatusPending), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: rehabilitate content %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "content record %s", id)
	}
	return nil
}

// sqliteLinkedHolder finds the primary record of a hash when a live
// document already points at it.
const sqliteLinkedHolder = `SELECT c.id FROM content_records c
	WHERE c.hash = ? AND c.duplicate_of IS NULL AND EXISTS (
		SELECT 1 FROM business_documents d
		WHERE d.deleted_at IS NULL AND (d.id = c.document_id OR d.content_record_id = c.id))`

func (s *SQLiteStore) SaveContent(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save content: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	if doc != nil {
		if doc.ID == "" {
			doc.ID = uuid.New().String()
		}
		rec.DocumentID = &doc.ID
		if rec.CompanyID == nil && doc.CompanyID != "" {
			rec.CompanyID = &doc.CompanyID
		}
	}
	fields, meta, err := contentJSON(rec)
	if err != nil {
		return err
	}

	update := `UPDATE content_records SET
		original_name = ?, storage_path = ?, format = ?, document_type = ?, status = ?,
		failure_reason = ?, fields = ?, metadata = ?, document_id = ?, company_id = ?,
		import_id = ?, uploaded_by = ?, updated_at = ?, deleted_at = NULL`
	updateArgs := []any{rec.OriginalName, rec.StoragePath, string(rec.Format), string(rec.DocumentType),
		string(rec.Status), string(rec.FailureReason), fields, meta, rec.DocumentID, rec.CompanyID,
		rec.ImportID, rec.UploadedBy, now}

	if rec.ID == "" {
		id := uuid.New().String()
		err = tx.QueryRowContext(ctx,
			`INSERT INTO content_records (`+contentColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, NULL)
			 ON CONFLICT (hash) WHERE duplicate_of IS NULL DO NOTHING
			 RETURNING id`,
			id, rec.Hash, rec.OriginalName, rec.StoragePath, string(rec.Format), string(rec.DocumentType),
			string(rec.Status), string(rec.FailureReason), fields, meta, rec.DocumentID, rec.CompanyID,
			rec.ImportID, rec.UploadedBy, now, now,
		).Scan(&rec.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			var holder string
			err = tx.QueryRowContext(ctx, sqliteLinkedHolder, rec.Hash).Scan(&holder)
			if err == nil {
				return eris.Wrapf(ErrContentTaken, "content hash %s held by %s", rec.Hash, holder)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(err, "sqlite: check content holder %s", rec.Hash)
			}
			err = tx.QueryRowContext(ctx,
				update+` WHERE hash = ? AND duplicate_of IS NULL RETURNING id`,
				append(updateArgs, rec.Hash)...,
			).Scan(&rec.ID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: update content by hash %s", rec.Hash)
			}
			if err := tx.QueryRowContext(ctx,
				`SELECT created_at FROM content_records WHERE id = ?`, rec.ID,
			).Scan(&rec.CreatedAt); err != nil {
				return eris.Wrapf(err, "sqlite: read content %s", rec.ID)
			}
		case err != nil:
			return eris.Wrap(err, "sqlite: insert content")
		default:
			rec.CreatedAt = now
		}
	} else {
		res, err := tx.ExecContext(ctx, update+` WHERE id = ?`, append(updateArgs, rec.ID)...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update content %s", rec.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrNotFound, "content record %s", rec.ID)
		}
	}
	rec.UpdatedAt = now
	rec.DeletedAt = nil

	if doc != nil {
		doc.ContentRecordID = rec.ID
		doc.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `SAVEPOINT business_document`); err != nil {
			return eris.Wrap(err, "sqlite: savepoint document")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO business_documents (`+documentColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			doc.ID, string(doc.Type), doc.Number, doc.CompanyID, doc.ContentRecordID, doc.FileRef,
			doc.AccountNumber, doc.IssueDate.UTC(), doc.DueDate, doc.NetAmount, doc.TaxAmount, doc.TotalAmount,
			doc.PurchaseOrder, doc.Review, doc.RetentionStart.UTC(), doc.RetentionExpiry.UTC(), now,
		)
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "%s number %s", doc.Type, doc.Number)
		}
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT business_document`); rbErr != nil {
				return eris.Wrap(rbErr, "sqlite: rollback document insert")
			}
			detachDocument(rec, err)
			_, meta, mErr := contentJSON(rec)
			if mErr != nil {
				return mErr
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE content_records SET document_id = NULL, metadata = ? WHERE id = ?`, meta, rec.ID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: detach document from %s", rec.ID)
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: save content: commit")
}

func (s *SQLiteStore) SoftDeleteContent(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_records SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	return eris.Wrapf(err, "sqlite: soft delete content %s", id)
}

// Business documents

func (s *SQLiteStore) DocumentLive(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM business_documents WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&n)
	return n > 0, eris.Wrapf(err, "sqlite: document live %s", id)
}

func (s *SQLiteStore) FindLiveDocumentByFileRef(ctx context.Context, docType model.DocumentType, fragment string) (*model.BusinessDocument, error) {
	if strings.TrimSpace(fragment) == "" {
		return nil, nil
	}
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM business_documents
		 WHERE type = ? AND deleted_at IS NULL AND file_ref LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC LIMIT 1`,
		string(docType), likeContains(fragment),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find document by file ref")
	}
	return doc, nil
}

func (s *SQLiteStore) BusinessNumberExists(ctx context.Context, docType model.DocumentType, number string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM business_documents WHERE type = ? AND number = ? AND deleted_at IS NULL`,
		string(docType), number,
	).Scan(&n)
	return n > 0, eris.Wrap(err, "sqlite: business number exists")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.BusinessDocument, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM business_documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	return doc, nil
}

func (s *SQLiteStore) SoftDeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE business_documents SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: soft delete document %s", id)
}

// Companies

func (s *SQLiteStore) findCompany(ctx context.Context, where string, arg any) (*model.Company, error) {
	c, err := scanCompany(s.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE `+where+` ORDER BY created_at LIMIT 1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find company")
	}
	return c, nil
}

func (s *SQLiteStore) FindCompanyByReference(ctx context.Context, ref int64) (*model.Company, error) {
	return s.findCompany(ctx, `reference_number = ?`, ref)
}

func (s *SQLiteStore) FindCompanyByCode(ctx context.Context, code string) (*model.Company, error) {
	return s.findCompany(ctx, `code = ?`, code)
}

func (s *SQLiteStore) FindCompanyByCodeNumber(ctx context.Context, n int64) (*model.Company, error) {
	return s.findCompany(ctx,
		`trim(code) <> '' AND trim(code) NOT GLOB '*[^0-9]*' AND CAST(trim(code) AS INTEGER) = ?`, n)
}

func (s *SQLiteStore) FindCompanyByReferenceText(ctx context.Context, ref string) (*model.Company, error) {
	return s.findCompany(ctx, `CAST(reference_number AS TEXT) = ?`, ref)
}

func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+companyColumns+` FROM companies ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

func (s *SQLiteStore) UpsertCompanies(ctx context.Context, companies []model.Company) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert companies: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO companies (id, name, code, reference_number, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET name = excluded.name, reference_number = excluded.reference_number`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert companies: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, c := range companies {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, id, c.Name, c.Code, c.ReferenceNumber, now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert company %s", c.Code)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert companies: commit")
	}
	return n, nil
}

// Templates

func (s *SQLiteStore) GetDefaultTemplate(ctx context.Context, format model.FileFormat, docType model.DocumentType) (*model.Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE file_format = ? AND document_type = ? AND is_default`,
		string(format), string(docType),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get default template")
	}
	return t, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, format model.FileFormat, docType model.DocumentType) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE file_format = ? AND document_type = ? AND enabled AND NOT is_default
		 ORDER BY updated_at DESC`,
		string(format), string(docType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list templates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan template")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list templates iterate")
}

func (s *SQLiteStore) SaveTemplate(ctx context.Context, tpl *model.Template) error {
	fields, err := marshalJSON(tpl.Fields)
	if err != nil {
		return err
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save template: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if tpl.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE templates SET is_default = 0, updated_at = ?
			 WHERE document_type = ? AND file_format = ? AND is_default AND code <> ?`,
			tpl.UpdatedAt, string(tpl.DocumentType), string(tpl.FileFormat), tpl.Code,
		); err != nil {
			return eris.Wrap(err, "sqlite: demote default template")
		}
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code) DO UPDATE SET
		   name = excluded.name, document_type = excluded.document_type, file_format = excluded.file_format,
		   is_default = excluded.is_default, enabled = excluded.enabled, fields = excluded.fields,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		tpl.ID, tpl.Code, tpl.Name, string(tpl.DocumentType), string(tpl.FileFormat), tpl.IsDefault,
		tpl.Enabled, fields, tpl.UpdatedAt,
	).Scan(&tpl.ID)
	if isSQLiteUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "template %s", tpl.Code)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert template %s", tpl.Code)
	}
	return eris.Wrap(tx.Commit(), "sqlite: save template: commit")
}

// Import outcomes

func (s *SQLiteStore) SaveOutcomes(ctx context.Context, outcomes []model.FileOutcome) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: save outcomes: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO import_outcomes (`+outcomeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: save outcomes: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	for _, o := range outcomes {
		args, err := outcomeRow(o)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert outcome %s", o.FileName)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: save outcomes: commit")
	}
	return int64(len(outcomes)), nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, importID string) ([]model.FileOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM import_outcomes WHERE import_id = ? ORDER BY at`, importID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FileOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) CountOutcomes(ctx context.Context, since time.Time) (map[model.OutcomeKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM import_outcomes WHERE at >= ? GROUP BY outcome`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count outcomes")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.OutcomeKind]int)
	for rows.Next() {
		var kind model.OutcomeKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome count")
		}
		counts[kind] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count outcomes iterate")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	job, err := marshalJSON(entry.Job)
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, failed_stage = excluded.failed_stage,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, job, entry.Error, entry.ErrorType, entry.FailedStage, entry.RetryCount,
		entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.ImportID != "" {
		query += ` AND json_extract(job, '$.import_id') = ?`
		args = append(args, filter.ImportID)
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}
