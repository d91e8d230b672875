package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/finance-ingest/internal/db"
	"github.com/sells-group/finance-ingest/internal/model"
	"github.com/sells-group/finance-ingest/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name             TEXT NOT NULL DEFAULT '',
	code             TEXT NOT NULL UNIQUE,
	reference_number BIGINT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_companies_reference ON companies(reference_number);

CREATE TABLE IF NOT EXISTS templates (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	code          TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	document_type TEXT NOT NULL,
	file_format   TEXT NOT NULL,
	is_default    BOOLEAN NOT NULL DEFAULT false,
	enabled       BOOLEAN NOT NULL DEFAULT true,
	fields        JSONB NOT NULL DEFAULT '[]',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_default
	ON templates(document_type, file_format) WHERE is_default;

CREATE TABLE IF NOT EXISTS content_records (
	id             TEXT PRIMARY KEY,
	hash           TEXT NOT NULL,
	original_name  TEXT NOT NULL,
	storage_path   TEXT NOT NULL DEFAULT '',
	format         TEXT NOT NULL DEFAULT '',
	document_type  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	failure_reason TEXT NOT NULL DEFAULT '',
	fields         JSONB,
	metadata       JSONB,
	document_id    TEXT,
	company_id     TEXT,
	duplicate_of   TEXT,
	import_id      TEXT NOT NULL DEFAULT '',
	uploaded_by    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_content_hash_primary
	ON content_records(hash) WHERE duplicate_of IS NULL;
CREATE INDEX IF NOT EXISTS idx_content_import ON content_records(import_id, original_name);

CREATE TABLE IF NOT EXISTS business_documents (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	number            TEXT NOT NULL DEFAULT '',
	company_id        TEXT NOT NULL REFERENCES companies(id),
	content_record_id TEXT NOT NULL REFERENCES content_records(id),
	file_ref          TEXT NOT NULL,
	account_number    TEXT NOT NULL DEFAULT '',
	issue_date        TIMESTAMPTZ NOT NULL,
	due_date          TIMESTAMPTZ,
	net_amount        NUMERIC(14,2) NOT NULL DEFAULT 0,
	tax_amount        NUMERIC(14,2) NOT NULL DEFAULT 0,
	total_amount      NUMERIC(14,2) NOT NULL DEFAULT 0,
	purchase_order    TEXT NOT NULL DEFAULT '',
	review            BOOLEAN NOT NULL DEFAULT false,
	retention_start   TIMESTAMPTZ NOT NULL,
	retention_expiry  TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at        TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_number
	ON business_documents(type, number) WHERE deleted_at IS NULL AND number <> '';
CREATE INDEX IF NOT EXISTS idx_documents_live_type ON business_documents(type) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_documents_retention ON business_documents(retention_expiry);

CREATE TABLE IF NOT EXISTS import_outcomes (
	import_id    TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	file_name    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	missing      JSONB,
	file_id      TEXT NOT NULL DEFAULT '',
	document_id  TEXT NOT NULL DEFAULT '',
	company_id   TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL DEFAULT '',
	review       BOOLEAN NOT NULL DEFAULT false,
	at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_outcomes_import ON import_outcomes(import_id, at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job            JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Content records

func (s *PostgresStore) FindContentByHash(ctx context.Context, hash string, deletedAfter time.Time) (*model.ContentRecord, error) {
	query := `SELECT ` + contentColumns + ` FROM content_records
		WHERE hash = $1 AND duplicate_of IS NULL`
	args := []any{hash}
	if !deletedAfter.IsZero() {
		query += ` AND (deleted_at IS NULL OR deleted_at >= $2)`
		args = append(args, deletedAfter.UTC())
	}
	rec, err := scanContent(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find content by hash %s", hash)
	}
	return rec, nil
}

func (s *PostgresStore) FindResumable(ctx context.Context, importID, originalName string) (*model.ContentRecord, error) {
	rec, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content_records
		 WHERE import_id = $1 AND original_name = $2 AND document_id IS NOT NULL AND deleted_at IS NULL
		 ORDER BY updated_at DESC LIMIT 1`,
		importID, originalName,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find resumable content")
	}
	return rec, nil
}

func (s *PostgresStore) GetContent(ctx context.Context, id string) (*model.ContentRecord, error) {
	rec, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "content record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get content %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListContentByImport(ctx context.Context, importID string) ([]model.ContentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contentColumns+` FROM content_records WHERE import_id = $1 ORDER BY created_at`, importID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list content by import")
	}
	defer rows.Close()

	var out []model.ContentRecord
	for rows.Next() {
		rec, err := scanContent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan content")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list content iterate")
}

func (s *PostgresStore) CreateContent(ctx context.Context, rec *model.ContentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	fields, meta, err := contentJSON(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO content_records (`+contentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, rec.Hash, rec.OriginalName, rec.StoragePath, string(rec.Format), string(rec.DocumentType),
		string(rec.Status), string(rec.FailureReason), fields, meta, rec.DocumentID, rec.CompanyID,
		rec.DuplicateOf, rec.ImportID, rec.UploadedBy, now, now, rec.DeletedAt,
	)
	if isPgUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "content hash %s", rec.Hash)
	}
	return eris.Wrap(err, "postgres: insert content")
}

func (s *PostgresStore) RehabilitateContent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE content_records
		 SET deleted_at = NULL, document_id = NULL, status = $1, failure_reason = '', updated_at = $2
		 WHERE id = $3`,
		string(model.StatusPending), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: rehabilitate content %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "content record %s", id)
	}
	return nil
}

// pgLinkedHolder finds the primary record of a hash when a live document
// already points at it.
const pgLinkedHolder = `SELECT c.id FROM content_records c
	WHERE c.hash = $1 AND c.duplicate_of IS NULL AND EXISTS (
		SELECT 1 FROM business_documents d
		WHERE d.deleted_at IS NULL AND (d.id = c.document_id OR d.content_record_id = c.id))`

func (s *PostgresStore) SaveContent(ctx context.Context, rec *model.ContentRecord, doc *model.BusinessDocument) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save content: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

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

	if rec.ID == "" {
		id := uuid.New().String()
		err = tx.QueryRow(ctx,
			`INSERT INTO content_records (`+contentColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, $13, $14, $15, $15, NULL)
			 ON CONFLICT (hash) WHERE duplicate_of IS NULL DO NOTHING
			 RETURNING id`,
			id, rec.Hash, rec.OriginalName, rec.StoragePath, string(rec.Format), string(rec.DocumentType),
			string(rec.Status), string(rec.FailureReason), fields, meta, rec.DocumentID, rec.CompanyID,
			rec.ImportID, rec.UploadedBy, now,
		).Scan(&rec.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			var holder string
			err = tx.QueryRow(ctx, pgLinkedHolder, rec.Hash).Scan(&holder)
			if err == nil {
				return eris.Wrapf(ErrContentTaken, "content hash %s held by %s", rec.Hash, holder)
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(err, "postgres: check content holder %s", rec.Hash)
			}
			// Another writer holds the hash; take over its record.
			err = tx.QueryRow(ctx,
				`UPDATE content_records SET
				   original_name = $2, storage_path = $3, format = $4, document_type = $5, status = $6,
				   failure_reason = $7, fields = $8, metadata = $9, document_id = $10, company_id = $11,
				   import_id = $12, uploaded_by = $13, updated_at = $14, deleted_at = NULL
				 WHERE hash = $1 AND duplicate_of IS NULL
				 RETURNING id, created_at`,
				rec.Hash, rec.OriginalName, rec.StoragePath, string(rec.Format), string(rec.DocumentType),
				string(rec.Status), string(rec.FailureReason), fields, meta, rec.DocumentID, rec.CompanyID,
				rec.ImportID, rec.UploadedBy, now,
			).Scan(&rec.ID, &rec.CreatedAt)
			if err != nil {
				return eris.Wrapf(err, "postgres: update content by hash %s", rec.Hash)
			}
		} else if err != nil {
			return eris.Wrap(err, "postgres: insert content")
		} else {
			rec.CreatedAt = now
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE content_records SET
			   original_name = $2, storage_path = $3, format = $4, document_type = $5, status = $6,
			   failure_reason = $7, fields = $8, metadata = $9, document_id = $10, company_id = $11,
			   import_id = $12, uploaded_by = $13, updated_at = $14, deleted_at = NULL
			 WHERE id = $1`,
			rec.ID, rec.OriginalName, rec.StoragePath, string(rec.Format), string(rec.DocumentType),
			string(rec.Status), string(rec.FailureReason), fields, meta, rec.DocumentID, rec.CompanyID,
			rec.ImportID, rec.UploadedBy, now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update content %s", rec.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "content record %s", rec.ID)
		}
	}
	rec.UpdatedAt = now
	rec.DeletedAt = nil

	if doc != nil {
		doc.ContentRecordID = rec.ID
		doc.CreatedAt = now
		if _, err := tx.Exec(ctx, `SAVEPOINT business_document`); err != nil {
			return eris.Wrap(err, "postgres: savepoint document")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO business_documents (`+documentColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NULL)`,
			doc.ID, string(doc.Type), doc.Number, doc.CompanyID, doc.ContentRecordID, doc.FileRef,
			doc.AccountNumber, doc.IssueDate, doc.DueDate, doc.NetAmount, doc.TaxAmount, doc.TotalAmount,
			doc.PurchaseOrder, doc.Review, doc.RetentionStart, doc.RetentionExpiry, now,
		)
		if isPgUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "%s number %s", doc.Type, doc.Number)
		}
		if err != nil {
			if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT business_document`); rbErr != nil {
				return eris.Wrap(rbErr, "postgres: rollback document insert")
			}
			detachDocument(rec, err)
			_, meta, mErr := contentJSON(rec)
			if mErr != nil {
				return mErr
			}
			if _, err := tx.Exec(ctx,
				`UPDATE content_records SET document_id = NULL, metadata = $2 WHERE id = $1`, rec.ID, meta,
			); err != nil {
				return eris.Wrapf(err, "postgres: detach document from %s", rec.ID)
			}
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: save content: commit")
}

func (s *PostgresStore) SoftDeleteContent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE content_records SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	return eris.Wrapf(err, "postgres: soft delete content %s", id)
}

// Business documents

func (s *PostgresStore) DocumentLive(ctx context.Context, id string) (bool, error) {
	var live bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM business_documents WHERE id = $1 AND deleted_at IS NULL)`, id,
	).Scan(&live)
	return live, eris.Wrapf(err, "postgres: document live %s", id)
}

func (s *PostgresStore) FindLiveDocumentByFileRef(ctx context.Context, docType model.DocumentType, fragment string) (*model.BusinessDocument, error) {
	if strings.TrimSpace(fragment) == "" {
		return nil, nil
	}
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM business_documents
		 WHERE type = $1 AND deleted_at IS NULL AND file_ref LIKE $2 ESCAPE '\'
		 ORDER BY created_at DESC LIMIT 1`,
		string(docType), likeContains(fragment),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find document by file ref")
	}
	return doc, nil
}

func (s *PostgresStore) BusinessNumberExists(ctx context.Context, docType model.DocumentType, number string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM business_documents WHERE type = $1 AND number = $2 AND deleted_at IS NULL)`,
		string(docType), number,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: business number exists")
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.BusinessDocument, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM business_documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	return doc, nil
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE business_documents SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	return eris.Wrapf(err, "postgres: soft delete document %s", id)
}

// Companies

func (s *PostgresStore) findCompany(ctx context.Context, where string, arg any) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE `+where+` ORDER BY created_at LIMIT 1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find company")
	}
	return c, nil
}

func (s *PostgresStore) FindCompanyByReference(ctx context.Context, ref int64) (*model.Company, error) {
	return s.findCompany(ctx, `reference_number = $1`, ref)
}

func (s *PostgresStore) FindCompanyByCode(ctx context.Context, code string) (*model.Company, error) {
	return s.findCompany(ctx, `code = $1`, code)
}

func (s *PostgresStore) FindCompanyByCodeNumber(ctx context.Context, n int64) (*model.Company, error) {
	return s.findCompany(ctx,
		`CASE WHEN btrim(code) ~ '^[0-9]{1,18}$' THEN btrim(code)::bigint = $1 ELSE false END`, n)
}

func (s *PostgresStore) FindCompanyByReferenceText(ctx context.Context, ref string) (*model.Company, error) {
	return s.findCompany(ctx, `reference_number::text = $1`, ref)
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+companyColumns+` FROM companies ORDER BY code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

func (s *PostgresStore) UpsertCompanies(ctx context.Context, companies []model.Company) (int64, error) {
	rows := make([][]any, 0, len(companies))
	for _, c := range companies {
		rows = append(rows, []any{c.Code, c.Name, c.ReferenceNumber})
	}
	n, err := db.Merge(ctx, s.pool, db.MergeSpec{
		Table:   "companies",
		Columns: []string{"code", "name", "reference_number"},
		Keys:    []string{"code"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert companies")
}

// Templates

func (s *PostgresStore) GetDefaultTemplate(ctx context.Context, format model.FileFormat, docType model.DocumentType) (*model.Template, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE file_format = $1 AND document_type = $2 AND is_default`,
		string(format), string(docType),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get default template")
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context, format model.FileFormat, docType model.DocumentType) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE file_format = $1 AND document_type = $2 AND enabled AND NOT is_default
		 ORDER BY updated_at DESC`,
		string(format), string(docType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list templates")
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan template")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list templates iterate")
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, tpl *model.Template) error {
	fields, err := marshalJSON(tpl.Fields)
	if err != nil {
		return err
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.UpdatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save template: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if tpl.IsDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE templates SET is_default = false, updated_at = $1
			 WHERE document_type = $2 AND file_format = $3 AND is_default AND code <> $4`,
			tpl.UpdatedAt, string(tpl.DocumentType), string(tpl.FileFormat), tpl.Code,
		); err != nil {
			return eris.Wrap(err, "postgres: demote default template")
		}
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO templates (`+templateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (code) DO UPDATE SET
		   name = EXCLUDED.name, document_type = EXCLUDED.document_type, file_format = EXCLUDED.file_format,
		   is_default = EXCLUDED.is_default, enabled = EXCLUDED.enabled, fields = EXCLUDED.fields,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		tpl.ID, tpl.Code, tpl.Name, string(tpl.DocumentType), string(tpl.FileFormat), tpl.IsDefault,
		tpl.Enabled, fields, tpl.UpdatedAt,
	).Scan(&tpl.ID)
	if isPgUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "template %s", tpl.Code)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert template %s", tpl.Code)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save template: commit")
}

// Import outcomes

var outcomeColumnList = strings.Split(strings.Join(strings.Fields(outcomeColumns), ""), ",")

func (s *PostgresStore) SaveOutcomes(ctx context.Context, outcomes []model.FileOutcome) (int64, error) {
	rows := make([][]any, 0, len(outcomes))
	for _, o := range outcomes {
		r, err := outcomeRow(o)
		if err != nil {
			return 0, err
		}
		rows = append(rows, r)
	}
	return db.CopyFrom(ctx, s.pool, "import_outcomes", outcomeColumnList, rows)
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, importID string) ([]model.FileOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outcomeColumns+` FROM import_outcomes WHERE import_id = $1 ORDER BY at`, importID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var out []model.FileOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

func (s *PostgresStore) CountOutcomes(ctx context.Context, since time.Time) (map[model.OutcomeKind]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT outcome, COUNT(*) FROM import_outcomes WHERE at >= $1 GROUP BY outcome`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count outcomes")
	}
	defer rows.Close()

	counts := make(map[model.OutcomeKind]int)
	for rows.Next() {
		var kind model.OutcomeKind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome count")
		}
		counts[kind] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count outcomes iterate")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	job, err := marshalJSON(entry.Job)
	if err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, failed_stage = $5, retry_count = $6,
		   next_retry_at = $8, last_failed_at = $10`,
		entry.ID, job, entry.Error, entry.ErrorType, entry.FailedStage, entry.RetryCount,
		entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letter_queue WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.ImportID != "" {
		query += fmt.Sprintf(` AND job->>'import_id' = $%d`, argIdx)
		args = append(args, filter.ImportID)
		argIdx++
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func contentJSON(rec *model.ContentRecord) (fields, meta string, err error) {
	if fields, err = marshalJSON(rec.Fields); err != nil {
		return "", "", err
	}
	if meta, err = marshalJSON(rec.Metadata); err != nil {
		return "", "", err
	}
	return fields, meta, nil
}
