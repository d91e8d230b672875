package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType identifies the kind of financial document.
type DocumentType string

const (
	DocInvoice    DocumentType = "invoice"
	DocCreditNote DocumentType = "credit_note"
	DocStatement  DocumentType = "statement"
)

// DocumentTypes lists every supported document type in lookup order.
var DocumentTypes = []DocumentType{DocInvoice, DocCreditNote, DocStatement}

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	switch t {
	case DocInvoice, DocCreditNote, DocStatement:
		return true
	}
	return false
}

// FolderName returns the storage folder segment for the type.
func (t DocumentType) FolderName() string {
	switch t {
	case DocCreditNote:
		return "creditnote"
	case DocStatement:
		return "statement"
	default:
		return "invoice"
	}
}

// FileFormat is the physical format of an incoming file.
type FileFormat string

const (
	FormatPDF   FileFormat = "pdf"
	FormatExcel FileFormat = "excel"
)

// FileStatus is the lifecycle status of a ContentRecord.
type FileStatus string

const (
	StatusPending     FileStatus = "pending"
	StatusParsed      FileStatus = "parsed"
	StatusFailed      FileStatus = "failed"
	StatusDuplicate   FileStatus = "duplicate"
	StatusUnallocated FileStatus = "unallocated"
)

// FailureReason is the coarse reason attached to a non-ready ContentRecord.
// Richer detail is kept in ContentRecord.Metadata.
type FailureReason string

const (
	ReasonNone            FailureReason = ""
	ReasonDuplicate       FailureReason = "duplicate"
	ReasonUnallocated     FailureReason = "unallocated"
	ReasonParsingError    FailureReason = "parsing_error"
	ReasonValidationError FailureReason = "validation_error"
	ReasonOther           FailureReason = "other"
)

// ContentRecord is the persistent record of one stored file, keyed by content hash.
type ContentRecord struct {
	ID            string            `json:"id"`
	Hash          string            `json:"hash"`
	OriginalName  string            `json:"original_name"`
	StoragePath   string            `json:"storage_path"`
	Format        FileFormat        `json:"format"`
	DocumentType  DocumentType      `json:"document_type,omitempty"`
	Status        FileStatus        `json:"status"`
	FailureReason FailureReason     `json:"failure_reason,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	DocumentID    *string           `json:"document_id,omitempty"`
	CompanyID     *string           `json:"company_id,omitempty"`
	DuplicateOf   *string           `json:"duplicate_of,omitempty"`
	ImportID      string            `json:"import_id,omitempty"`
	UploadedBy    string            `json:"uploaded_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	DeletedAt     *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the record carries a soft-delete marker.
func (r *ContentRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// BusinessDocument is an accepted invoice, credit note or statement.
type BusinessDocument struct {
	ID              string          `json:"id"`
	Type            DocumentType    `json:"type"`
	Number          string          `json:"number"`
	CompanyID       string          `json:"company_id"`
	ContentRecordID string          `json:"content_record_id"`
	FileRef         string          `json:"file_ref"`
	AccountNumber   string          `json:"account_number"`
	IssueDate       time.Time       `json:"issue_date"`
	DueDate         *time.Time      `json:"due_date,omitempty"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PurchaseOrder   string          `json:"purchase_order,omitempty"`
	Review          bool            `json:"review"`
	RetentionStart  time.Time       `json:"retention_start"`
	RetentionExpiry time.Time       `json:"retention_expiry"`
	CreatedAt       time.Time       `json:"created_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}
