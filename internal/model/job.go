package model

// DuplicateInfo is the outcome of an upstream batch-level duplicate check.
type DuplicateInfo struct {
	IsDuplicate      bool   `json:"is_duplicate"`
	ExistingRecordID string `json:"existing_record_id,omitempty"`
	DocumentID       string `json:"document_id,omitempty"`
}

// Job is one incoming file handed to the pipeline. It only lives for a
// single pipeline run. BatchSize is the number of files enqueued under the
// same ImportID, when known.
type Job struct {
	ID                   string         `json:"id"`
	FilePath             string         `json:"file_path"`
	FileName             string         `json:"file_name"`
	OriginalName         string         `json:"original_name"`
	ImportID             string         `json:"import_id"`
	UserID               string         `json:"user_id"`
	PrecomputedHash      string         `json:"precomputed_hash,omitempty"`
	PrecomputedDuplicate *DuplicateInfo `json:"precomputed_duplicate,omitempty"`
	DocumentTypeHint     DocumentType   `json:"document_type_hint,omitempty"`
	Attempt              int            `json:"attempt,omitempty"`
	BatchSize            int            `json:"batch_size,omitempty"`
}

// DisplayName returns the name the file should carry in storage.
func (j Job) DisplayName() string {
	if j.OriginalName != "" {
		return j.OriginalName
	}
	return j.FileName
}

// JobResult is reported back to the queue for each processed job.
type JobResult struct {
	Success     bool       `json:"success"`
	FileID      string     `json:"file_id,omitempty"`
	DocumentID  string     `json:"document_id,omitempty"`
	CompanyID   string     `json:"company_id,omitempty"`
	Status      FileStatus `json:"status"`
	IsDuplicate bool       `json:"is_duplicate"`
	Error       string     `json:"error,omitempty"`
}

// ProgressFunc receives 0-100 progress checkpoints for a job.
type ProgressFunc func(percent int)
