package model

import "time"

// OutcomeKind is how one file of an import ended.
type OutcomeKind string

const (
	OutcomeSucceeded   OutcomeKind = "succeeded"
	OutcomeUnallocated OutcomeKind = "unallocated"
	OutcomeDuplicate   OutcomeKind = "duplicate"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeSkipped     OutcomeKind = "skipped"
	OutcomeResumed     OutcomeKind = "resumed"
)

// FileOutcome is the per-file result recorded on an import session.
type FileOutcome struct {
	ImportID    string        `json:"import_id"`
	JobID       string        `json:"job_id,omitempty"`
	FileName    string        `json:"file_name"`
	Outcome     OutcomeKind   `json:"outcome"`
	Status      FileStatus    `json:"status,omitempty"`
	Reason      FailureReason `json:"reason,omitempty"`
	Message     string        `json:"message,omitempty"`
	Missing     []string      `json:"missing,omitempty"`
	FileID      string        `json:"file_id,omitempty"`
	DocumentID  string        `json:"document_id,omitempty"`
	CompanyID   string        `json:"company_id,omitempty"`
	StoragePath string        `json:"storage_path,omitempty"`
	Review      bool          `json:"review,omitempty"`
	At          time.Time     `json:"at"`
}

// Handled reports whether the file reached a stored, recorded state.
// Failed and skipped files did not.
func (o FileOutcome) Handled() bool {
	return o.Outcome != OutcomeFailed && o.Outcome != OutcomeSkipped
}

// Result converts the outcome into the queue-facing JobResult.
func (o FileOutcome) Result() JobResult {
	r := JobResult{
		Success:     o.Handled(),
		FileID:      o.FileID,
		DocumentID:  o.DocumentID,
		CompanyID:   o.CompanyID,
		Status:      o.Status,
		IsDuplicate: o.Outcome == OutcomeDuplicate,
	}
	if !r.Success && o.Message != "" {
		r.Error = o.Message
	}
	return r
}
