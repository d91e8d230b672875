package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/finance-ingest/internal/model"
)

// Error classes recorded on DLQ entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is a job that exhausted its queue-level retries.
type DLQEntry struct {
	ID           string    `json:"id"`
	Job          model.Job `json:"job"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	FailedStage  string    `json:"failed_stage,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter narrows DLQ listings.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	ImportID  string `json:"import_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewDLQEntry builds an entry for a failed job. Transient failures are
// scheduled for a later requeue; permanent ones are not.
func NewDLQEntry(job model.Job, err error, stage string, maxRetries int, now time.Time) DLQEntry {
	e := DLQEntry{
		ID:           uuid.New().String(),
		Job:          job,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		FailedStage:  stage,
		MaxRetries:   maxRetries,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if e.ErrorType == ErrorTransient {
		e.NextRetryAt = now.Add(DefaultRetryConfig().MaxBackoff)
	} else {
		e.MaxRetries = 0
	}
	return e
}

// CanRetry reports whether the entry may be requeued.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError returns ErrorTransient or ErrorPermanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
