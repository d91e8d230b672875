// Package notify delivers ingest events to an external collaborator.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/session"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDuplicateDetected EventType = "duplicate_detected"
	EventBatchComplete     EventType = "batch_complete"
	EventAlert             EventType = "alert"
)

// Event is one notification.
type Event struct {
	Type      EventType      `json:"type"`
	ImportID  string         `json:"import_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier receives events. Delivery failures are returned but callers
// treat them as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// DuplicateDetected builds the event sent when an upload matches content
// that is already stored.
func DuplicateDetected(importID, userID, fileName, existingRecordID, documentID string) Event {
	return Event{
		Type:     EventDuplicateDetected,
		ImportID: importID,
		UserID:   userID,
		Message:  fmt.Sprintf("%s duplicates an existing file", fileName),
		Details: map[string]any{
			"file_name":          fileName,
			"existing_record_id": existingRecordID,
			"document_id":        documentID,
		},
		Timestamp: time.Now().UTC(),
	}
}

// BatchComplete builds the event sent when every file of an import has an
// outcome or the import was cancelled.
func BatchComplete(importID, userID string, c session.Counters, cancelled bool) Event {
	msg := fmt.Sprintf("import finished: %d succeeded, %d unallocated, %d duplicates, %d failed",
		c.Succeeded, c.Unallocated, c.Duplicates, c.Failed)
	if cancelled {
		msg = fmt.Sprintf("import cancelled: %d processed, %d skipped", c.Processed, c.Skipped)
	}
	return Event{
		Type:     EventBatchComplete,
		ImportID: importID,
		UserID:   userID,
		Message:  msg,
		Details: map[string]any{
			"counters":  c,
			"cancelled": cancelled,
		},
		Timestamp: time.Now().UTC(),
	}
}

// New returns a webhook notifier when a URL is configured and a log
// notifier otherwise.
func New(cfg config.NotifyConfig) Notifier {
	if cfg.WebhookURL == "" {
		return LogNotifier{}
	}
	return NewWebhook(cfg)
}

// LogNotifier writes events to the global logger.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, ev Event) error {
	zap.L().Info("notify: "+string(ev.Type),
		zap.String("import_id", ev.ImportID),
		zap.String("user_id", ev.UserID),
		zap.String("message", ev.Message),
	)
	return nil
}
