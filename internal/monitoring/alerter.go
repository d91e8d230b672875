package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/notify"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate  AlertType = "failure_rate"
	AlertDLQDepth     AlertType = "dlq_depth"
	AlertQueueBacklog AlertType = "queue_backlog"
)

// minFinished is the sample size below which the failure rate is ignored.
const minFinished = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// hands breaches to a notifier.
type Alerter struct {
	cfg      config.MonitorConfig
	notifier notify.Notifier
}

// NewAlerter creates a new Alerter.
func NewAlerter(cfg config.MonitorConfig, notifier notify.Notifier) *Alerter {
	return &Alerter{cfg: cfg, notifier: notifier}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.Finished()
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinished && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Ingest failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertDLQDepth,
			Severity:  "high",
			Message:   fmt.Sprintf("%d job(s) in the dead letter queue", snap.DLQDepth),
			Details:   map[string]any{"dlq_depth": snap.DLQDepth, "threshold": a.cfg.DLQThreshold},
			Timestamp: now,
		})
	}

	if a.cfg.QueueThreshold > 0 && snap.QueueLength >= a.cfg.QueueThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertQueueBacklog,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d job(s) waiting in the queue", snap.QueueLength),
			Details:   map[string]any{"queue_length": snap.QueueLength, "threshold": a.cfg.QueueThreshold},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts through the notifier and returns how many
// were accepted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.notifier == nil || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		details := map[string]any{"alert": alert.Type, "severity": alert.Severity}
		for k, v := range alert.Details {
			details[k] = v
		}
		ev := notify.Event{
			Type:      notify.EventAlert,
			Message:   alert.Message,
			Details:   details,
			Timestamp: alert.Timestamp,
		}
		if err := a.notifier.Notify(ctx, ev); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}
