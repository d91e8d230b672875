package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/notify"
)

func thresholds() config.MonitorConfig {
	return config.MonitorConfig{
		FailureRateThreshold: 0.10,
		DLQThreshold:         5,
		QueueThreshold:       100,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds(), nil)

	alerts := a.Evaluate(&MetricsSnapshot{
		Succeeded:     95,
		Failed:        5,
		FailRate:      0.05,
		DLQDepth:      1,
		QueueLength:   -1,
		LookbackHours: 24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(thresholds(), nil)

	alerts := a.Evaluate(&MetricsSnapshot{
		Succeeded:     12,
		Failed:        8,
		FailRate:      0.4,
		LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_SmallSampleIgnored(t *testing.T) {
	a := NewAlerter(thresholds(), nil)

	alerts := a.Evaluate(&MetricsSnapshot{Succeeded: 1, Failed: 2, FailRate: 2.0 / 3.0})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_DLQAndBacklog(t *testing.T) {
	a := NewAlerter(thresholds(), nil)

	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 5, QueueLength: 250})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Equal(t, AlertQueueBacklog, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "250 job(s)")
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{}, nil)

	alerts := a.Evaluate(&MetricsSnapshot{Succeeded: 10, Failed: 90, FailRate: 0.9, DLQDepth: 50, QueueLength: 9000})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var last notify.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&last)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.New(config.NotifyConfig{WebhookURL: srv.URL, RatePerSec: 100, TimeoutSecs: 5})
	a := NewAlerter(thresholds(), n)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDLQDepth, Severity: "high", Message: "7 job(s) in the dead letter queue",
			Details: map[string]any{"dlq_depth": 7}},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, notify.EventAlert, last.Type)
	assert.Equal(t, "dlq_depth", last.Details["alert"])
	assert.EqualValues(t, 7, last.Details["dlq_depth"])
}

func TestAlerter_SendAlerts_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := notify.New(config.NotifyConfig{WebhookURL: srv.URL, RatePerSec: 100, TimeoutSecs: 5})
	a := NewAlerter(thresholds(), n)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertQueueBacklog, Message: "x"}})
	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_NothingToSend(t *testing.T) {
	a := NewAlerter(thresholds(), notify.LogNotifier{})
	assert.Zero(t, a.SendAlerts(context.Background(), nil))

	assert.Zero(t, NewAlerter(thresholds(), nil).SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}}))
}
