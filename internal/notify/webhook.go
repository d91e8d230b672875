package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/resilience"
)

// Webhook posts events as JSON to a URL. Calls are rate limited and pass
// through a circuit breaker so a dead endpoint does not slow ingestion.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewWebhook creates a Webhook from cfg.
func NewWebhook(cfg config.NotifyConfig) *Webhook {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &Webhook{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec))),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("notify: webhook circuit changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notify: rate limit")
	}
	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.post(ctx, ev)
	})
	if err != nil {
		zap.L().Warn("notify: webhook delivery failed",
			zap.String("type", string(ev.Type)),
			zap.String("import_id", ev.ImportID),
			zap.Error(err),
		)
		return err
	}
	zap.L().Debug("notify: webhook delivered", zap.String("type", string(ev.Type)))
	return nil
}

func (w *Webhook) post(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
