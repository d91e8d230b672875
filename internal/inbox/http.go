package inbox

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/finance-ingest/internal/config"
	"github.com/sells-group/finance-ingest/internal/resilience"
)

// ErrTooLarge is returned when a download exceeds the configured limit.
var ErrTooLarge = eris.New("inbox: download exceeds size limit")

// HTTPInbox downloads documents by URL into the staging directory, with a
// per-host rate limit and retry on transient failures.
type HTTPInbox struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	retry     resilience.RetryConfig
	perSec    rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTP creates an HTTPInbox from cfg.
func NewHTTP(cfg config.InboxConfig) *HTTPInbox {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	perSec := rate.Limit(cfg.HTTPRatePerSec)
	if perSec <= 0 {
		perSec = 5
	}
	retry := resilience.DefaultRetryConfig()
	if cfg.HTTPMaxRetries > 0 {
		retry.MaxAttempts = cfg.HTTPMaxRetries
	}
	retry.OnRetry = resilience.RetryLogger("inbox", "http download")

	ua := cfg.UserAgent
	if ua == "" {
		ua = "finance-ingest/1.0"
	}
	return &HTTPInbox{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: ua,
		maxBytes:  cfg.MaxDownloadMB << 20,
		retry:     retry,
		perSec:    perSec,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (h *HTTPInbox) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[host]
	if !ok {
		lim = rate.NewLimiter(h.perSec, max(1, int(h.perSec)))
		h.limiters[host] = lim
	}
	return lim
}

// Stage downloads rawURL into stagingDir.
func (h *HTTPInbox) Stage(ctx context.Context, rawURL, stagingDir string) (Staged, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Staged{}, eris.Errorf("inbox: invalid download url %q", rawURL)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Staged{}, eris.Wrap(err, "inbox: create staging dir")
	}
	lim := h.limiterFor(u.Host)

	staged, err := resilience.DoVal(ctx, h.retry, func(ctx context.Context) (Staged, error) {
		if err := lim.Wait(ctx); err != nil {
			return Staged{}, resilience.Permanent(eris.Wrap(err, "inbox: rate limiter wait"))
		}
		return h.download(ctx, u, stagingDir)
	})
	if err != nil {
		return Staged{}, err
	}
	zap.L().Info("inbox: downloaded",
		zap.String("url", u.Redacted()),
		zap.String("name", staged.OriginalName),
		zap.Int64("bytes", staged.Size),
	)
	return staged, nil
}

func (h *HTTPInbox) download(ctx context.Context, u *url.URL, stagingDir string) (Staged, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Staged{}, resilience.Permanent(eris.Wrap(err, "inbox: build request"))
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return Staged{}, eris.Wrap(err, "inbox: http get")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		statusErr := eris.Errorf("inbox: http get %s: status %d", u.Redacted(), resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return Staged{}, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return Staged{}, resilience.Permanent(statusErr)
	}
	if h.maxBytes > 0 && resp.ContentLength > h.maxBytes {
		return Staged{}, resilience.Permanent(eris.Wrapf(ErrTooLarge, "content length %d", resp.ContentLength))
	}

	name := downloadName(u, resp.Header.Get("Content-Disposition"))
	final := filepath.Join(stagingDir, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	part := final + PartSuffix

	var body io.Reader = resp.Body
	if h.maxBytes > 0 {
		body = io.LimitReader(resp.Body, h.maxBytes+1)
	}
	n, err := writeFile(part, body)
	if err == nil && h.maxBytes > 0 && n > h.maxBytes {
		err = resilience.Permanent(eris.Wrapf(ErrTooLarge, "read %d bytes", n))
	}
	if err != nil {
		os.Remove(part) //nolint:errcheck
		return Staged{}, err
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part) //nolint:errcheck
		return Staged{}, resilience.Permanent(eris.Wrap(err, "inbox: finalize staged file"))
	}
	return Staged{RemotePath: u.Redacted(), LocalPath: final, OriginalName: name, Size: n}, nil
}

// downloadName prefers the Content-Disposition filename over the last URL
// path segment.
func downloadName(u *url.URL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if fn := filepath.Base(params["filename"]); fn != "." && fn != "/" && fn != "" {
				return fn
			}
		}
	}
	if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
		return base
	}
	return "download"
}
