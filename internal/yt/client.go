// Package yt is the Data API client used by the upload engine: opening
// and driving resumable upload sessions, querying committed progress,
// and the post-upload video operations (metadata, thumbnail, playlist).
// All requests pass through a shared rate limiter; metadata calls also
// retry transient failures with exponential backoff.
package yt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/tubeworks/tubeup/internal/config"
)

const (
	defaultAPIBaseURL    = "https://www.googleapis.com/youtube/v3"
	defaultUploadBaseURL = "https://www.googleapis.com/upload/youtube/v3"

	defaultMaxTries  = 4
	baseRetryDelay   = 500 * time.Millisecond
	maxRetryDelay    = 30 * time.Second
	maxErrorBodySize = 1 << 20
)

// Client talks to the platform API. Base URLs and the HTTP client are
// fields so tests can point them at an httptest server.
type Client struct {
	BaseURL       string
	UploadBaseURL string
	HTTPClient    *http.Client

	limiter  *rate.Limiter
	maxTries int
	logger   *slog.Logger

	// sleep is injected so retry tests run without wall-clock delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client rate-limited per the API config.
func New(cfg config.APIConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	qps := cfg.QPS
	if qps <= 0 {
		qps = 1
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		BaseURL:       defaultAPIBaseURL,
		UploadBaseURL: defaultUploadBaseURL,
		HTTPClient:    &http.Client{Timeout: 2 * time.Minute},
		limiter:       rate.NewLimiter(rate.Limit(qps), burst),
		maxTries:      defaultMaxTries,
		logger:        logger,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// doJSON issues a request built by build, retrying throttled and server
// errors with exponential backoff plus jitter. Retry-After overrides
// the computed delay. The request body must be rebuildable, hence the
// builder function rather than a single *http.Request.
func (c *Client) doJSON(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxTries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retryDelay(attempt, lastErr)); err != nil {
				return nil, err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		body, err := c.doOnce(req)
		if err == nil {
			return body, nil
		}

		lastErr = err

		if !retryable(err) {
			return nil, err
		}

		c.logger.Warn("retrying API request",
			slog.String("url", req.URL.Path),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// doOnce issues one request and classifies the response. Network-level
// failures are wrapped as ErrServerError so they retry like a 5xx.
func (c *Client) doOnce(req *http.Request) ([]byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error(), Err: ErrServerError}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error(), Err: ErrServerError}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		classified := classify(resp.StatusCode, body)
		if apiErr, ok := classified.(*APIError); ok {
			apiErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}

		return nil, classified
	}

	return body, nil
}

// retryDelay computes the backoff for an attempt: Retry-After when the
// platform sent one, otherwise exponential with up to 50% jitter.
func (c *Client) retryDelay(attempt int, lastErr error) time.Duration {
	if apiErr, ok := lastErr.(*APIError); ok && apiErr.retryAfter > 0 {
		return apiErr.retryAfter
	}

	d := baseRetryDelay << (attempt - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}

	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// newRequest builds an authenticated JSON request against BaseURL.
func (c *Client) newRequest(ctx context.Context, method, accessSecret, path string, payload any) (*http.Request, error) {
	var body io.Reader = http.NoBody

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("yt: encoding request body: %w", err)
		}

		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("yt: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessSecret)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}
