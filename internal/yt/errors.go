package yt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors mapping the platform's HTTP failure classes. Check
// with errors.Is; the wrapping APIError carries status and reason.
var (
	// ErrUnauthorized means the access secret was rejected (401). The
	// caller should refresh the grant and retry.
	ErrUnauthorized = errors.New("yt: unauthorized")

	// ErrForbidden means the request was understood and refused (403)
	// for a non-quota reason.
	ErrForbidden = errors.New("yt: forbidden")

	// ErrNotFound means the resource does not exist (404).
	ErrNotFound = errors.New("yt: not found")

	// ErrQuotaExceeded means the daily API quota is exhausted. Retrying
	// within the same quota window is pointless.
	ErrQuotaExceeded = errors.New("yt: quota exceeded")

	// ErrThrottled means the platform asked us to slow down (429 or a
	// 403 rate-limit reason). Retryable with backoff.
	ErrThrottled = errors.New("yt: rate limited")

	// ErrServerError covers 5xx responses. Retryable with backoff.
	ErrServerError = errors.New("yt: server error")

	// ErrSessionExpired means a resumable upload session URI is no
	// longer valid (404/410 on the session). The upload must reopen a
	// session and query committed progress, not fail outright.
	ErrSessionExpired = errors.New("yt: upload session expired")
)

// APIError is a classified platform error. It unwraps to one of the
// sentinels above.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	Err        error

	// retryAfter is the platform-requested delay, when one was sent.
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: HTTP %d (%s): %s", e.Err, e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("%v: HTTP %d: %s", e.Err, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// errorBody is the platform's JSON error envelope.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// quotaReasons are 403 reasons that mean quota exhaustion rather than
// a permissions problem.
var quotaReasons = map[string]bool{
	"quotaExceeded":              true,
	"dailyLimitExceeded":         true,
	"uploadLimitExceeded":        true,
	"userRateLimitExceededQuota": true,
}

// throttleReasons are 403 reasons that mean transient rate limiting.
var throttleReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// classify maps a non-2xx response to an APIError wrapping the right
// sentinel. body may be empty.
func classify(status int, body []byte) error {
	var eb errorBody

	reason := ""
	message := ""

	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		message = eb.Error.Message
		if len(eb.Error.Errors) > 0 {
			reason = eb.Error.Errors[0].Reason
		}
	}

	if message == "" {
		message = string(body)
	}

	var sentinel error

	switch {
	case status == 401:
		sentinel = ErrUnauthorized
	case status == 403 && quotaReasons[reason]:
		sentinel = ErrQuotaExceeded
	case status == 403 && throttleReasons[reason]:
		sentinel = ErrThrottled
	case status == 403:
		sentinel = ErrForbidden
	case status == 404:
		sentinel = ErrNotFound
	case status == 429:
		sentinel = ErrThrottled
	case status >= 500:
		sentinel = ErrServerError
	default:
		sentinel = fmt.Errorf("yt: unexpected status %d", status)
	}

	return &APIError{StatusCode: status, Reason: reason, Message: message, Err: sentinel}
}

// retryable reports whether an error class is worth retrying with
// backoff. Quota exhaustion is deliberately not retryable.
func retryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrServerError)
}
