package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// Transient failures: retry and count against the breaker.
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	// Rejected failures: the remote answered and will answer the same way again.
	Rejected = ErrorClassification{}
	// Broken failures: do not retry, but the remote is likely unhealthy.
	Broken = ErrorClassification{RecordFailure: true}
)

// ClassifyCommon settles the failures every adapter treats alike. When ok is
// false the adapter must inspect err itself.
func ClassifyCommon(err error) (ErrorClassification, bool) {
	switch {
	case err == nil:
		return Rejected, true
	case errors.Is(err, ErrCallTimeout):
		return Transient, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Rejected, true
	case IsCircuitOpen(err):
		return Transient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient, true
	}
	return ErrorClassification{}, false
}

// ClassifyStatus classifies an HTTP status answer. retryAfter is passed through
// for 429 and 503 responses.
func ClassifyStatus(code int, retryAfter time.Duration) ErrorClassification {
	if !RetryableStatus(code) {
		return Rejected
	}
	class := Transient
	if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
		class.RetryAfter = retryAfter
	}
	return class
}

func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
