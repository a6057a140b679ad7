package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	Permanent = ErrorClassification{Retryable: false, RecordFailure: true}
	Ignored   = ErrorClassification{}
)

// RetryAfterError is a failure that names its own retry delay, such as a rate
// limited response carrying Retry-After.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// ClassifyHTTPStatus sorts upstream status codes. Rejected requests other than
// timeouts and rate limits are the caller's fault and do not trip the breaker.
func ClassifyHTTPStatus(code int) ErrorClassification {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Transient
	}
	if code >= 500 {
		return Permanent
	}
	return Ignored
}

// ParseRetryAfter accepts both delay-seconds and HTTP-date forms and returns zero
// for anything else.
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
	if err != nil || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}

func retryAfter(err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
