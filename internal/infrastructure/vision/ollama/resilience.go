package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
	// Delay is the server-requested Retry-After, zero when absent.
	Delay      time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func (e *HTTPStatusError) RetryAfter() time.Duration { return e.Delay }

// MalformedResponseError marks a response that decoded badly or carried no text.
type MalformedResponseError struct {
	Operation string
	Reason    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("ollama %s malformed response: %s", e.Operation, e.Reason)
}

func classifyOllamaError(err error) resilience.ErrorClassification {
	var (
		malformed *MalformedResponseError
		statusErr *HTTPStatusError
		netErr    net.Error
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return resilience.Ignored
	case errors.Is(err, context.DeadlineExceeded):
		return resilience.Transient
	case resilience.IsCircuitOpen(err), errors.As(err, &malformed):
		return resilience.Permanent
	case errors.As(err, &statusErr):
		return resilience.ClassifyHTTPStatus(statusErr.StatusCode)
	case errors.As(err, &netErr):
		return resilience.Transient
	default:
		return resilience.Permanent
	}
}

// wrapRecognitionError attaches the domain kinds the recognition engine and the
// callers branch on.
func wrapRecognitionError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
		return domain.WrapError(domain.ErrUnauthorized, operation, err)
	}
	if classifyOllamaError(err).Retryable || resilience.IsCircuitOpen(err) {
		return fmt.Errorf("%s: %w: %w: %w", operation, domain.ErrRecognitionService, domain.ErrTemporary, err)
	}
	return domain.WrapError(domain.ErrRecognitionService, operation, err)
}
