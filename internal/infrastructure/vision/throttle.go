// Package vision holds decorators shared by the vision-recognition adapters.
package vision

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

// Throttled caps the request rate towards a vision service with a token bucket.
type Throttled struct {
	next    ports.VisionRecognizer
	limiter *rate.Limiter
}

// NewThrottled wraps next. A non-positive rate disables throttling.
func NewThrottled(next ports.VisionRecognizer, requestsPerSecond float64, burst int) ports.VisionRecognizer {
	if requestsPerSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (t *Throttled) Recognize(ctx context.Context, req domain.VisionRequest) (domain.Recognition, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return domain.Recognition{}, domain.WrapError(domain.ErrRecognitionService, "vision rate limit", err)
	}
	return t.next.Recognize(ctx, req)
}

func (t *Throttled) String() string {
	return fmt.Sprintf("%s at %g rps", Describe(t.next), float64(t.limiter.Limit()))
}

// Describe names a recognizer for logs. A nil recognizer means recognition is off.
func Describe(r ports.VisionRecognizer) string {
	if r == nil {
		return "none"
	}
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}
