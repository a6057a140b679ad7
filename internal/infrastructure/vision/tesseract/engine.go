//go:build tesseract

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// Engine creates one gosseract client per call; clients are not safe for
// concurrent use.
type Engine struct {
	languages []string
}

func New(languages ...string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{languages: languages}
}

func Available() bool { return true }

func (e *Engine) Recognize(ctx context.Context, req domain.VisionRequest) (domain.Recognition, error) {
	if err := ctx.Err(); err != nil {
		return domain.Recognition{}, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return domain.Recognition{}, domain.WrapError(domain.ErrRecognitionService, "tesseract set language", err)
	}
	if err := client.SetImageFromBytes(req.Image); err != nil {
		return domain.Recognition{}, domain.WrapError(domain.ErrRecognitionService, "tesseract set image", err)
	}
	text, err := client.Text()
	if err != nil {
		return domain.Recognition{}, domain.WrapError(domain.ErrRecognitionService, "tesseract recognize", err)
	}

	return domain.Recognition{
		Text:   strings.TrimSpace(text),
		Signal: meanWordConfidence(client),
	}, nil
}

func meanWordConfidence(client *gosseract.Client) float64 {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	mean := sum / float64(len(boxes))
	if mean > 1 {
		return 1
	}
	return mean
}

func (e *Engine) String() string {
	return fmt.Sprintf("tesseract(%s)", strings.Join(e.languages, "+"))
}
