//go:build !tesseract

package tesseract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// Engine is a stub for builds without the tesseract tag.
type Engine struct {
	languages []string
}

func New(languages ...string) *Engine {
	return &Engine{languages: languages}
}

func Available() bool { return false }

func (e *Engine) Recognize(context.Context, domain.VisionRequest) (domain.Recognition, error) {
	return domain.Recognition{}, domain.WrapError(domain.ErrRecognitionService, "tesseract recognize", errors.New("built without tesseract support"))
}

func (e *Engine) String() string {
	return fmt.Sprintf("tesseract-stub(%s)", strings.Join(e.languages, "+"))
}
