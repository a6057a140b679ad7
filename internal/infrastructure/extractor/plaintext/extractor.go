package plaintext

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// Extractor reads statements delivered as UTF-8 text. Form feeds mark page breaks.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Name() string { return "plaintext" }

func (e *Extractor) Extract(_ context.Context, doc *domain.Document) (domain.TextExtraction, error) {
	if doc.Format != domain.FormatText {
		return domain.TextExtraction{}, domain.WrapError(domain.ErrConversionUnavailable, "plaintext extract", errors.New("not a text document"))
	}
	if !utf8.Valid(doc.Data) {
		return domain.TextExtraction{}, domain.WrapError(domain.ErrConversionUnavailable, "plaintext extract", errors.New("invalid utf-8"))
	}

	text := strings.TrimRight(string(doc.Data), "\f\n\r\t ")
	if strings.TrimSpace(text) == "" {
		return domain.TextExtraction{}, domain.WrapError(domain.ErrConversionUnavailable, "plaintext extract", errors.New("empty text"))
	}
	return domain.TextExtraction{
		Text:      text,
		PageCount: strings.Count(text, "\f") + 1,
	}, nil
}
