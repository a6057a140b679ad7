package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// Extractor reads the embedded text layer of a PDF. Pages are joined with form
// feeds so the partitioner can attribute text to pages exactly.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Name() string { return "pdftext" }

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) (out domain.TextExtraction, err error) {
	if doc.Format != domain.FormatPDF {
		return domain.TextExtraction{}, domain.WrapError(domain.ErrConversionUnavailable, "pdf text extract", errors.New("not a pdf document"))
	}

	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			out = domain.TextExtraction{}
			err = domain.WrapError(domain.ErrConversionUnavailable, "pdf text extract", fmt.Errorf("parser panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(doc.Data), int64(len(doc.Data)))
	if err != nil {
		return domain.TextExtraction{}, domain.WrapError(domain.ErrConversionUnavailable, "pdf text extract", err)
	}

	total := reader.NumPage()
	if total == 0 {
		return domain.TextExtraction{}, domain.WrapError(domain.ErrConversionUnavailable, "pdf text extract", errors.New("pdf has no pages"))
	}

	pages := make([]string, 0, total)
	nonEmpty := 0
	for index := 1; index <= total; index++ {
		if err := ctx.Err(); err != nil {
			return domain.TextExtraction{}, err
		}
		page := reader.Page(index)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		text = strings.TrimSpace(text)
		if text != "" {
			nonEmpty++
		}
		pages = append(pages, text)
	}

	if nonEmpty == 0 {
		return domain.TextExtraction{}, domain.WrapError(domain.ErrConversionUnavailable, "pdf text extract", errors.New("no text layer"))
	}
	return domain.TextExtraction{
		Text:      strings.Join(pages, "\f"),
		PageCount: total,
	}, nil
}
