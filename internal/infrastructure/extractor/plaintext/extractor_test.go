package plaintext

import (
	"context"
	"testing"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

func TestExtractCountsFormFeedPages(t *testing.T) {
	doc := &domain.Document{Format: domain.FormatText, Data: []byte("one\ftwo\fthree\f\n")}
	got, err := NewExtractor().Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.PageCount != 3 {
		t.Fatalf("expected 3 pages, got %d", got.PageCount)
	}
}

func TestExtractRejectsNonText(t *testing.T) {
	doc := &domain.Document{Format: domain.FormatPDF, Data: []byte("%PDF-1.7")}
	_, err := NewExtractor().Extract(context.Background(), doc)
	if !domain.IsKind(err, domain.ErrConversionUnavailable) {
		t.Fatalf("expected ErrConversionUnavailable, got %v", err)
	}
}

func TestExtractRejectsBlankText(t *testing.T) {
	doc := &domain.Document{Format: domain.FormatText, Data: []byte(" \n\f ")}
	_, err := NewExtractor().Extract(context.Background(), doc)
	if !domain.IsKind(err, domain.ErrConversionUnavailable) {
		t.Fatalf("expected ErrConversionUnavailable, got %v", err)
	}
}
