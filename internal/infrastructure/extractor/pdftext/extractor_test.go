package pdftext

import (
	"context"
	"testing"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

func TestExtractRejectsNonPDF(t *testing.T) {
	_, err := NewExtractor().Extract(context.Background(), &domain.Document{Format: domain.FormatPNG, Data: []byte{0x89}})
	if !domain.IsKind(err, domain.ErrConversionUnavailable) {
		t.Fatalf("expected ErrConversionUnavailable, got %v", err)
	}
}

func TestExtractMalformedPDFIsConversionUnavailable(t *testing.T) {
	doc := &domain.Document{Format: domain.FormatPDF, Data: []byte("%PDF-1.4\nthis is not a real pdf body")}
	_, err := NewExtractor().Extract(context.Background(), doc)
	if !domain.IsKind(err, domain.ErrConversionUnavailable) {
		t.Fatalf("expected ErrConversionUnavailable, got %v", err)
	}
}
