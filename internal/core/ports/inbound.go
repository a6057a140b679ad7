package ports

import (
	"context"
	"io"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// DocumentProcessor runs the extraction pipeline for one document.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, filename string, data []byte) (*domain.DocumentResult, error)
}

// AnnotationIngestor turns human annotations into stored patterns.
type AnnotationIngestor interface {
	IngestAnnotations(ctx context.Context, documentID string, annotations []domain.Annotation) (domain.LearningOutcome, error)
}

// AccuracyReporter exposes the process-wide learning statistics.
type AccuracyReporter interface {
	AccuracyEstimate() float64
	PatternCount() int
}

// DocumentSubmitter stores a document and schedules it for asynchronous processing.
type DocumentSubmitter interface {
	Submit(ctx context.Context, filename string, body io.Reader) (string, error)
}
