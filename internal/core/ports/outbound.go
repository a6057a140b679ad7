package ports

import (
	"context"
	"io"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

// Rasterizer renders document pages to images. Unsupported formats return
// domain.ErrConversionUnavailable.
type Rasterizer interface {
	Name() string
	Rasterize(ctx context.Context, doc *domain.Document) ([]domain.PageImage, error)
}

// RawTextExtractor extracts whole-document text and the page count it observed.
type RawTextExtractor interface {
	Name() string
	Extract(ctx context.Context, doc *domain.Document) (domain.TextExtraction, error)
}

// PagePartitioner splits whole-document text into exactly pages parts.
type PagePartitioner interface {
	Partition(text string, pages int) []string
}

// VisionRecognizer is the external vision-recognition service.
type VisionRecognizer interface {
	Recognize(ctx context.Context, req domain.VisionRequest) (domain.Recognition, error)
}

// PatternRepository is the durable store behind the pattern store.
// Patterns are unique by domain.Pattern.Key. LoadPatterns returns the readable rows
// together with a domain.ErrCorruptRecord error naming the rows it skipped;
// domain.ErrPatternStoreCorruption means nothing could be read.
type PatternRepository interface {
	LoadPatterns(ctx context.Context) ([]domain.Pattern, error)
	InsertPattern(ctx context.Context, pattern domain.Pattern) error
	// UpsertPattern inserts the pattern, or reinforces the stored one with the same
	// key. created reports which happened.
	UpsertPattern(ctx context.Context, pattern domain.Pattern, r domain.Reinforcement) (stored domain.Pattern, created bool, err error)
	StrengthenPattern(ctx context.Context, id string, r domain.Reinforcement) (domain.Pattern, error)
	LoadAccuracy(ctx context.Context) (domain.AccuracyEstimate, bool, error)
	SaveAccuracy(ctx context.Context, estimate domain.AccuracyEstimate) error
	// Reset moves the stored data aside and starts an empty store.
	Reset(ctx context.Context) error
}

// Scorer is a pluggable scoring strategy.
type Scorer[E any] interface {
	Score(evidence E) float64
}

// ObjectStorage stores source documents and results.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// MessageQueue publishes/consumes pipeline events.
type MessageQueue interface {
	PublishDocumentSubmitted(ctx context.Context, documentKey string) error
	SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error
	PublishAnnotations(ctx context.Context, batch domain.AnnotationBatch) error
	SubscribeAnnotations(ctx context.Context, handler func(context.Context, domain.AnnotationBatch) error) error
}

// ResultExporter renders a document result into an external format.
type ResultExporter interface {
	Export(result *domain.DocumentResult, w io.Writer) error
}

// PipelineObserver receives pipeline events for metrics.
type PipelineObserver interface {
	StartDocument()
	FinishDocument(status domain.ResultStatus, pages []domain.ExtractedPage)
	ObserveRecognition(method domain.RecognitionMethod, seconds float64)
	ObserveLearning(patternCount int, accuracy float64)
}
