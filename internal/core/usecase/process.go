package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

const defaultReviewThreshold = 0.5

// LearningSync refreshes learning state that other processes may have written.
type LearningSync interface {
	Sync(ctx context.Context)
}

type ProcessOptions struct {
	// ReviewThreshold is the page confidence below which a page is suggested for review.
	ReviewThreshold float64
	// Sync, when set, runs before patterns are applied to a document.
	Sync            LearningSync
	Logger          *slog.Logger
	Observer        ports.PipelineObserver
	Now             func() time.Time
}

// ProcessDocumentUseCase drives one document through
// materialize -> recognize -> apply patterns -> aggregate -> suggest.
type ProcessDocumentUseCase struct {
	materializer *PageMaterializer
	engine       *RecognitionEngine
	patterns     *PatternStore
	accuracy     ports.AccuracyReporter
	sync         LearningSync
	aggregate    ports.Scorer[domain.AggregateEvidence]
	threshold    float64
	logger       *slog.Logger
	observer     ports.PipelineObserver
	now          func() time.Time
}

func NewProcessDocumentUseCase(
	materializer *PageMaterializer,
	engine *RecognitionEngine,
	patterns *PatternStore,
	accuracy ports.AccuracyReporter,
	aggregate ports.Scorer[domain.AggregateEvidence],
	opts ProcessOptions,
) *ProcessDocumentUseCase {
	if opts.ReviewThreshold <= 0 {
		opts.ReviewThreshold = defaultReviewThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ProcessDocumentUseCase{
		materializer: materializer,
		engine:       engine,
		patterns:     patterns,
		accuracy:     accuracy,
		sync:         opts.Sync,
		aggregate:    aggregate,
		threshold:    opts.ReviewThreshold,
		logger:       opts.Logger,
		observer:     opts.Observer,
		now:          opts.Now,
	}
}

// ProcessDocument always returns a result. The error is non-nil only for input that
// is not a document at all (domain.ErrInvalidInput); page-level failures are carried
// on the result.
func (uc *ProcessDocumentUseCase) ProcessDocument(ctx context.Context, filename string, data []byte) (*domain.DocumentResult, error) {
	doc := &domain.Document{
		ID:       uuid.NewString(),
		Filename: filename,
		Data:     data,
	}
	uc.observer.StartDocument()

	if err := uc.validate(doc); err != nil {
		result := uc.failedResult(doc, nil, err)
		uc.observer.FinishDocument(result.Status, result.Pages)
		uc.logger.Warn("document_rejected", "document_id", doc.ID, "filename", filename, "error", err)
		return result, err
	}

	result := uc.run(ctx, doc)
	uc.observer.FinishDocument(result.Status, result.Pages)
	uc.logger.Info("document_processed",
		"document_id", doc.ID,
		"format", doc.Format,
		"pages", result.PageCount,
		"status", result.Status,
		"confidence", result.Confidence,
	)
	return result, nil
}

func (uc *ProcessDocumentUseCase) validate(doc *domain.Document) error {
	if len(doc.Data) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate document", errors.New("empty document"))
	}
	doc.Format = domain.DetectFormat(doc.Data)
	if doc.Format == domain.FormatUnknown {
		return domain.WrapError(domain.ErrInvalidInput, "validate document", errors.New("unrecognized document format"))
	}
	return nil
}

func (uc *ProcessDocumentUseCase) run(ctx context.Context, doc *domain.Document) (result *domain.DocumentResult) {
	var units []domain.PageUnit
	defer func() {
		if rec := recover(); rec != nil {
			uc.logger.Error("document_pipeline_panic", "document_id", doc.ID, "panic", rec)
			if len(units) == 0 {
				units = []domain.PageUnit{placeholderUnit(0, "pipeline failed before materialization")}
			}
			result = uc.failedResult(doc, units, fmt.Errorf("process document: panic: %v", rec))
		}
	}()

	units = uc.materializer.Materialize(ctx, doc)
	doc.PageCount = len(units)

	pages := uc.engine.Recognize(ctx, doc.ID, units)
	if uc.sync != nil {
		uc.sync.Sync(ctx)
	}
	pages = uc.patterns.Apply(pages)

	result = &domain.DocumentResult{
		DocumentID:       doc.ID,
		Filename:         doc.Filename,
		Status:           resultStatus(pages),
		PageCount:        doc.PageCount,
		Pages:            pages,
		Confidence:       uc.aggregate.Score(domain.AggregateEvidence{Pages: pages}),
		AccuracyEstimate: uc.accuracy.AccuracyEstimate(),
		Suggestions:      uc.suggest(pages),
		ProcessedAt:      uc.now(),
	}
	if err := ctx.Err(); err != nil {
		result.Status = domain.ResultDegraded
		result.ErrorKind = domain.ErrorKindCancelled
		result.Error = err.Error()
	}
	return result
}

// failedResult keeps len(Pages) == PageCount: every unit becomes a placeholder page.
// Rejected input has no units and no pages.
func (uc *ProcessDocumentUseCase) failedResult(doc *domain.Document, units []domain.PageUnit, err error) *domain.DocumentResult {
	kind := domain.ErrorKindOf(err)
	pages := make([]domain.ExtractedPage, len(units))
	for i, unit := range units {
		pages[i] = domain.ExtractedPage{
			Index:     unit.Index,
			Method:    domain.MethodUnavailable,
			ErrorKind: kind,
			Error:     err.Error(),
		}
	}

	accuracy := 0.0
	if uc.accuracy != nil {
		accuracy = uc.accuracy.AccuracyEstimate()
	}
	return &domain.DocumentResult{
		DocumentID:       doc.ID,
		Filename:         doc.Filename,
		Status:           domain.ResultFailed,
		PageCount:        len(pages),
		Pages:            pages,
		AccuracyEstimate: accuracy,
		ErrorKind:        kind,
		Error:            err.Error(),
		ProcessedAt:      uc.now(),
	}
}

func resultStatus(pages []domain.ExtractedPage) domain.ResultStatus {
	for _, p := range pages {
		if p.ErrorKind != domain.ErrorKindNone {
			return domain.ResultDegraded
		}
		if p.Method != domain.MethodVision && p.Method != domain.MethodRawText {
			return domain.ResultDegraded
		}
	}
	return domain.ResultCompleted
}

// suggest proposes the annotations most likely to improve the next run.
func (uc *ProcessDocumentUseCase) suggest(pages []domain.ExtractedPage) []domain.Suggestion {
	var out []domain.Suggestion
	var identifiers, applied, textPathEntities int
	for _, p := range pages {
		identifiers += len(p.Values(domain.EntityIdentifier))
		applied += len(p.AppliedPatterns)
		if (p.Method == domain.MethodRawText || p.Method == domain.MethodRawTextFallback) && len(p.Entities) > 0 {
			textPathEntities++
		}
	}

	if identifiers == 0 {
		out = append(out, domain.Suggestion{
			Type:    "mark_identifier_column",
			Message: "Mark the identifier column so securities can be matched on similar statements",
		})
	}
	if applied == 0 {
		out = append(out, domain.Suggestion{
			Type:    "mark_header_row",
			Message: "Mark the header row of the positions table to teach this layout",
		})
	}
	for _, p := range pages {
		if p.Method == domain.MethodUnavailable || p.Confidence < uc.threshold {
			out = append(out, domain.Suggestion{
				Type:    "verify_page",
				Page:    p.Index + 1,
				Message: fmt.Sprintf("Verify page %d: confidence %.2f via %s", p.Index+1, p.Confidence, p.Method),
			})
		}
	}
	if textPathEntities > 0 {
		out = append(out, domain.Suggestion{
			Type:    "annotate_corrections",
			Message: "Annotate corrections for values read from the text layer",
		})
	}
	return out
}
