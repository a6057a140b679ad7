package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

type MaterializerOptions struct {
	// AttachTextHint sends the page's raw text to the vision service as a hint.
	// Rendered units always keep the text for fallback either way.
	AttachTextHint bool
	Logger         *slog.Logger
}

// PageMaterializer turns document bytes into ordered page units. Each page index runs
// through rasterized -> text_layer -> placeholder and stops at the first stage that
// has content for it.
type PageMaterializer struct {
	rasterizers []ports.Rasterizer
	extractors  []ports.RawTextExtractor
	partitioner ports.PagePartitioner
	textHint    bool
	logger      *slog.Logger
}

func NewPageMaterializer(
	rasterizers []ports.Rasterizer,
	extractors []ports.RawTextExtractor,
	partitioner ports.PagePartitioner,
	opts MaterializerOptions,
) *PageMaterializer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PageMaterializer{
		rasterizers: rasterizers,
		extractors:  extractors,
		partitioner: partitioner,
		textHint:    opts.AttachTextHint,
		logger:      logger,
	}
}

type rasterStage struct {
	images  map[int]domain.PageImage
	pages   int
	reasons []string
}

type textStage struct {
	parts   []string
	pages   int
	reasons []string
}

// Materialize never fails. When no stage produces anything it returns a single
// unavailable placeholder carrying the collected reasons.
func (m *PageMaterializer) Materialize(ctx context.Context, doc *domain.Document) []domain.PageUnit {
	raster := m.rasterize(ctx, doc)
	text := m.extractText(ctx, doc)

	pageCount := max(raster.pages, text.pages)
	if pageCount == 0 {
		reason := joinReasons(append(raster.reasons, text.reasons...))
		m.logger.Warn("materialization_exhausted",
			"document_id", doc.ID,
			"reason", reason,
		)
		return []domain.PageUnit{placeholderUnit(0, reason)}
	}

	units := make([]domain.PageUnit, pageCount)
	for i := range pageCount {
		units[i] = m.materializePage(doc.ID, i, raster, text)
	}
	return units
}

func (m *PageMaterializer) materializePage(docID string, index int, raster rasterStage, text textStage) domain.PageUnit {
	var pageText string
	if index < len(text.parts) {
		pageText = text.parts[index]
	}

	if img, ok := raster.images[index]; ok {
		unit := domain.PageUnit{
			Index:    index,
			Variant:  domain.VariantRenderedImage,
			Method:   domain.MaterializedRasterized,
			Image:    img.Data,
			MimeType: img.MimeType,
			Text:     pageText,
		}
		if m.textHint {
			unit.Hint = pageText
		}
		return unit
	}

	rasterReason := "no rendered image for page"
	if len(raster.images) == 0 {
		rasterReason = joinReasons(raster.reasons)
	}

	if strings.TrimSpace(pageText) != "" {
		m.logger.Info("page_fallback",
			"document_id", docID,
			"page", index,
			"method", domain.MaterializedTextLayer,
			"reason", rasterReason,
		)
		return domain.PageUnit{
			Index:   index,
			Variant: domain.VariantRawText,
			Method:  domain.MaterializedTextLayer,
			Text:    pageText,
			Hint:    pageText,
			Reason:  rasterReason,
		}
	}

	textReason := "no text for page"
	if len(text.parts) == 0 {
		textReason = joinReasons(text.reasons)
	}
	reason := rasterReason + "; " + textReason
	m.logger.Warn("page_fallback",
		"document_id", docID,
		"page", index,
		"method", domain.MaterializedPlaceholder,
		"reason", reason,
	)
	return placeholderUnit(index, reason)
}

func (m *PageMaterializer) rasterize(ctx context.Context, doc *domain.Document) rasterStage {
	stage := rasterStage{images: map[int]domain.PageImage{}}
	if len(m.rasterizers) == 0 {
		stage.reasons = append(stage.reasons, "no rasterizer configured")
		return stage
	}

	for _, r := range m.rasterizers {
		images, err := m.safeRasterize(ctx, r, doc)
		if err != nil {
			stage.reasons = append(stage.reasons, fmt.Sprintf("%s: %v", r.Name(), err))
			if !domain.IsKind(err, domain.ErrConversionUnavailable) {
				m.logger.Warn("rasterizer_failed", "document_id", doc.ID, "rasterizer", r.Name(), "error", err)
			}
			continue
		}
		for _, img := range images {
			if img.Index < 0 || len(img.Data) == 0 {
				continue
			}
			if _, exists := stage.images[img.Index]; exists {
				continue
			}
			stage.images[img.Index] = img
			stage.pages = max(stage.pages, img.Index+1)
		}
		if len(stage.images) > 0 {
			return stage
		}
		stage.reasons = append(stage.reasons, r.Name()+": no pages rendered")
	}
	return stage
}

func (m *PageMaterializer) safeRasterize(ctx context.Context, r ports.Rasterizer, doc *domain.Document) (images []domain.PageImage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rasterizer panic: %v", rec)
		}
	}()
	return r.Rasterize(ctx, doc)
}

func (m *PageMaterializer) extractText(ctx context.Context, doc *domain.Document) textStage {
	stage := textStage{}
	if len(m.extractors) == 0 {
		stage.reasons = append(stage.reasons, "no text extractor configured")
		return stage
	}

	for _, ex := range m.extractors {
		extraction, err := m.safeExtract(ctx, ex, doc)
		if err != nil {
			stage.reasons = append(stage.reasons, fmt.Sprintf("%s: %v", ex.Name(), err))
			if !domain.IsKind(err, domain.ErrConversionUnavailable) {
				m.logger.Warn("text_extraction_failed", "document_id", doc.ID, "extractor", ex.Name(), "error", err)
			}
			continue
		}
		if strings.TrimSpace(extraction.Text) == "" {
			stage.reasons = append(stage.reasons, ex.Name()+": empty text")
			continue
		}
		pages := max(extraction.PageCount, 1)
		stage.parts = m.partitioner.Partition(extraction.Text, pages)
		stage.pages = pages
		return stage
	}
	return stage
}

func (m *PageMaterializer) safeExtract(ctx context.Context, ex ports.RawTextExtractor, doc *domain.Document) (out domain.TextExtraction, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("text extractor panic: %v", rec)
		}
	}()
	return ex.Extract(ctx, doc)
}

func placeholderUnit(index int, reason string) domain.PageUnit {
	return domain.PageUnit{
		Index:   index,
		Variant: domain.VariantUnavailable,
		Method:  domain.MaterializedPlaceholder,
		Reason:  reason,
	}
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "no conversion method succeeded"
	}
	return strings.Join(reasons, "; ")
}
