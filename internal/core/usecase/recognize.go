package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/statement-extractor/internal/core/detector"
	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

const DefaultInstruction = "Transcribe every line of this financial statement page exactly as printed. " +
	"Keep security identifiers, currency codes, amounts, dates, percentages and account numbers verbatim. " +
	"Preserve table rows on separate lines. Do not summarize or add commentary."

const (
	defaultRecognitionWorkers = 4
	defaultRecognitionTimeout = 60 * time.Second
	reasonCancelled           = "cancelled"
)

type RecognitionOptions struct {
	Workers     int
	Timeout     time.Duration
	Instruction string
	Logger      *slog.Logger
	Observer    ports.PipelineObserver
}

// RecognitionEngine turns page units into extracted pages. Pages are recognized
// concurrently up to Workers and never affect each other.
type RecognitionEngine struct {
	vision      ports.VisionRecognizer
	detector    *detector.Detector
	scorer      ports.Scorer[domain.PageEvidence]
	workers     int
	timeout     time.Duration
	instruction string
	logger      *slog.Logger
	observer    ports.PipelineObserver
}

// NewRecognitionEngine accepts a nil vision recognizer; rendered pages then fall
// back to their text.
func NewRecognitionEngine(
	vision ports.VisionRecognizer,
	det *detector.Detector,
	scorer ports.Scorer[domain.PageEvidence],
	opts RecognitionOptions,
) *RecognitionEngine {
	if opts.Workers <= 0 {
		opts.Workers = defaultRecognitionWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRecognitionTimeout
	}
	if strings.TrimSpace(opts.Instruction) == "" {
		opts.Instruction = DefaultInstruction
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &RecognitionEngine{
		vision:      vision,
		detector:    det,
		scorer:      scorer,
		workers:     opts.Workers,
		timeout:     opts.Timeout,
		instruction: opts.Instruction,
		logger:      opts.Logger,
		observer:    opts.Observer,
	}
}

// Recognize returns exactly one page per unit, in unit order. When ctx is cancelled,
// pages not yet started come back unavailable with reason "cancelled". Vision calls
// already in flight finish on a detached context and their results are dropped.
func (e *RecognitionEngine) Recognize(ctx context.Context, docID string, units []domain.PageUnit) []domain.ExtractedPage {
	pages := make([]domain.ExtractedPage, len(units))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, unit := range units {
		if ctx.Err() != nil {
			pages[i] = e.cancelledPage(unit)
			continue
		}
		g.Go(func() error {
			pages[i] = e.recognizeIsolated(ctx, docID, unit)
			return nil
		})
	}
	_ = g.Wait()

	return pages
}

func (e *RecognitionEngine) recognizeIsolated(ctx context.Context, docID string, unit domain.PageUnit) (page domain.ExtractedPage) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("page_recognition_panic", "document_id", docID, "page", unit.Index, "panic", rec)
			page = e.failedPage(unit.Index, domain.ErrorKindInternal, fmt.Sprintf("recognition panic: %v", rec))
		}
	}()

	if ctx.Err() != nil {
		return e.cancelledPage(unit)
	}

	started := time.Now()
	page = e.recognizeUnit(ctx, docID, unit)
	e.observer.ObserveRecognition(page.Method, time.Since(started).Seconds())
	return page
}

func (e *RecognitionEngine) recognizeUnit(ctx context.Context, docID string, unit domain.PageUnit) domain.ExtractedPage {
	switch unit.Variant {
	case domain.VariantRenderedImage:
		return e.recognizeImage(ctx, docID, unit)
	case domain.VariantRawText:
		return e.scanText(unit.Index, unit.Text, domain.MethodRawText, 0)
	default:
		reason := unit.Reason
		if reason == "" {
			reason = "page could not be materialized"
		}
		return e.failedPage(unit.Index, domain.ErrorKindConversionUnavailable, reason)
	}
}

func (e *RecognitionEngine) recognizeImage(ctx context.Context, docID string, unit domain.PageUnit) domain.ExtractedPage {
	rec, err := e.callVision(ctx, unit)
	if ctx.Err() != nil {
		e.logger.Info("page_result_discarded", "document_id", docID, "page", unit.Index, "reason", reasonCancelled)
		return e.cancelledPage(unit)
	}
	if err == nil && strings.TrimSpace(rec.Text) == "" {
		err = domain.WrapError(domain.ErrRecognitionService, "vision recognize", errors.New("empty recognition text"))
	}
	if err == nil {
		return e.scanText(unit.Index, rec.Text, domain.MethodVision, rec.Signal)
	}

	kind := domain.ErrorKindOf(err)
	if kind == domain.ErrorKindInternal || kind == domain.ErrorKindNone {
		kind = domain.ErrorKindRecognitionService
	}

	if strings.TrimSpace(unit.Text) != "" {
		e.logger.Warn("page_fallback",
			"document_id", docID,
			"page", unit.Index,
			"method", domain.MethodRawTextFallback,
			"error", err,
		)
		page := e.scanText(unit.Index, unit.Text, domain.MethodRawTextFallback, 0)
		page.ErrorKind = kind
		page.Error = err.Error()
		return page
	}

	e.logger.Warn("page_fallback",
		"document_id", docID,
		"page", unit.Index,
		"method", domain.MethodUnavailable,
		"error", err,
	)
	return e.failedPage(unit.Index, kind, err.Error())
}

// callVision runs on a context detached from document cancellation and bounded by
// the per-call timeout. A recognizer that ignores its context is abandoned at the
// deadline and whatever it returns later is dropped.
func (e *RecognitionEngine) callVision(ctx context.Context, unit domain.PageUnit) (domain.Recognition, error) {
	if e.vision == nil {
		return domain.Recognition{}, domain.WrapError(domain.ErrRecognitionService, "vision recognize", errors.New("no vision recognizer configured"))
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	type result struct {
		rec domain.Recognition
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				res = result{err: domain.WrapError(domain.ErrRecognitionService, "vision recognize", fmt.Errorf("panic: %v", r))}
			}
			done <- res
		}()
		res.rec, res.err = e.vision.Recognize(callCtx, domain.VisionRequest{
			PageIndex:   unit.Index,
			Image:       unit.Image,
			MimeType:    unit.MimeType,
			Instruction: e.instruction,
			Hint:        unit.Hint,
		})
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return res.rec, e.timeoutError(res.err)
		}
		return res.rec, res.err
	case <-callCtx.Done():
		return domain.Recognition{}, e.timeoutError(callCtx.Err())
	}
}

func (e *RecognitionEngine) timeoutError(cause error) error {
	return domain.WrapError(domain.ErrRecognitionService, "vision recognize", fmt.Errorf("timed out after %s: %w", e.timeout, cause))
}

func (e *RecognitionEngine) scanText(index int, text string, method domain.RecognitionMethod, serviceSignal float64) domain.ExtractedPage {
	text = strings.TrimSpace(text)
	scan := e.detector.Scan(text)
	confidence := e.scorer.Score(domain.PageEvidence{
		Method:         method,
		ServiceSignal:  serviceSignal,
		DetectorSignal: scan.Signal,
		TextLength:     len([]rune(text)),
	})
	return domain.ExtractedPage{
		Index:          index,
		Text:           text,
		Entities:       scan.Entities,
		Confidence:     confidence,
		Method:         method,
		ServiceSignal:  serviceSignal,
		DetectorSignal: scan.Signal,
		KeywordHits:    scan.KeywordHits,
	}
}

func (e *RecognitionEngine) failedPage(index int, kind domain.ErrorKind, message string) domain.ExtractedPage {
	return domain.ExtractedPage{
		Index:      index,
		Confidence: e.scorer.Score(domain.PageEvidence{Method: domain.MethodUnavailable}),
		Method:     domain.MethodUnavailable,
		ErrorKind:  kind,
		Error:      message,
	}
}

func (e *RecognitionEngine) cancelledPage(unit domain.PageUnit) domain.ExtractedPage {
	return e.failedPage(unit.Index, domain.ErrorKindCancelled, reasonCancelled)
}

type noopObserver struct{}

func (noopObserver) StartDocument()                                             {}
func (noopObserver) FinishDocument(domain.ResultStatus, []domain.ExtractedPage) {}
func (noopObserver) ObserveRecognition(domain.RecognitionMethod, float64)       {}
func (noopObserver) ObserveLearning(int, float64)                               {}
