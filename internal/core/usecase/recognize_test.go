package usecase

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kirillkom/statement-extractor/internal/core/detector"
	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
	"github.com/kirillkom/statement-extractor/internal/core/scoring"
)

func newEngine(vision ports.VisionRecognizer, workers int, timeout time.Duration) *RecognitionEngine {
	cfg := scoring.DefaultConfig()
	return NewRecognitionEngine(vision, detector.New(cfg.Detector), scoring.NewPageConfidence(cfg.Page), RecognitionOptions{
		Workers: workers,
		Timeout: timeout,
		Logger:  discardLogger(),
	})
}

func imageUnits(n int) []domain.PageUnit {
	units := make([]domain.PageUnit, n)
	for i := range units {
		units[i] = domain.PageUnit{
			Index:    i,
			Variant:  domain.VariantRenderedImage,
			Method:   domain.MaterializedRasterized,
			Image:    []byte{byte(i)},
			MimeType: "image/png",
		}
	}
	return units
}

func statementTexts(n int) map[int]string {
	texts := make(map[int]string, n)
	for i := range n {
		texts[i] = "Portfolio statement position CH0012032048 market value CHF 1,234,567.89 as of 31.12.2023"
	}
	return texts
}

func TestRecognizeVisionPages(t *testing.T) {
	vision := &visionFake{texts: statementTexts(2)}
	engine := newEngine(vision, 2, time.Second)

	pages := engine.Recognize(context.Background(), "doc", imageUnits(2))
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	for i, p := range pages {
		if p.Index != i || p.Method != domain.MethodVision {
			t.Fatalf("unexpected page %d: %+v", i, p)
		}
		if got := p.Values(domain.EntityIdentifier); !reflect.DeepEqual(got, []string{"CH0012032048"}) {
			t.Fatalf("page %d identifiers = %v", i, got)
		}
		if p.Confidence <= 0 || p.Confidence > 1 {
			t.Fatalf("page %d confidence out of bounds: %f", i, p.Confidence)
		}
		if p.ServiceSignal != 0.9 {
			t.Fatalf("page %d service signal = %f", i, p.ServiceSignal)
		}
	}

	req, ok := vision.requestFor(1)
	if !ok {
		t.Fatalf("expected a vision request for page 1")
	}
	if req.Instruction != DefaultInstruction || req.MimeType != "image/png" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestRecognizeIsolatesFailingPage(t *testing.T) {
	healthy := newEngine(&visionFake{texts: statementTexts(5)}, 3, time.Second)
	baseline := healthy.Recognize(context.Background(), "doc", imageUnits(5))

	failing := newEngine(&visionFake{
		texts:     statementTexts(5),
		failPages: map[int]error{2: domain.WrapError(domain.ErrRecognitionService, "vision", errors.New("HTTP 503"))},
	}, 3, time.Second)
	pages := failing.Recognize(context.Background(), "doc", imageUnits(5))

	if len(pages) != 5 {
		t.Fatalf("expected 5 pages, got %d", len(pages))
	}
	for _, i := range []int{0, 1, 3, 4} {
		if !reflect.DeepEqual(pages[i], baseline[i]) {
			t.Fatalf("page %d changed by sibling failure:\n got %+v\nwant %+v", i, pages[i], baseline[i])
		}
	}
	failed := pages[2]
	if failed.Method != domain.MethodUnavailable || failed.ErrorKind != domain.ErrorKindRecognitionService {
		t.Fatalf("unexpected failed page: %+v", failed)
	}
	if failed.Confidence >= baseline[2].Confidence {
		t.Fatalf("failed page should score below the healthy run: %f >= %f", failed.Confidence, baseline[2].Confidence)
	}
}

func TestRecognizeFallsBackToUnitText(t *testing.T) {
	vision := &visionFake{failPages: map[int]error{0: domain.WrapError(domain.ErrUnauthorized, "vision", errors.New("HTTP 401"))}}
	engine := newEngine(vision, 1, time.Second)

	units := imageUnits(1)
	units[0].Text = "ISIN CH0012032048 CHF 1,000.00"
	pages := engine.Recognize(context.Background(), "doc", units)

	p := pages[0]
	if p.Method != domain.MethodRawTextFallback {
		t.Fatalf("expected raw_text_fallback, got %s", p.Method)
	}
	if p.ErrorKind != domain.ErrorKindRecognitionService || p.Error == "" {
		t.Fatalf("fallback page should keep the recognition error, got %+v", p)
	}
	if got := p.Values(domain.EntityAmount); !reflect.DeepEqual(got, []string{"CHF 1,000.00"}) {
		t.Fatalf("amounts = %v", got)
	}
	if p.Confidence > scoring.DefaultPageConfig().RawFallback.Ceiling {
		t.Fatalf("fallback confidence above its ceiling: %f", p.Confidence)
	}
}

func TestRecognizeRawTextAndUnavailableUnits(t *testing.T) {
	engine := newEngine(nil, 2, time.Second)
	units := []domain.PageUnit{
		{Index: 0, Variant: domain.VariantRawText, Method: domain.MaterializedTextLayer, Text: "Balance CHF 10.00"},
		{Index: 1, Variant: domain.VariantUnavailable, Method: domain.MaterializedPlaceholder, Reason: "no conversion method succeeded"},
	}

	pages := engine.Recognize(context.Background(), "doc", units)
	if pages[0].Method != domain.MethodRawText || pages[0].ErrorKind != domain.ErrorKindNone {
		t.Fatalf("unexpected raw text page: %+v", pages[0])
	}
	if pages[0].Confidence > scoring.DefaultPageConfig().RawText.Ceiling {
		t.Fatalf("raw text confidence above ceiling: %f", pages[0].Confidence)
	}
	floor := scoring.DefaultPageConfig().Floor
	if pages[1].Method != domain.MethodUnavailable || pages[1].Confidence != floor {
		t.Fatalf("unavailable page should sit on the floor: %+v", pages[1])
	}
	if pages[1].ErrorKind != domain.ErrorKindConversionUnavailable || pages[1].Error != "no conversion method succeeded" {
		t.Fatalf("unexpected unavailable page error: %+v", pages[1])
	}
}

func TestRecognizeWithoutVisionFallsBack(t *testing.T) {
	engine := newEngine(nil, 1, time.Second)
	units := imageUnits(2)
	units[0].Text = "Total CHF 5.00"

	pages := engine.Recognize(context.Background(), "doc", units)
	if pages[0].Method != domain.MethodRawTextFallback {
		t.Fatalf("expected fallback on page 0, got %s", pages[0].Method)
	}
	if pages[1].Method != domain.MethodUnavailable || pages[1].ErrorKind != domain.ErrorKindRecognitionService {
		t.Fatalf("expected unavailable page 1, got %+v", pages[1])
	}
}

func TestRecognizeTimeoutFallsBack(t *testing.T) {
	vision := &visionFake{texts: statementTexts(1), delay: time.Second}
	engine := newEngine(vision, 1, 20*time.Millisecond)
	units := imageUnits(1)
	units[0].Text = "Total CHF 5.00"

	started := time.Now()
	pages := engine.Recognize(context.Background(), "doc", units)
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout did not bound the call: %s", elapsed)
	}
	if pages[0].Method != domain.MethodRawTextFallback || pages[0].ErrorKind != domain.ErrorKindRecognitionService {
		t.Fatalf("unexpected page after timeout: %+v", pages[0])
	}
}

func TestRecognizeDropsResultFromRecognizerIgnoringDeadline(t *testing.T) {
	vision := &stubbornVision{delay: 2 * time.Second}
	engine := newEngine(vision, 2, 50*time.Millisecond)
	units := imageUnits(2)
	units[0].Text = "Total CHF 5.00"

	started := time.Now()
	pages := engine.Recognize(context.Background(), "doc", units)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("recognize waited for the late answer: %s", elapsed)
	}
	if vision.finished.Load() {
		t.Fatalf("recognizer finished before the deadline")
	}
	if pages[0].Method != domain.MethodRawTextFallback || pages[0].ErrorKind != domain.ErrorKindRecognitionService {
		t.Fatalf("page 0 should fall back to its text, got %+v", pages[0])
	}
	if pages[0].Text != "Total CHF 5.00" {
		t.Fatalf("late vision text leaked into page 0: %q", pages[0].Text)
	}
	if pages[1].Method != domain.MethodUnavailable || pages[1].ErrorKind != domain.ErrorKindRecognitionService {
		t.Fatalf("page 1 should be unavailable, got %+v", pages[1])
	}
}

func TestRecognizeRecoversVisionPanic(t *testing.T) {
	engine := newEngine(panickingVision{}, 2, time.Second)
	units := imageUnits(2)
	units[1].Text = "Total CHF 5.00"

	pages := engine.Recognize(context.Background(), "doc", units)
	if pages[0].Method != domain.MethodUnavailable || pages[0].ErrorKind != domain.ErrorKindRecognitionService {
		t.Fatalf("unexpected page 0: %+v", pages[0])
	}
	if pages[1].Method != domain.MethodRawTextFallback {
		t.Fatalf("unexpected page 1: %+v", pages[1])
	}
}

func TestRecognizeRespectsWorkerLimit(t *testing.T) {
	vision := &visionFake{texts: statementTexts(8), delay: 15 * time.Millisecond}
	engine := newEngine(vision, 2, time.Second)

	pages := engine.Recognize(context.Background(), "doc", imageUnits(8))
	if len(pages) != 8 {
		t.Fatalf("expected 8 pages, got %d", len(pages))
	}
	if got := vision.maxInFlight.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent calls, got %d", got)
	}
	if got := vision.maxInFlight.Load(); got < 1 {
		t.Fatalf("expected vision calls, got %d", got)
	}
}

func TestRecognizeCancelledBeforeDispatch(t *testing.T) {
	vision := &visionFake{texts: statementTexts(3)}
	engine := newEngine(vision, 2, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pages := engine.Recognize(ctx, "doc", imageUnits(3))

	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	for i, p := range pages {
		if p.Method != domain.MethodUnavailable || p.ErrorKind != domain.ErrorKindCancelled || p.Error != "cancelled" {
			t.Fatalf("page %d should be cancelled, got %+v", i, p)
		}
	}
	if len(vision.requests) != 0 {
		t.Fatalf("no vision call expected, got %d", len(vision.requests))
	}
}

func TestRecognizeCancellationLetsDispatchedCallFinish(t *testing.T) {
	vision := newBlockingVision()
	engine := newEngine(vision, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []domain.ExtractedPage, 1)
	go func() {
		done <- engine.Recognize(ctx, "doc", imageUnits(2))
	}()

	select {
	case <-vision.started:
	case <-time.After(time.Second):
		t.Fatalf("vision call was never dispatched")
	}
	cancel()
	close(vision.release)

	var pages []domain.ExtractedPage
	select {
	case pages = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("recognition did not return after cancellation")
	}

	if vision.sawCancel.Load() {
		t.Fatalf("dispatched call must run on a context detached from cancellation")
	}
	if got := vision.callCounter.Load(); got != 1 {
		t.Fatalf("expected only the dispatched call, got %d calls", got)
	}
	for i, p := range pages {
		if p.ErrorKind != domain.ErrorKindCancelled {
			t.Fatalf("page %d result should be discarded as cancelled, got %+v", i, p)
		}
	}
}
