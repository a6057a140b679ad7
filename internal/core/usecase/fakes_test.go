package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/statement-extractor/internal/core/detector"
	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
	"github.com/kirillkom/statement-extractor/internal/core/scoring"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/chunking"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rasterizerFake struct {
	name   string
	images []domain.PageImage
	err    error
	panics bool
	calls  int
}

func (f *rasterizerFake) Name() string {
	if f.name == "" {
		return "raster-fake"
	}
	return f.name
}

func (f *rasterizerFake) Rasterize(context.Context, *domain.Document) ([]domain.PageImage, error) {
	f.calls++
	if f.panics {
		panic("rasterizer exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.images, nil
}

func pageImages(n int) []domain.PageImage {
	out := make([]domain.PageImage, n)
	for i := range out {
		out[i] = domain.PageImage{Index: i, Data: []byte(fmt.Sprintf("image-%d", i)), MimeType: "image/png"}
	}
	return out
}

func unavailableRasterizer() *rasterizerFake {
	return &rasterizerFake{err: domain.WrapError(domain.ErrConversionUnavailable, "rasterize", errors.New("pdftoppm not found"))}
}

type extractorFake struct {
	name string
	out  domain.TextExtraction
	err  error
}

func (f *extractorFake) Name() string {
	if f.name == "" {
		return "text-fake"
	}
	return f.name
}

func (f *extractorFake) Extract(context.Context, *domain.Document) (domain.TextExtraction, error) {
	if f.err != nil {
		return domain.TextExtraction{}, f.err
	}
	return f.out, nil
}

// visionFake answers with the text registered for the page image, or fails the
// pages listed in failPages.
type visionFake struct {
	texts     map[int]string
	signal    float64
	failPages map[int]error
	delay     time.Duration

	mu       sync.Mutex
	requests []domain.VisionRequest

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *visionFake) Recognize(ctx context.Context, req domain.VisionRequest) (domain.Recognition, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Recognition{}, ctx.Err()
		}
	}
	if err, ok := f.failPages[req.PageIndex]; ok {
		return domain.Recognition{}, err
	}
	signal := f.signal
	if signal == 0 {
		signal = 0.9
	}
	return domain.Recognition{Text: f.texts[req.PageIndex], Signal: signal}, nil
}

func (f *visionFake) requestFor(page int) (domain.VisionRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.PageIndex == page {
			return r, true
		}
	}
	return domain.VisionRequest{}, false
}

// blockingVision holds every call until release is closed and records whether the
// call context was cancelled while it waited.
type blockingVision struct {
	started     chan struct{}
	release     chan struct{}
	once        sync.Once
	sawCancel   atomic.Bool
	callCounter atomic.Int32
}

func newBlockingVision() *blockingVision {
	return &blockingVision{started: make(chan struct{}), release: make(chan struct{})}
}

func (f *blockingVision) Recognize(ctx context.Context, req domain.VisionRequest) (domain.Recognition, error) {
	f.callCounter.Add(1)
	f.once.Do(func() { close(f.started) })
	<-f.release
	if ctx.Err() != nil {
		f.sawCancel.Store(true)
	}
	return domain.Recognition{Text: "ISIN CH0012032048", Signal: 0.9}, nil
}

// stubbornVision sleeps for delay without watching its context and then answers
// as if it had succeeded.
type stubbornVision struct {
	delay    time.Duration
	finished atomic.Bool
}

func (f *stubbornVision) Recognize(context.Context, domain.VisionRequest) (domain.Recognition, error) {
	time.Sleep(f.delay)
	f.finished.Store(true)
	return domain.Recognition{Text: "ISIN CH0012032048 late answer", Signal: 0.99}, nil
}

type panickingVision struct{}

func (panickingVision) Recognize(context.Context, domain.VisionRequest) (domain.Recognition, error) {
	panic("vision client bug")
}

type patternRepoFake struct {
	mu         sync.Mutex
	patterns   []domain.Pattern
	accuracy   *domain.AccuracyEstimate
	loadErr    error
	skipErr    error
	insertErr  error
	updateErr  error
	loadAccErr error
	saveAccErr error
	resets     int
	inserts    int
	updates    int
	loads      int
}

func (f *patternRepoFake) LoadPatterns(context.Context) ([]domain.Pattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]domain.Pattern(nil), f.patterns...), f.skipErr
}

func (f *patternRepoFake) InsertPattern(_ context.Context, p domain.Pattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, existing := range f.patterns {
		if existing.ID == p.ID || existing.Key() == p.Key() {
			return domain.WrapError(domain.ErrDuplicatePattern, "insert pattern", errors.New(p.ID))
		}
	}
	f.inserts++
	f.patterns = append(f.patterns, p)
	return nil
}

func (f *patternRepoFake) UpsertPattern(_ context.Context, p domain.Pattern, r domain.Reinforcement) (domain.Pattern, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.patterns {
		if f.patterns[i].Key() == p.Key() {
			if f.updateErr != nil {
				return domain.Pattern{}, false, f.updateErr
			}
			f.reinforce(i, r)
			return f.patterns[i], false, nil
		}
	}
	if f.insertErr != nil {
		return domain.Pattern{}, false, f.insertErr
	}
	f.inserts++
	f.patterns = append(f.patterns, p)
	return p, true, nil
}

func (f *patternRepoFake) StrengthenPattern(_ context.Context, id string, r domain.Reinforcement) (domain.Pattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return domain.Pattern{}, f.updateErr
	}
	for i := range f.patterns {
		if f.patterns[i].ID == id {
			f.reinforce(i, r)
			return f.patterns[i], nil
		}
	}
	return domain.Pattern{}, domain.ErrPatternNotFound
}

func (f *patternRepoFake) reinforce(i int, r domain.Reinforcement) {
	f.updates++
	f.patterns[i].UsageCount++
	f.patterns[i].ConfidenceBoost = math.Min(r.MaxBoost, f.patterns[i].ConfidenceBoost+r.Step)
	f.patterns[i].UpdatedAt = r.At
}

func (f *patternRepoFake) LoadAccuracy(context.Context) (domain.AccuracyEstimate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadAccErr != nil {
		return domain.AccuracyEstimate{}, false, f.loadAccErr
	}
	if f.accuracy == nil {
		return domain.AccuracyEstimate{}, false, nil
	}
	return *f.accuracy, true, nil
}

func (f *patternRepoFake) SaveAccuracy(_ context.Context, est domain.AccuracyEstimate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveAccErr != nil {
		return f.saveAccErr
	}
	f.accuracy = &est
	return nil
}

func (f *patternRepoFake) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.patterns = nil
	f.accuracy = nil
	f.loadErr = nil
	f.skipErr = nil
	return nil
}

type observerFake struct {
	mu           sync.Mutex
	started      int
	finished     []domain.ResultStatus
	recognitions map[domain.RecognitionMethod]int
	learning     int
}

func (f *observerFake) StartDocument() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *observerFake) FinishDocument(status domain.ResultStatus, _ []domain.ExtractedPage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, status)
}

func (f *observerFake) ObserveRecognition(method domain.RecognitionMethod, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recognitions == nil {
		f.recognitions = map[domain.RecognitionMethod]int{}
	}
	f.recognitions[method]++
}

func (f *observerFake) ObserveLearning(int, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.learning++
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newStorageFake() *storageFake {
	return &storageFake{objects: map[string][]byte{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(strings.NewReader(string(raw))), nil
}

type queueFake struct {
	submitted []string
	batches   []domain.AnnotationBatch
	err       error
}

func (f *queueFake) PublishDocumentSubmitted(_ context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, key)
	return nil
}

func (f *queueFake) SubscribeDocumentSubmitted(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

func (f *queueFake) PublishAnnotations(_ context.Context, batch domain.AnnotationBatch) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *queueFake) SubscribeAnnotations(context.Context, func(context.Context, domain.AnnotationBatch) error) error {
	return errors.New("not implemented")
}

type exporterFake struct {
	exported int
	err      error
}

func (f *exporterFake) Export(result *domain.DocumentResult, w io.Writer) error {
	if f.err != nil {
		return f.err
	}
	f.exported++
	_, err := fmt.Fprintf(w, "xlsx:%s", result.DocumentID)
	return err
}

type processorFake struct {
	result *domain.DocumentResult
	err    error
	seen   []string
}

func (f *processorFake) ProcessDocument(_ context.Context, filename string, data []byte) (*domain.DocumentResult, error) {
	f.seen = append(f.seen, filename+":"+string(data))
	return f.result, f.err
}

// testPipeline wires the real detector, scorers and partitioner around fakes.
type testPipeline struct {
	repo        *patternRepoFake
	store       *PatternStore
	learning    *LearningCoordinator
	process     *ProcessDocumentUseCase
	observer    *observerFake
	detector    *detector.Detector
	engine      *RecognitionEngine
	materialize *PageMaterializer
}

type pipelineSetup struct {
	rasterizers []*rasterizerFake
	extractors  []*extractorFake
	vision      ports.VisionRecognizer
	workers  int
	timeout  time.Duration
	textHint bool
	repo     *patternRepoFake
}

func newTestPipeline(setup pipelineSetup) *testPipeline {
	cfg := scoring.DefaultConfig()
	logger := discardLogger()
	det := detector.New(cfg.Detector)
	observer := &observerFake{}

	repo := setup.repo
	if repo == nil {
		repo = &patternRepoFake{}
	}
	store := NewPatternStore(repo, PatternStoreOptions{
		StrengthenStep: cfg.Learning.StrengthenStep,
		MaxBoost:       cfg.Learning.MaxBoost,
		Logger:         logger,
	})
	learning := NewLearningCoordinator(store, repo, scoring.NewAccuracyCurve(cfg.Accuracy), det, LearningOptions{
		Config:   cfg.Learning,
		Logger:   logger,
		Observer: observer,
	})
	if err := learning.Load(context.Background()); err != nil {
		panic(err)
	}

	rasterizers := make([]ports.Rasterizer, 0, len(setup.rasterizers))
	for _, r := range setup.rasterizers {
		rasterizers = append(rasterizers, r)
	}
	extractors := make([]ports.RawTextExtractor, 0, len(setup.extractors))
	for _, e := range setup.extractors {
		extractors = append(extractors, e)
	}
	materializer := NewPageMaterializer(rasterizers, extractors, chunking.NewPartitioner(64), MaterializerOptions{
		AttachTextHint: setup.textHint,
		Logger:         logger,
	})

	engine := NewRecognitionEngine(setup.vision, det, scoring.NewPageConfidence(cfg.Page), RecognitionOptions{
		Workers:  setup.workers,
		Timeout:  setup.timeout,
		Logger:   logger,
		Observer: observer,
	})

	process := NewProcessDocumentUseCase(materializer, engine, store, learning, scoring.NewAggregate(cfg.Aggregate), ProcessOptions{
		Logger:   logger,
		Observer: observer,
	})

	return &testPipeline{
		repo:        repo,
		store:       store,
		learning:    learning,
		process:     process,
		observer:    observer,
		detector:    det,
		engine:      engine,
		materialize: materializer,
	}
}
