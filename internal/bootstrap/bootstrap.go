package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/statement-extractor/internal/config"
	"github.com/kirillkom/statement-extractor/internal/core/detector"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
	"github.com/kirillkom/statement-extractor/internal/core/scoring"
	"github.com/kirillkom/statement-extractor/internal/core/usecase"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/chunking"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/queue/nats"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/rasterizer/imagefile"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/rasterizer/poppler"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/resilience"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/vision"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/vision/ollama"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/vision/tesseract"
	"github.com/kirillkom/statement-extractor/internal/observability/metrics"
)

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.PipelineMetrics

	Storage   ports.ObjectStorage
	Exporter  ports.ResultExporter
	Patterns  *usecase.PatternStore
	Learning  *usecase.LearningCoordinator
	ProcessUC *usecase.ProcessDocumentUseCase

	// Queue and SubmitUC are set by ConnectQueue.
	Queue    *nats.Queue
	SubmitUC *usecase.SubmitDocumentUseCase

	closers []func()
}

// New wires the synchronous pipeline and loads the pattern store. The message
// queue is connected separately so local CLI runs work without NATS.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, service string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewPipelineMetrics(service),
	}

	sc, err := scoring.LoadFile(cfg.ScoringConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load scoring config: %w", err)
	}
	det := detector.New(sc.Detector)

	repo, err := app.openPatternRepository(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	store := usecase.NewPatternStore(repo, usecase.PatternStoreOptions{
		StrengthenStep: sc.Learning.StrengthenStep,
		MaxBoost:       sc.Learning.MaxBoost,
		Logger:         logger,
	})
	learning := usecase.NewLearningCoordinator(store, repo, scoring.NewAccuracyCurve(sc.Accuracy), det, usecase.LearningOptions{
		Config:       sc.Learning,
		SyncInterval: cfg.PatternSyncInterval,
		Logger:       logger,
		Observer:     app.Metrics,
	})
	if err := learning.Load(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("load pattern store: %w", err)
	}

	recognizer, err := app.visionRecognizer()
	if err != nil {
		app.Close()
		return nil, err
	}

	materializer := usecase.NewPageMaterializer(
		[]ports.Rasterizer{
			poppler.New(poppler.Options{
				Binary:       cfg.PDFToPPMBin,
				DPI:          cfg.RasterDPI,
				MaxDimension: cfg.MaxImageDimension,
			}),
			imagefile.New(cfg.MaxImageDimension),
		},
		[]ports.RawTextExtractor{
			pdftext.NewExtractor(),
			plaintext.NewExtractor(),
		},
		chunking.NewPartitioner(cfg.PartitionSnap),
		usecase.MaterializerOptions{AttachTextHint: cfg.VisionTextHint, Logger: logger},
	)
	engine := usecase.NewRecognitionEngine(recognizer, det, scoring.NewPageConfidence(sc.Page), usecase.RecognitionOptions{
		Workers:     cfg.RecognitionWorkers,
		Timeout:     cfg.RecognitionTimeout,
		Instruction: cfg.VisionInstruction,
		Logger:      logger,
		Observer:    app.Metrics,
	})
	process := usecase.NewProcessDocumentUseCase(materializer, engine, store, learning, scoring.NewAggregate(sc.Aggregate), usecase.ProcessOptions{
		ReviewThreshold: cfg.ReviewThreshold,
		Sync:            learning,
		Logger:          logger,
		Observer:        app.Metrics,
	})

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	app.Storage = storage
	app.Patterns = store
	app.Learning = learning
	app.ProcessUC = process
	if cfg.ExportXLSX {
		app.Exporter = xlsx.New()
	}

	logger.Info("pipeline_ready",
		"pattern_store", cfg.PatternStoreDriver,
		"vision", vision.Describe(recognizer),
		"patterns", learning.PatternCount(),
		"accuracy", learning.AccuracyEstimate(),
	)
	return app, nil
}

// ConnectQueue connects NATS and enables the asynchronous submission path.
func (a *App) ConnectQueue() error {
	if a.Queue != nil {
		return nil
	}
	queue, err := nats.NewWithOptions(a.Config.NATSURL, nats.Options{
		SubmittedSubject:   a.Config.NATSSubmittedSubject,
		AnnotationsSubject: a.Config.NATSAnnotationsSubject,
		ResilienceExecutor: resilience.NewExecutorWithLogger(resilience.DefaultConfig(), a.Logger),
		Logger:             a.Logger,
	})
	if err != nil {
		return fmt.Errorf("init message queue: %w", err)
	}
	a.Queue = queue
	a.SubmitUC = usecase.NewSubmitDocumentUseCase(a.Storage, queue, a.ProcessUC, a.Exporter, a.Logger)
	a.closers = append(a.closers, queue.Close)
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openPatternRepository(ctx context.Context) (ports.PatternRepository, error) {
	switch strings.ToLower(strings.TrimSpace(a.Config.PatternStoreDriver)) {
	case "", "sqlite":
		repo, err := sqlite.Open(a.Config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite pattern store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = repo.Close() })
		return repo, nil
	case "postgres":
		db, err := postgres.OpenDB(a.Config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		repo := postgres.NewPatternRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown pattern store driver %q", a.Config.PatternStoreDriver)
	}
}

// visionRecognizer returns nil when recognition is disabled; rendered pages then
// fall back to their text layer.
func (a *App) visionRecognizer() (ports.VisionRecognizer, error) {
	cfg := a.Config
	var next ports.VisionRecognizer
	switch strings.ToLower(strings.TrimSpace(cfg.VisionEngine)) {
	case "none", "off":
		return nil, nil
	case "", "ollama":
		next = ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaVisionModel, ollama.Options{
			HTTPTimeout:        cfg.RecognitionTimeout,
			ResilienceExecutor: resilience.NewExecutorWithLogger(resilience.DefaultConfig(), a.Logger),
		})
	case "tesseract":
		if !tesseract.Available() {
			return nil, fmt.Errorf("vision engine tesseract requires a build with -tags tesseract")
		}
		next = tesseract.New(strings.Split(cfg.TesseractLangs, "+")...)
	default:
		return nil, fmt.Errorf("unknown vision engine %q", cfg.VisionEngine)
	}
	return vision.NewThrottled(next, cfg.VisionRPS, cfg.VisionBurst), nil
}
