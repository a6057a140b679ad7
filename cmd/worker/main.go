package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/statement-extractor/internal/bootstrap"
	"github.com/kirillkom/statement-extractor/internal/config"
	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/observability/logging"
)

const documentTimeout = 10 * time.Minute

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger, "worker")
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.ConnectQueue(); err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	server := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("worker_subscribed", "subject", cfg.NATSSubmittedSubject)
		return app.Queue.SubscribeDocumentSubmitted(gctx, func(handlerCtx context.Context, key string) error {
			processCtx, cancel := context.WithTimeout(handlerCtx, documentTimeout)
			defer cancel()

			started := time.Now()
			result, err := app.SubmitUC.ProcessSubmitted(processCtx, key)
			app.Metrics.ObserveTask(cfg.NATSSubmittedSubject, time.Since(started), err)
			if err != nil {
				return err
			}
			logger.Info("document_processed",
				"document_key", key,
				"document_id", result.DocumentID,
				"status", result.Status,
				"pages", result.PageCount,
				"confidence", result.Confidence,
			)
			return nil
		})
	})
	g.Go(func() error {
		logger.Info("worker_subscribed", "subject", cfg.NATSAnnotationsSubject)
		return app.Queue.SubscribeAnnotations(gctx, func(handlerCtx context.Context, batch domain.AnnotationBatch) error {
			started := time.Now()
			outcome, err := app.Learning.IngestAnnotations(handlerCtx, batch.DocumentID, batch.Annotations)
			app.Metrics.ObserveTask(cfg.NATSAnnotationsSubject, time.Since(started), err)
			if err != nil {
				return err
			}
			logger.Info("annotations_ingested",
				"document_id", batch.DocumentID,
				"created", outcome.PatternsCreated,
				"strengthened", outcome.PatternsStrengthened,
				"skipped", outcome.Skipped,
				"accuracy", outcome.AccuracyAfter,
			)
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker_stopped")
}
