package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/statement-extractor/internal/adapters/cli"
	"github.com/kirillkom/statement-extractor/internal/bootstrap"
	"github.com/kirillkom/statement-extractor/internal/config"
	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
	"github.com/kirillkom/statement-extractor/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	// Logs go to stderr; stdout carries command output.
	logger := logging.NewJSONLoggerTo(os.Stderr, "statementctl", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(func(ctx context.Context) (cli.Backend, func(), error) {
		app, err := bootstrap.New(ctx, cfg, logger, "statementctl")
		if err != nil {
			return nil, nil, err
		}
		return appBackend{app: app}, app.Close, nil
	})
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type appBackend struct {
	app *bootstrap.App
}

func (b appBackend) Processor() ports.DocumentProcessor { return b.app.ProcessUC }
func (b appBackend) Ingestor() ports.AnnotationIngestor { return b.app.Learning }
func (b appBackend) Estimate() domain.AccuracyEstimate  { return b.app.Learning.Estimate() }
func (b appBackend) Exporter() ports.ResultExporter     { return b.app.Exporter }

func (b appBackend) Submitter() (ports.DocumentSubmitter, error) {
	if err := b.app.ConnectQueue(); err != nil {
		return nil, err
	}
	return b.app.SubmitUC, nil
}

func (b appBackend) AnnotationPublisher() (cli.AnnotationPublisher, error) {
	if err := b.app.ConnectQueue(); err != nil {
		return nil, err
	}
	return b.app.Queue, nil
}
