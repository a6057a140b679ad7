// Package cli is the statementctl command tree.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/core/ports"
)

// AnnotationPublisher queues annotation batches for the worker.
type AnnotationPublisher interface {
	PublishAnnotations(ctx context.Context, batch domain.AnnotationBatch) error
}

// Backend is the wired application as seen by the commands.
type Backend interface {
	Processor() ports.DocumentProcessor
	Ingestor() ports.AnnotationIngestor
	Estimate() domain.AccuracyEstimate
	// Exporter may return nil when export is disabled.
	Exporter() ports.ResultExporter
	Submitter() (ports.DocumentSubmitter, error)
	AnnotationPublisher() (AnnotationPublisher, error)
}

// Opener builds a Backend for one command run; the returned func releases it.
type Opener func(ctx context.Context) (Backend, func(), error)

func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "statementctl",
		Short: "Extract financial entities from bank and portfolio statements",
		Long: `statementctl runs the statement extraction pipeline locally, feeds
reviewer annotations back into the learned pattern store, and submits
documents to the asynchronous worker.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newProcessCommand(open),
		newAnnotateCommand(open),
		newStatsCommand(open),
		newSubmitCommand(open),
	)
	return root
}

func withBackend(cmd *cobra.Command, open Opener, fn func(context.Context, Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, release, err := open(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, backend)
}
