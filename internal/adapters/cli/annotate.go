package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

func newAnnotateCommand(open Opener) *cobra.Command {
	var viaQueue bool
	cmd := &cobra.Command{
		Use:   "annotate [document-id] [annotations.json]",
		Short: "Teach the pattern store from reviewer annotations",
		Long: `Reads a JSON array of annotations (or an object with an "annotations"
field) and turns them into learned patterns. With --queue the batch is
published for the worker instead of being ingested locally.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			annotations, err := readAnnotations(args[1])
			if err != nil {
				return err
			}
			batch := domain.AnnotationBatch{DocumentID: strings.TrimSpace(args[0]), Annotations: annotations}
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				if viaQueue {
					publisher, err := b.AnnotationPublisher()
					if err != nil {
						return err
					}
					if err := publisher.PublishAnnotations(ctx, batch); err != nil {
						return fmt.Errorf("publish annotations: %w", err)
					}
					cmd.Printf("Queued %d annotations for %s\n", len(annotations), batch.DocumentID)
					return nil
				}

				outcome, err := b.Ingestor().IngestAnnotations(ctx, batch.DocumentID, batch.Annotations)
				if err != nil {
					return fmt.Errorf("ingest annotations: %w", err)
				}
				cmd.Printf("Patterns created: %d, strengthened: %d, skipped: %d\n",
					outcome.PatternsCreated, outcome.PatternsStrengthened, outcome.Skipped)
				cmd.Printf("Accuracy: %.3f -> %.3f\n", outcome.AccuracyBefore, outcome.AccuracyAfter)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&viaQueue, "queue", false, "publish the batch to the worker queue")
	return cmd
}

func readAnnotations(path string) ([]domain.Annotation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var list []domain.Annotation
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse annotations", err)
		}
		return list, nil
	}
	var batch domain.AnnotationBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse annotations", err)
	}
	return batch.Annotations, nil
}
