package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
)

func newProcessCommand(open Opener) *cobra.Command {
	var (
		xlsxPath string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Extract entities from a statement",
		Long: `Runs the full pipeline on one document (PDF, image or plain text) and
prints the per-page result. Learned patterns are applied but not changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				result, procErr := b.Processor().ProcessDocument(ctx, filepath.Base(args[0]), data)
				if result == nil {
					return procErr
				}
				if xlsxPath != "" {
					if err := exportResult(b, result, xlsxPath); err != nil {
						return err
					}
				}
				if asJSON {
					if err := printJSON(cmd, result); err != nil {
						return err
					}
				} else {
					printResult(cmd, result)
				}
				return procErr
			})
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also write the result as an XLSX workbook to this path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the full result as JSON")
	return cmd
}

func exportResult(b Backend, result *domain.DocumentResult, path string) error {
	exporter := b.Exporter()
	if exporter == nil {
		return errors.New("xlsx export is disabled")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workbook: %w", err)
	}
	if err := exporter.Export(result, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("export workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	return nil
}

func printResult(cmd *cobra.Command, r *domain.DocumentResult) {
	cmd.Printf("Document %s (%s)\n", r.DocumentID, r.Status)
	cmd.Printf("  Confidence: %.2f  Accuracy estimate: %.2f\n", r.Confidence, r.AccuracyEstimate)
	if r.ErrorKind != domain.ErrorKindNone {
		cmd.Printf("  Error: %s: %s\n", r.ErrorKind, r.Error)
	}
	cmd.Println()
	for _, p := range r.Pages {
		cmd.Printf("  [page %d] %s %.2f", p.Index+1, p.Method, p.Confidence)
		if p.ErrorKind != domain.ErrorKindNone {
			cmd.Printf(" (%s)", p.ErrorKind)
		}
		cmd.Println()
		for _, e := range p.Entities {
			if e.Original != "" {
				cmd.Printf("      %-10s %s (was %s)\n", e.Type, e.Value, e.Original)
				continue
			}
			cmd.Printf("      %-10s %s\n", e.Type, e.Value)
		}
	}
	if len(r.Suggestions) > 0 {
		cmd.Println()
		cmd.Println("Suggestions:")
		for _, s := range r.Suggestions {
			cmd.Printf("  - %s\n", s.Message)
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
