package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newSubmitCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "submit [file]",
		Short: "Queue a statement for the worker",
		Long: `Stores the document in object storage and publishes it on the
submission subject. The worker writes results/<key>.json when done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open document: %w", err)
			}
			defer f.Close()

			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				submitter, err := b.Submitter()
				if err != nil {
					return err
				}
				key, err := submitter.Submit(ctx, filepath.Base(args[0]), f)
				if err != nil {
					return fmt.Errorf("submit document: %w", err)
				}
				cmd.Println(key)
				return nil
			})
		},
	}
}
