package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func newStatsCommand(open Opener) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show learned pattern count and the accuracy estimate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, open, func(_ context.Context, b Backend) error {
				est := b.Estimate()
				if asJSON {
					return printJSON(cmd, est)
				}
				cmd.Printf("Patterns:         %d\n", est.PatternCount)
				cmd.Printf("Learning events:  %d\n", est.LearningEvents)
				cmd.Printf("Accuracy:         %.3f (floor %.2f, ceiling %.2f)\n", est.Value, est.Floor, est.Ceiling)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output statistics as JSON")
	return cmd
}
