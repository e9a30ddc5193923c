package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/wayback-harvester/internal/app"
	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Prints store reports",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "invalid-digests",
			Short: "Lists snapshots whose content did not match the claimed digest",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					rows, err := a.Store().InvalidDigests(ctx)
					if err != nil {
						return err
					}
					if rows == nil {
						rows = []harvest.InvalidDigest{}
					}
					return printJSON(cmd.OutOrStdout(), rows)
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Prints row counts and backlogs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
					st, err := a.Store().Stats(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), st)
				})
			},
		},
	)
	return cmd
}
