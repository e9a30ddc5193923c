package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/wayback-harvester/internal/app"
)

func newPassCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pass [FILE...]",
		Short: "Runs one pass and prints its report",
		Long: `Runs ingestion, downloads, extraction and indexing once. CDX JSON files
given as arguments ("-" for standard input) replace the configured
ingest.paths for this pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.RunPass(ctx, args)
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
				if err != nil {
					return fmt.Errorf("pass %s: %w", report.ID, err)
				}
				return nil
			})
		},
	}
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Registers the records of CDX JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Ingest(ctx, args)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
