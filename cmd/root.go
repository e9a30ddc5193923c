// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/wayback-harvester/internal/app"
	"github.com/JakeFAU/wayback-harvester/internal/config"
)

// Builder constructs the application from configuration. It is a parameter
// of the root command so tests can substitute it.
type Builder func(ctx context.Context, cfg config.Config) (*app.App, error)

type configKeyType struct{}

type rootOptions struct {
	cfgFile string
	build   Builder
}

// newRootCmd creates and configures the root command.
func newRootCmd(build Builder) *cobra.Command {
	opts := &rootOptions{build: build}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Ingests, deduplicates and indexes web archive captures.",
		Long: `harvester registers archive captures that match URL patterns, downloads
their bytes from a Wayback-compatible playback service into a
content-addressed store, extracts text and links, and keeps a faceted
search index up to date.`,
		SilenceUsage: true,

		// Configuration is loaded once before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKeyType{}, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (environment overrides use the HARVESTER_ prefix)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newPassCmd(opts),
		newIngestCmd(opts),
		newMigrateCmd(),
		newPatternsCmd(opts),
		newReportCmd(opts),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd(app.Build)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func loadedConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKeyType{}).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the application, runs fn and closes the application.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	cfg, err := loadedConfig(ctx)
	if err != nil {
		return err
	}
	a, err := o.build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
