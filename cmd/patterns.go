package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/wayback-harvester/internal/app"
	"github.com/JakeFAU/wayback-harvester/internal/patterns"
)

func newPatternsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manages the URL patterns that select captures",
	}
	cmd.AddCommand(
		newPatternsAddCmd(opts),
		newPatternsListCmd(opts),
		newPatternsSetActiveCmd(opts, false),
		newPatternsSetActiveCmd(opts, true),
	)
	return cmd
}

func newPatternsAddCmd(opts *rootOptions) *cobra.Command {
	var in patterns.Input
	cmd := &cobra.Command{
		Use:   "add TARGET",
		Short: "Registers a pattern from a URL or SURT prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Target = args[0]
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				p, err := a.Patterns().Register(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"pattern":   p,
					"url_query": patterns.URLQuery(p),
				})
			})
		},
	}
	cmd.Flags().BoolVar(&in.PrefixMatch, "prefix", false, "match every surt under TARGET")
	cmd.Flags().StringVar(&in.Slug, "slug", "", "unique facet key")
	cmd.Flags().StringVar(&in.Name, "name", "", "display name (defaults to the slug)")
	cmd.Flags().IntVar(&in.SortOrder, "sort-order", 0, "facet display position")
	_ = cmd.MarkFlagRequired("slug")
	return cmd
}

func newPatternsListCmd(opts *rootOptions) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists registered patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Patterns().List(ctx, activeOnly)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active patterns")
	return cmd
}

func newPatternsSetActiveCmd(opts *rootOptions, active bool) *cobra.Command {
	use, short := "deactivate ID", "Removes a pattern from work selection and facets"
	if active {
		use, short = "activate ID", "Reactivates a pattern"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid pattern id %q", args[0])
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				registry := a.Patterns()
				set := registry.Deactivate
				if active {
					set = registry.Activate
				}
				p, err := set(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}
