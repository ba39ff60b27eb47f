// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/kbchat/internal/catalog"
)

// =============================================================================
// MODELS COMMAND
// =============================================================================

type modelList struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
}

func newModelsCommand(g *globalOptions) *cobra.Command {
	var (
		provider string
		refresh  bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a provider offers",
		Long: `List the models the server offers for a provider. Without --provider the
configured chat provider is used. Lists are cached for catalog.ttl_secs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				p := provider
				if !cmd.Flags().Changed("provider") {
					p = app.ChatOptions().ModelProvider
				}

				var (
					models []string
					err    error
				)
				if refresh {
					models, err = app.Catalog.Refresh(cmd.Context(), p)
				} else {
					models, err = app.Catalog.Models(cmd.Context(), p)
				}
				if err != nil {
					return err
				}
				return printModels(app, p, models)
			})
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "model provider")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache")
	cmd.AddCommand(newModelsUpdateCommand(g))
	return cmd
}

func newModelsUpdateCommand(g *globalOptions) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "update <model>...",
		Short: "Replace the model list for a provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				models, err := app.Catalog.Update(cmd.Context(), provider, args)
				if err != nil {
					return err
				}
				return printModels(app, provider, models)
			})
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "model provider")
	return cmd
}

func printModels(app *App, provider string, models []string) error {
	name := catalog.NormalizeProvider(provider)
	if app.JSON {
		return writeJSON(app.Out, "models", modelList{Provider: name, Models: models})
	}

	label := name
	if label == "" {
		label = "default provider"
	}
	fmt.Fprintln(app.Out, Paint(TitleStyle, "Models")+Paint(DimStyle, " ("+label+")"))
	if len(models) == 0 {
		fmt.Fprintln(app.Out, Paint(DimStyle, "  none"))
		return nil
	}
	current := app.ChatOptions().ModelName
	for _, m := range models {
		marker := "  "
		if m == current {
			marker = Paint(SuccessStyle, "* ")
		}
		fmt.Fprintln(app.Out, marker+m)
	}
	if app.Catalog.Stale(provider) {
		fmt.Fprintln(app.Out, Paint(WarningStyle, "(stale: the server could not be reached)"))
	}
	return nil
}
