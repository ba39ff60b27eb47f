// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	baseURL    string
	storage    string
	verbose    bool
	jsonOut    bool
}

// NewRootCommand builds the complete command tree. Each call returns an
// independent tree.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "kbchat",
		Short: "Chat with your knowledge base from the terminal",
		Long: `kbchat is a streaming chat client for a retrieval-augmented question
answering server. Conversations are kept locally and resumed across runs.

Run without arguments to start an interactive session.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, g)
		},
	}
	root.SetVersionTemplate("kbchat {{.Version}}\n")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &UsageError{Message: err.Error()}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default ~/.kbchat/config.toml)")
	pf.StringVar(&g.baseURL, "base-url", "", "server base URL")
	pf.StringVar(&g.storage, "storage", "", "conversation storage: file, sqlite or memory")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log debug output to stderr")
	pf.BoolVar(&g.jsonOut, "json", false, "machine-readable output")

	root.AddCommand(
		newChatCommand(g),
		newAskCommand(g),
		newConversationsCommand(g),
		newModelsCommand(g),
		newConfigCommand(g),
		newVersionCommand(g),
	)
	return root
}

// Execute runs the root command with os.Args and returns the exit code.
func Execute() int {
	return ExecuteContext(context.Background(), os.Args[1:])
}

// ExecuteContext runs the root command with args and returns the exit code.
func ExecuteContext(ctx context.Context, args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		PrintError(root.ErrOrStderr(), err)
	}
	return ExitCode(err)
}

// withApp opens an App for the duration of fn.
func withApp(cmd *cobra.Command, g *globalOptions, fn func(*App) error) (err error) {
	app, err := openApp(cmd, g)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(app)
}
