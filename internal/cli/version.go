// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{
				Version:   Version,
				GitCommit: GitCommit,
				BuildDate: BuildDate,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return writeJSON(out, "version", info)
			}
			fmt.Fprintln(out, Paint(TitleStyle, "kbchat")+" "+info.Version)
			fmt.Fprintln(out, RenderLabel("commit", info.GitCommit))
			fmt.Fprintln(out, RenderLabel("built", info.BuildDate))
			fmt.Fprintln(out, RenderLabel("go", info.GoVersion))
			fmt.Fprintln(out, RenderLabel("platform", info.Platform))
			return nil
		},
	}
}
