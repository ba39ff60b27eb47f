// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/kbchat/internal/backend"
	"github.com/jeranaias/kbchat/internal/engine"
	"github.com/jeranaias/kbchat/internal/export"
	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/util"
)

// =============================================================================
// CONVERSATIONS COMMAND
// =============================================================================

func newConversationsCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "c"},
		Short:   "Manage saved conversations",
		Long: `Manage saved conversations. A conversation can be named by its id, a
unique id prefix, its position in "conversations list", or "current".`,
	}
	cmd.AddCommand(
		newConvListCommand(g),
		newConvShowCommand(g),
		newConvRenameCommand(g),
		newConvDeleteCommand(g),
		newConvSessionCommand(g),
		newConvExportCommand(g),
	)
	return cmd
}

// conversationSummary is the --json form of a list entry.
type conversationSummary struct {
	Index     int       `json:"index"`
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	Current   bool      `json:"current"`
	Confirmed bool      `json:"confirmed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newConvListCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				list := app.Store.List()
				current, _ := app.Store.Current()
				if !g.jsonOut {
					printConversationList(app.Out, list, current, GetTerminalWidth())
					return nil
				}
				out := make([]conversationSummary, 0, len(list))
				for i, c := range list {
					msgs, _ := app.Store.Messages(c.ID)
					out = append(out, conversationSummary{
						Index:     i + 1,
						ID:        c.ID,
						Title:     c.GetTitle(),
						Messages:  len(msgs),
						Current:   c.ID == current,
						Confirmed: c.Confirmed,
						UpdatedAt: c.UpdatedAt,
					})
				}
				return writeJSON(app.Out, "conversations list", out)
			})
		},
	}
}

// printConversationList renders one line per conversation fitted to width.
func printConversationList(w io.Writer, list []model.Conversation, current string, width int) {
	if len(list) == 0 {
		fmt.Fprintln(w, Paint(DimStyle, "No conversations yet."))
		return
	}
	const idWidth = 14
	titleWidth := width - idWidth - 24
	if titleWidth < 12 {
		titleWidth = 12
	}
	for i, c := range list {
		marker := "  "
		if c.ID == current {
			marker = Paint(SuccessStyle, "* ")
		}
		title := util.PadWidth(util.TruncateWidth(c.GetTitle(), titleWidth), titleWidth)
		fmt.Fprintf(w, "%s%3d  %s  %s  %s\n",
			marker,
			i+1,
			title,
			Paint(DimStyle, util.TruncateWidth(c.ID, idWidth)),
			Paint(DimStyle, humanizeAge(c.UpdatedAt)),
		)
	}
}

// humanizeAge formats how long ago t was.
func humanizeAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("2006-01-02")
	}
}

func newConvShowCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [conversation]",
		Short: "Print a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				id, err := app.resolveConversation(firstArg(args))
				if err != nil {
					return err
				}
				if g.jsonOut {
					conv, _ := app.Store.Conversation(id)
					msgs, _ := app.Store.Messages(id)
					return writeJSON(app.Out, "conversations show", export.Document{Conversation: conv, Messages: msgs})
				}
				return printTranscript(app.Out, app, id)
			})
		},
	}
}

// printTranscript prints a conversation header followed by its messages.
func printTranscript(w io.Writer, app *App, id string) error {
	conv, ok := app.Store.Conversation(id)
	if !ok {
		return &NotFoundError{Resource: "conversation", ID: id}
	}
	msgs, _ := app.Store.Messages(id)

	fmt.Fprintln(w, Paint(TitleStyle, conv.GetTitle()))
	fmt.Fprintln(w, Paint(DimStyle, fmt.Sprintf("%s · %d messages · updated %s",
		conv.ID, len(msgs), conv.UpdatedAt.Local().Format("2006-01-02 15:04"))))
	fmt.Fprintln(w, RenderSeparator())
	for _, m := range msgs {
		printMessage(w, m)
	}
	return nil
}

func newConvRenameCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conversation> <title...>",
		Short: "Set a conversation's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				id, err := app.resolveConversation(args[0])
				if err != nil {
					return err
				}
				title := util.CleanTitle(strings.Join(args[1:], " "))
				if title == "" {
					return &UsageError{Message: "title is empty"}
				}
				app.Store.SetTitle(id, title)
				if g.jsonOut {
					return writeJSON(app.Out, "conversations rename", map[string]string{"id": id, "title": title})
				}
				fmt.Fprintln(app.Out, Paint(SuccessStyle, "Renamed ")+id+" to "+title)
				return nil
			})
		},
	}
}

func newConvDeleteCommand(g *globalOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:     "delete <conversation>...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				ids := make([]string, 0, len(args))
				for _, ref := range args {
					id, err := app.resolveConversation(ref)
					if err != nil {
						return err
					}
					ids = append(ids, id)
				}

				var deleted []string
				for _, id := range ids {
					if app.Engine.Busy(id) {
						return engine.ErrConversationBusy
					}
					if remote {
						if err := deleteRemote(cmd, app, id); err != nil {
							return err
						}
					}
					if app.Store.DeleteConversation(id) {
						deleted = append(deleted, id)
					}
				}

				if g.jsonOut {
					return writeJSON(app.Out, "conversations delete", map[string]any{"deleted": deleted})
				}
				for _, id := range deleted {
					fmt.Fprintln(app.Out, Paint(SuccessStyle, "Deleted ")+id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also delete the server-side session")
	return cmd
}

// deleteRemote deletes the server thread. Conversations the server never
// confirmed have nothing to delete.
func deleteRemote(cmd *cobra.Command, app *App, id string) error {
	conv, ok := app.Store.Conversation(id)
	if !ok || !conv.Confirmed {
		return nil
	}
	err := app.Client.DeleteSession(cmd.Context(), id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrUnavailable):
		fmt.Fprintln(app.ErrOut, Paint(WarningStyle, "Warning: ")+"server session not deleted: "+err.Error())
		return nil
	default:
		return &CommandError{Command: "conversations", Action: "delete", Reason: "server session", Err: err}
	}
}

func newConvSessionCommand(g *globalOptions) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "session <conversation>",
		Short: "Fetch the server's history for a conversation",
		Long: `Fetch the server-side session for a conversation and print its history.
With --sync the history is stored and replayed on the next question.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				id, err := app.resolveConversation(firstArg(args))
				if err != nil {
					return err
				}
				sess, err := app.Client.GetSession(cmd.Context(), id)
				if err != nil {
					return err
				}
				if sync {
					app.Store.SetServerHistory(id, sess.History)
				}
				if g.jsonOut {
					return writeJSON(app.Out, "conversations session", sess)
				}

				fmt.Fprintln(app.Out, RenderLabel("thread", sess.ID))
				if !sess.CreatedAt.IsZero() {
					fmt.Fprintln(app.Out, RenderLabel("created", sess.CreatedAt.Local().Format("2006-01-02 15:04:05")))
				}
				if !sess.UpdatedAt.IsZero() {
					fmt.Fprintln(app.Out, RenderLabel("updated", sess.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
				}
				fmt.Fprintln(app.Out, RenderLabel("turns", fmt.Sprint(len(sess.History))))
				for _, turn := range sess.History {
					fmt.Fprintln(app.Out, Paint(DimStyle, string(turn)))
				}
				if sync {
					fmt.Fprintln(app.Out, Paint(SuccessStyle, "History synced"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "store the server history locally")
	return cmd
}

func newConvExportCommand(g *globalOptions) *cobra.Command {
	opts := export.DefaultOptions()
	var format string
	var noMetadata bool
	cmd := &cobra.Command{
		Use:   "export [conversation]",
		Short: "Export a conversation to Markdown or JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				id, err := app.resolveConversation(firstArg(args))
				if err != nil {
					return err
				}
				if noMetadata {
					opts.IncludeMetadata = false
				}
				path, err := exportConversation(app, id, format, opts)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return writeJSON(app.Out, "conversations export", map[string]string{"id": id, "path": path})
				}
				fmt.Fprintln(app.Out, Paint(SuccessStyle, "Exported to ")+path)
				return nil
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&format, "format", "f", "md", "output format: md or json")
	fs.StringVarP(&opts.OutputDir, "output", "o", ".", "output directory")
	fs.BoolVar(&opts.OpenAfterExport, "open", false, "open the file after exporting")
	fs.BoolVar(&opts.IncludeGreeting, "greeting", false, "include the greeting message")
	fs.BoolVar(&noMetadata, "no-metadata", false, "omit front matter and sources")
	return cmd
}

// exportConversation writes conversation id with the named format.
func exportConversation(app *App, id, format string, opts *export.Options) (string, error) {
	exporter, err := export.ForFormat(format, opts)
	if err != nil {
		return "", &UsageError{Message: err.Error()}
	}
	conv, ok := app.Store.Conversation(id)
	if !ok {
		return "", &NotFoundError{Resource: "conversation", ID: id}
	}
	msgs, _ := app.Store.Messages(id)
	return export.ExportToFile(export.Document{Conversation: conv, Messages: msgs}, exporter, opts)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
