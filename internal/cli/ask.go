// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/kbchat/internal/backend"
	"github.com/jeranaias/kbchat/internal/engine"
	"github.com/jeranaias/kbchat/internal/model"
)

// =============================================================================
// CHAT FLAGS
// =============================================================================

// chatFlags override the configured request meta for one invocation.
type chatFlags struct {
	kb           string
	provider     string
	model        string
	systemPrompt string
	historyRound int
	graph        bool
	web          bool
}

func (f *chatFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.kb, "kb", "", "knowledge base id (db_id)")
	fs.StringVar(&f.provider, "provider", "", "model provider")
	fs.StringVar(&f.model, "model", "", "model name")
	fs.StringVar(&f.systemPrompt, "system-prompt", "", "system prompt")
	fs.IntVar(&f.historyRound, "history-round", 0, "history rounds the server should consider")
	fs.BoolVar(&f.graph, "graph", false, "use graph retrieval")
	fs.BoolVar(&f.web, "web", false, "use web search")
}

// apply copies every flag the user set onto opts.
func (f *chatFlags) apply(cmd *cobra.Command, opts *engine.Options) {
	changed := cmd.Flags().Changed
	if changed("kb") {
		opts.DBID = f.kb
	}
	if changed("provider") {
		opts.ModelProvider = f.provider
	}
	if changed("model") {
		opts.ModelName = f.model
	}
	if changed("system-prompt") {
		opts.SystemPrompt = f.systemPrompt
	}
	if changed("history-round") {
		opts.HistoryRound = f.historyRound
	}
	if changed("graph") {
		opts.UseGraph = f.graph
	}
	if changed("web") {
		opts.UseWeb = f.web
	}
}

// interruptible derives a context canceled by Ctrl+C or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// ASK COMMAND
// =============================================================================

type askFlags struct {
	chatFlags
	conversation string
	newConv      bool
	noStream     bool
}

// askResult is the --json payload of ask.
type askResult struct {
	ConversationID string       `json:"conversation_id,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	Status         model.Status `json:"status"`
	Content        string       `json:"content"`
	Reasoning      string       `json:"reasoning,omitempty"`
	Sources        []string     `json:"sources,omitempty"`
	Model          string       `json:"model,omitempty"`
}

func newAskCommand(g *globalOptions) *cobra.Command {
	f := &askFlags{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and stream the answer",
		Long: `Ask a single question. The answer streams to stdout and is saved in the
current conversation unless --new is given. Use "-" or pipe stdin to read the
question from standard input.`,
		Example: `  kbchat ask "What is our refund policy?"
  kbchat ask --kb policies --graph "Who approves refunds?"
  echo "Summarize the handbook" | kbchat ask -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := readQuestion(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(app *App) error {
				opts := app.ChatOptions()
				f.apply(cmd, &opts)
				if f.noStream {
					return askOnce(cmd, g, app, question, opts)
				}
				return askStreaming(cmd, g, app, f, question, opts)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&f.conversation, "conversation", "c", "", "conversation id, index or prefix (default: current)")
	cmd.Flags().BoolVar(&f.newConv, "new", false, "start a new conversation")
	cmd.Flags().BoolVar(&f.noStream, "no-stream", false, "use the non-streaming endpoint and do not save the exchange")
	cmd.MarkFlagsMutuallyExclusive("conversation", "new")
	return cmd
}

func readQuestion(in io.Reader, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		if len(args) == 0 && IsTTY() {
			return "", &UsageError{Message: "ask needs a question"}
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read question: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.Join(args, " "), nil
}

func askStreaming(cmd *cobra.Command, g *globalOptions, app *App, f *askFlags, question string, opts engine.Options) error {
	convID := ""
	if !f.newConv {
		if f.conversation != "" {
			id, err := app.resolveConversation(f.conversation)
			if err != nil {
				return err
			}
			convID = id
		} else if id, ok := app.Store.Current(); ok {
			convID = id
		}
	}

	if !g.jsonOut {
		_, unsubscribe := newStreamPrinter(app.Store, app.Out, IsStdoutTTY())
		defer unsubscribe()
	}

	ctx, stop := interruptible(cmd.Context())
	defer stop()

	res, err := app.Engine.Send(ctx, convID, question, opts)
	if err != nil {
		return err
	}

	msg, _ := app.Store.Message(res.ConversationID, res.MessageID)
	if g.jsonOut {
		if werr := writeJSON(app.Out, "ask", newAskResult(res, msg)); werr != nil {
			return werr
		}
	} else if line := sourcesLine(msg); line != "" && res.Status == model.StatusDone {
		fmt.Fprintln(app.Out, Paint(DimStyle, line))
	}

	if res.Err != nil || res.Status == model.StatusError {
		return &ReplyError{ConversationID: res.ConversationID, Err: res.Err}
	}
	return nil
}

func newAskResult(res engine.Result, msg model.Message) askResult {
	out := askResult{
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Status:         res.Status,
		Content:        msg.Content,
		Reasoning:      msg.ReasoningContent,
		Model:          msg.ServerModel,
	}
	for _, d := range msg.RetrievedDocs {
		if d.Filename != "" {
			out.Sources = append(out.Sources, d.Filename)
		} else if d.Label != "" {
			out.Sources = append(out.Sources, d.Label)
		}
	}
	return out
}

// askOnce uses /chat/call. Nothing is stored.
func askOnce(cmd *cobra.Command, g *globalOptions, app *App, question string, opts engine.Options) error {
	ctx, stop := interruptible(cmd.Context())
	defer stop()

	resp, err := app.Client.Call(ctx, backend.CallRequest{Query: question, Meta: opts.Meta()})
	if err != nil {
		return err
	}
	if g.jsonOut {
		return writeJSON(app.Out, "ask", askResult{Status: model.StatusDone, Content: resp.Response})
	}
	fmt.Fprintln(app.Out, resp.Response)
	return nil
}
