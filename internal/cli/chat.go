// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat session.
//
// Line editing and history come from liner. Ctrl+C at the prompt exits;
// Ctrl+C while an answer streams cancels only that answer.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/kbchat/internal/config"
	"github.com/jeranaias/kbchat/internal/engine"
	"github.com/jeranaias/kbchat/internal/export"
	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/util"
)

const (
	chatPrompt      = "kbchat> "
	historyFileName = "chat_history"
)

// =============================================================================
// LINE READER
// =============================================================================

// lineReader reads one line of user input per call.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// linerReader wraps liner with a persistent history file.
type linerReader struct {
	state       *liner.State
	historyPath string
}

func newLinerReader(historyPath string) *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetMultiLineMode(true)

	r := &linerReader{state: state, historyPath: historyPath}
	if f, err := os.Open(historyPath); err == nil {
		state.ReadHistory(f) //nolint:errcheck
		f.Close()
	}
	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	return line, err
}

func (r *linerReader) AppendHistory(line string) {
	r.state.AppendHistory(line)
}

// Close saves history and restores the terminal.
func (r *linerReader) Close() error {
	if r.historyPath != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyPath), 0700); err == nil {
			if f, err := os.OpenFile(r.historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				r.state.WriteHistory(f) //nolint:errcheck
				f.Close()
			}
		}
	}
	return r.state.Close()
}

// =============================================================================
// CHAT COMMAND
// =============================================================================

func newChatCommand(g *globalOptions) *cobra.Command {
	f := &chatFlags{}
	var (
		conversation string
		newConv      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session. The current conversation is resumed
unless --new is given. Type /help inside the session for commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(app *App) error {
				app.UpdateChatOptions(func(o *engine.Options) { f.apply(cmd, o) })

				s := &session{app: app, out: app.Out}
				switch {
				case newConv:
				case conversation != "":
					id, err := app.resolveConversation(conversation)
					if err != nil {
						return err
					}
					s.convID = id
				default:
					s.convID, _ = app.Store.Current()
				}

				historyPath := ""
				if dir, err := config.ConfigDir(); err == nil {
					historyPath = filepath.Join(dir, historyFileName)
				}
				reader := newLinerReader(historyPath)
				defer reader.Close()

				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				s.watchConfig(ctx)
				return s.run(ctx, reader)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "conversation id, index or prefix to resume")
	cmd.Flags().BoolVar(&newConv, "new", false, "start a new conversation")
	cmd.MarkFlagsMutuallyExclusive("conversation", "new")
	return cmd
}

// runChat is the root command's default action.
func runChat(cmd *cobra.Command, g *globalOptions) error {
	chat := newChatCommand(g)
	chat.SetContext(cmd.Context())
	chat.SetOut(cmd.OutOrStdout())
	chat.SetErr(cmd.ErrOrStderr())
	chat.SetIn(cmd.InOrStdin())
	return chat.RunE(chat, nil)
}

// =============================================================================
// SESSION
// =============================================================================

// session is one interactive chat run.
type session struct {
	app    *App
	out    io.Writer
	convID string // "" until the first question of a new conversation
}

func (s *session) run(ctx context.Context, in lineReader) error {
	s.banner()

	for {
		line, err := in.Prompt(chatPrompt)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		in.AppendHistory(line)

		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Fprintln(s.out, Paint(ErrorStyle, "Error: ")+err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		if err := s.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(s.out, Paint(ErrorStyle, "Error: ")+err.Error())
		}
	}
}

func (s *session) banner() {
	opts := s.app.ChatOptions()
	fmt.Fprintln(s.out, Paint(TitleStyle, "kbchat")+" "+Paint(DimStyle, Version))
	fmt.Fprintln(s.out, RenderLabel("server", s.app.Config.API.BaseURL))
	if opts.DBID != "" {
		fmt.Fprintln(s.out, RenderLabel("knowledge base", opts.DBID))
	}
	if opts.ModelName != "" {
		fmt.Fprintln(s.out, RenderLabel("model", strings.TrimPrefix(opts.ModelProvider+"/"+opts.ModelName, "/")))
	}
	fmt.Fprintln(s.out, Paint(DimStyle, "Type /help for commands, Ctrl+D to quit."))
	fmt.Fprintln(s.out)

	if s.convID != "" {
		if conv, ok := s.app.Store.Conversation(s.convID); ok {
			fmt.Fprintln(s.out, Paint(DimStyle, "Resuming: "+conv.GetTitle()))
			fmt.Fprintln(s.out)
		}
	} else if greeting := s.app.Config.Chat.Greeting; greeting != "" {
		fmt.Fprintln(s.out, RoleLabel(model.RoleAssistant.DisplayName(), true))
		fmt.Fprintln(s.out, greeting)
		fmt.Fprintln(s.out)
	}
}

// send streams one answer. Ctrl+C cancels it and returns to the prompt.
func (s *session) send(ctx context.Context, text string) error {
	reqCtx, stop := interruptible(ctx)
	defer stop()

	_, unsubscribe := newStreamPrinter(s.app.Store, s.out, IsStdoutTTY())
	res, err := s.app.Engine.Send(reqCtx, s.convID, text, s.app.ChatOptions())
	unsubscribe()
	if err != nil {
		return err
	}
	s.convID = res.ConversationID

	if msg, ok := s.app.Store.Message(res.ConversationID, res.MessageID); ok && res.Status == model.StatusDone {
		if line := sourcesLine(msg); line != "" {
			fmt.Fprintln(s.out, Paint(DimStyle, line))
		}
	}
	fmt.Fprintln(s.out)
	return nil
}

// watchConfig reloads the chat options when the config file changes.
func (s *session) watchConfig(ctx context.Context) {
	path := s.app.ConfigPath
	if path == "" {
		return
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return
	}
	logger := s.app.Logger.Component("cli")
	err := config.Watch(ctx, path, config.DefaultWatchDebounce, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("config reload failed")
			return
		}
		s.app.UpdateChatOptions(func(o *engine.Options) { *o = optionsFromConfig(cfg.Chat) })
		logger.Info().Str("path", path).Msg("chat options reloaded")
	})
	if err != nil {
		logger.Debug().Err(err).Msg("config watch unavailable")
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

const chatHelp = `Commands:
  /new                 start a new conversation
  /list                list conversations
  /switch <n|id>       switch to another conversation
  /show                print the current conversation
  /title <text>        rename the current conversation
  /delete              delete the current conversation
  /kb <id>             set the knowledge base ("" to clear)
  /model <name>        set the model
  /provider <name>     set the model provider
  /models              list models for the current provider
  /graph on|off        toggle graph retrieval
  /web on|off          toggle web search
  /options             show request options
  /export [md|json]    export the current conversation
  /quit                leave`

// command runs a slash command and reports whether the session should end.
func (s *session) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		fmt.Fprintln(s.out, chatHelp)

	case "new":
		s.convID = ""
		fmt.Fprintln(s.out, Paint(SuccessStyle, "New conversation")+Paint(DimStyle, " (created on the first question)"))

	case "list", "ls":
		printConversationList(s.out, s.app.Store.List(), s.convID, GetTerminalWidth())

	case "switch", "open":
		id, err := s.app.resolveConversation(arg)
		if err != nil {
			return false, err
		}
		if err := s.app.Store.SetCurrent(id); err != nil {
			return false, err
		}
		s.convID = id
		conv, _ := s.app.Store.Conversation(id)
		fmt.Fprintln(s.out, Paint(SuccessStyle, "Switched to ")+conv.GetTitle())

	case "show", "history":
		if s.convID == "" {
			return false, errors.New("no conversation yet")
		}
		return false, printTranscript(s.out, s.app, s.convID)

	case "title", "rename":
		if s.convID == "" {
			return false, errors.New("no conversation yet")
		}
		title := util.CleanTitle(arg)
		if title == "" {
			return false, &UsageError{Message: "usage: /title <text>"}
		}
		s.app.Store.SetTitle(s.convID, title)
		fmt.Fprintln(s.out, Paint(SuccessStyle, "Renamed to ")+title)

	case "delete":
		if s.convID == "" {
			return false, errors.New("no conversation yet")
		}
		if s.app.Engine.Busy(s.convID) {
			return false, engine.ErrConversationBusy
		}
		s.app.Store.DeleteConversation(s.convID)
		s.convID = ""
		fmt.Fprintln(s.out, Paint(SuccessStyle, "Deleted"))

	case "kb":
		s.app.UpdateChatOptions(func(o *engine.Options) { o.DBID = strings.Trim(arg, `"`) })
		s.printOptions()

	case "model":
		s.app.UpdateChatOptions(func(o *engine.Options) { o.ModelName = arg })
		s.printOptions()

	case "provider":
		s.app.UpdateChatOptions(func(o *engine.Options) { o.ModelProvider = arg })
		s.printOptions()

	case "graph", "web":
		on, err := parseToggle(arg)
		if err != nil {
			return false, err
		}
		s.app.UpdateChatOptions(func(o *engine.Options) {
			if name == "graph" {
				o.UseGraph = on
			} else {
				o.UseWeb = on
			}
		})
		s.printOptions()

	case "options":
		s.printOptions()

	case "models":
		provider := arg
		if provider == "" {
			provider = s.app.ChatOptions().ModelProvider
		}
		models, err := s.app.Catalog.Models(ctx, provider)
		if err != nil {
			return false, err
		}
		current := s.app.ChatOptions().ModelName
		for _, m := range models {
			marker := "  "
			if m == current {
				marker = Paint(SuccessStyle, "* ")
			}
			fmt.Fprintln(s.out, marker+m)
		}

	case "export":
		if s.convID == "" {
			return false, errors.New("no conversation yet")
		}
		path, err := exportConversation(s.app, s.convID, arg, export.DefaultOptions())
		if err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, Paint(SuccessStyle, "Exported to ")+path)

	default:
		return false, &UsageError{Message: fmt.Sprintf("unknown command /%s (try /help)", name)}
	}
	return false, nil
}

func (s *session) printOptions() {
	o := s.app.ChatOptions()
	orNone := func(v string) string {
		if v == "" {
			return Paint(DimStyle, "(none)")
		}
		return v
	}
	fmt.Fprintln(s.out, RenderLabel("knowledge base", orNone(o.DBID)))
	fmt.Fprintln(s.out, RenderLabel("provider", orNone(o.ModelProvider)))
	fmt.Fprintln(s.out, RenderLabel("model", orNone(o.ModelName)))
	fmt.Fprintln(s.out, RenderLabel("graph", RenderStatus(onOff(o.UseGraph))))
	fmt.Fprintln(s.out, RenderLabel("web", RenderStatus(onOff(o.UseWeb))))
}

func parseToggle(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	}
	return false, &UsageError{Message: "expected on or off"}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
