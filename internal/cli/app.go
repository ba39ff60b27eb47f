// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jeranaias/kbchat/internal/backend"
	"github.com/jeranaias/kbchat/internal/catalog"
	"github.com/jeranaias/kbchat/internal/config"
	"github.com/jeranaias/kbchat/internal/engine"
	"github.com/jeranaias/kbchat/internal/logging"
	"github.com/jeranaias/kbchat/internal/storage"
	"github.com/jeranaias/kbchat/internal/store"
)

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// App holds the components behind every server-facing command.
type App struct {
	Config     *config.Config
	ConfigPath string

	Logger  *logging.Logger
	KV      storage.KV
	Store   *store.Store
	Client  *backend.Client
	Catalog *catalog.Service
	Engine  *engine.Engine

	Out    io.Writer
	ErrOut io.Writer
	JSON   bool

	mu   sync.Mutex
	opts engine.Options
}

// loadConfig resolves the configuration for g. A file that cannot be parsed
// is reported and replaced by the defaults; invalid values are fatal.
func loadConfig(g *globalOptions, errOut io.Writer) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path = g.configPath
		err  error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
		if err != nil {
			return nil, path, err
		}
	} else {
		path, err = config.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		cfg, err = config.Load()
		if cfg == nil {
			return nil, path, err
		}
		if err != nil {
			fmt.Fprintln(errOut, Paint(WarningStyle, "Warning: ")+err.Error()+"; using defaults")
		}
	}

	if g.baseURL != "" {
		cfg.API.BaseURL = g.baseURL
	}
	if g.storage != "" {
		cfg.Storage.Backend = g.storage
	}
	if g.verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Console = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}

	for _, w := range cfg.Warnings {
		fmt.Fprintln(errOut, Paint(WarningStyle, "Warning: ")+w)
	}
	return cfg, path, nil
}

// openApp loads config and opens every component. The caller must Close it.
func openApp(cmd *cobra.Command, g *globalOptions) (*App, error) {
	errOut := cmd.ErrOrStderr()
	cfg, path, err := loadConfig(g, errOut)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		ConfigPath: path,
		Out:        cmd.OutOrStdout(),
		ErrOut:     errOut,
		JSON:       g.jsonOut,
		opts:       optionsFromConfig(cfg.Chat),
	}

	logDir, err := cfg.LogDir()
	if err != nil {
		return nil, err
	}
	app.Logger, err = logging.New(logging.Config{
		Dir:     logDir,
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		Stderr:  errOut,
	})
	if err != nil {
		return nil, err
	}

	storePath, err := cfg.StoragePath()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.KV, err = storage.Open(cfg.Storage.Backend, storePath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}

	app.Store = store.New(store.Options{
		KV:       app.KV,
		Greeting: cfg.Chat.Greeting,
		Logger:   app.Logger.Logger,
	})
	if err := app.Store.Load(); err != nil {
		app.Logger.Warn().Err(err).Msg("could not load saved conversations")
		fmt.Fprintln(errOut, Paint(WarningStyle, "Warning: ")+"saved conversations could not be loaded: "+err.Error())
	}

	app.Client, err = backend.New(backend.Config{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout(),
		StreamIdleTimeout: cfg.API.StreamIdleTimeout(),
		RequestsPerSecond: cfg.API.RequestsPerSecond,
	}, app.Logger.Component("backend"))
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Catalog = catalog.New(app.Client, cfg.Catalog.TTL(), app.Logger.Component("catalog"))
	app.Engine = engine.New(app.Store, app.Client, engine.Config{
		HistoryTurns: cfg.Chat.HistoryTurns,
	}, app.Logger.Component("engine"))

	app.Logger.Debug().
		Str("config", path).
		Str("base_url", cfg.API.BaseURL).
		Str("storage", cfg.Storage.Backend).
		Int("conversations", app.Store.Len()).
		Msg("kbchat started")
	return app, nil
}

// Close flushes the store and releases storage and logs.
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save conversations: %w", err))
		}
	}
	if a.KV != nil {
		if err := a.KV.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Logger != nil {
		if err := a.Logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// CHAT OPTIONS
// =============================================================================

func optionsFromConfig(c config.ChatConfig) engine.Options {
	return engine.Options{
		DBID:          c.DBID,
		UseGraph:      c.UseGraph,
		UseWeb:        c.UseWeb,
		ModelProvider: c.ModelProvider,
		ModelName:     c.ModelName,
		SystemPrompt:  c.SystemPrompt,
		HistoryRound:  c.HistoryRound,
	}
}

// ChatOptions returns the options for the next request.
func (a *App) ChatOptions() engine.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts
}

// UpdateChatOptions applies fn to the options for later requests.
func (a *App) UpdateChatOptions(fn func(*engine.Options)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.opts)
}

// =============================================================================
// CONVERSATION LOOKUP
// =============================================================================

// resolveConversation maps user input to a conversation id. Accepted forms
// are "" or "current", a 1-based index into the list, an exact id, or a
// unique id prefix.
func (a *App) resolveConversation(ref string) (string, error) {
	if ref == "" || ref == "current" {
		id, ok := a.Store.Current()
		if !ok {
			return "", &NotFoundError{Resource: "conversation", ID: "current"}
		}
		return id, nil
	}
	if a.Store.Exists(ref) {
		return ref, nil
	}

	list := a.Store.List()
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(list) {
			return list[n-1].ID, nil
		}
		return "", &NotFoundError{Resource: "conversation", ID: ref}
	}

	var match string
	for _, c := range list {
		if strings.HasPrefix(c.ID, ref) {
			if match != "" {
				return "", &UsageError{Message: fmt.Sprintf("conversation prefix %q is ambiguous", ref)}
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", &NotFoundError{Resource: "conversation", ID: ref}
	}
	return match, nil
}
