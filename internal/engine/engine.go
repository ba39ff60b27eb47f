// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine runs one chat request/response cycle against the backend.
//
// Send appends the user turn and a pending assistant reply to the store,
// opens the response stream, decodes it and folds every event into the
// store in arrival order. When the server assigns a thread id to a new
// conversation mid-stream, the conversation is renamed in place and all
// later updates follow the new id.
//
// Transport failures are not returned as errors: they end the reply in the
// error state and are reported in Result.Err.
package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/kbchat/internal/backend"
	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/store"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

const (
	// DefaultHistoryTurns is how many local turns are replayed when the
	// server has not returned its own history yet.
	DefaultHistoryTurns = 10

	// readBufferSize is the size of each read from the response body.
	readBufferSize = 4096
)

var (
	// ErrEmptyQuery is returned when the user text is blank.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrConversationBusy is returned when the conversation is still waiting
	// for a previous reply.
	ErrConversationBusy = errors.New("conversation already has a reply in progress")
)

// Placeholder texts shown while the reply has no content yet.
var placeholders = map[string]string{
	"searching":  "Searching the knowledge base...",
	"generating": "Generating an answer...",
	"reasoning":  "Thinking...",
}

// =============================================================================
// TYPES
// =============================================================================

// Streamer opens the response stream for a chat request.
type Streamer interface {
	StreamChat(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
}

// Options are the per-request settings sent as meta.
type Options struct {
	DBID          string
	UseGraph      bool
	UseWeb        bool
	ModelProvider string
	ModelName     string
	SystemPrompt  string
	HistoryRound  int
}

// Meta converts the options to request meta.
func (o Options) Meta() backend.Meta {
	return backend.Meta{
		UseGraph:      o.UseGraph,
		UseWeb:        o.UseWeb,
		DBID:          o.DBID,
		SystemPrompt:  o.SystemPrompt,
		ModelProvider: o.ModelProvider,
		ModelName:     o.ModelName,
		HistoryRound:  o.HistoryRound,
	}
}

// Config configures an Engine.
type Config struct {
	// HistoryTurns caps the client-built history (default: DefaultHistoryTurns).
	HistoryTurns int
}

// Result describes how a Send ended.
type Result struct {
	// ConversationID is the final id, after any server rename.
	ConversationID string
	// MessageID is the assistant reply.
	MessageID string
	// Status is the reply's final status, empty if the conversation was
	// deleted while streaming.
	Status model.Status
	// Err is the transport failure or cancellation that ended the reply.
	Err error
}

// Engine sends chat requests and reconciles their streams into a store.
type Engine struct {
	store        *store.Store
	client       Streamer
	logger       zerolog.Logger
	historyTurns int

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an engine writing to st and reading from client.
func New(st *store.Store, client Streamer, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	return &Engine{
		store:        st,
		client:       client,
		logger:       logger.With().Str("component", "engine").Logger(),
		historyTurns: cfg.HistoryTurns,
		inflight:     make(map[string]struct{}),
	}
}

// Busy reports whether a Send is running for the conversation.
func (e *Engine) Busy(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[conversationID]
	return ok
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[id]; ok {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) move(oldID, newID string) {
	e.mu.Lock()
	delete(e.inflight, oldID)
	e.inflight[newID] = struct{}{}
	e.mu.Unlock()
}

// =============================================================================
// SEND
// =============================================================================

// Send runs one request/response cycle. An empty or unknown conversationID
// starts a new conversation, which becomes current. The returned error is
// only ErrEmptyQuery or ErrConversationBusy; everything that goes wrong after
// the request is issued ends up in the reply and in Result.Err.
func (e *Engine) Send(ctx context.Context, conversationID, text string, opts Options) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{ConversationID: conversationID}, ErrEmptyQuery
	}

	convID := conversationID
	if convID == "" || !e.store.Exists(convID) {
		if convID != "" {
			e.logger.Debug().Str("conversation_id", convID).Msg("unknown conversation, starting a new one")
		}
		convID = e.store.CreateConversation("")
	} else if err := e.store.SetCurrent(convID); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", convID).Msg("failed to select conversation")
	}

	if !e.acquire(convID) {
		return Result{ConversationID: convID}, ErrConversationBusy
	}
	if e.store.HasUnfinishedReply(convID) {
		e.release(convID)
		return Result{ConversationID: convID}, ErrConversationBusy
	}

	conv, _ := e.store.Conversation(convID)
	history := conv.ServerHistory
	if len(history) == 0 {
		msgs, _ := e.store.Messages(convID)
		history = model.ClientHistory(msgs, e.historyTurns)
	}

	user := model.NewUserMessage(text)
	reply := model.NewAssistantMessage()
	e.store.AppendMessage(convID, user)
	e.store.AppendMessage(convID, reply)

	req := backend.ChatRequest{
		Query:   text,
		Meta:    opts.Meta(),
		History: history,
	}
	isNew := conv.IsNew()
	if !isNew {
		req.ThreadID = convID
	}

	r := &run{
		engine: e,
		ctx:    ctx,
		convID: convID,
		msgID:  reply.ID,
		isNew:  isNew,
		logger: e.logger.With().Str("message_id", reply.ID).Logger(),
	}
	defer func() { e.release(r.convID) }()

	start := time.Now()
	r.logger.Info().
		Str("conversation_id", convID).
		Bool("new", isNew).
		Int("history", len(history)).
		Msg("sending chat request")

	body, err := e.client.StreamChat(ctx, req)
	if err != nil {
		r.fail(err)
	} else {
		r.consume(body)
		body.Close()
	}

	res := r.result()
	r.logger.Info().
		Str("conversation_id", res.ConversationID).
		Str("status", string(res.Status)).
		Dur("elapsed", time.Since(start)).
		AnErr("transport_error", res.Err).
		Msg("chat request finished")
	return res, nil
}
