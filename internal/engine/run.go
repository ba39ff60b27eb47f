// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/kbchat/internal/model"
	"github.com/jeranaias/kbchat/internal/stream"
	"github.com/jeranaias/kbchat/internal/util"
)

// run is the state of a single Send.
type run struct {
	engine *Engine
	ctx    context.Context
	logger zerolog.Logger

	convID string
	msgID  string
	isNew  bool

	sawID    bool
	finished bool
	gone     bool
	err      error
}

// =============================================================================
// STREAM LOOP
// =============================================================================

func (r *run) consume(body io.Reader) {
	dec := stream.NewDecoder(r.logger)
	buf := make([]byte, readBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			r.applyAll(dec.Feed(buf[:n]))
			if r.gone {
				r.logger.Warn().Str("conversation_id", r.convID).Msg("conversation deleted while streaming, dropping response")
				return
			}
			if dec.Done() {
				r.end()
				return
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			r.applyAll(dec.Flush())
			r.end()
			return
		}
		r.fail(err)
		return
	}
}

func (r *run) applyAll(events []stream.Event) {
	for _, ev := range events {
		r.apply(ev)
		if r.gone {
			return
		}
	}
}

// end closes a stream that stopped without a terminal frame.
func (r *run) end() {
	r.update(func(m model.Message) model.Message {
		if m.Content == "" {
			return m.Fail(model.EmptyResponseMarker)
		}
		return m.Finish("")
	})
}

// fail ends the reply after a transport failure or cancellation.
func (r *run) fail(err error) {
	if r.ctx.Err() != nil {
		changed := false
		r.update(func(m model.Message) model.Message {
			if m.Status.IsTerminal() {
				return m
			}
			changed = true
			if m.Content == "" {
				return m.Fail(model.CanceledMarker)
			}
			return m.Finish("")
		})
		if changed {
			r.err = r.ctx.Err()
		}
		return
	}

	changed := false
	r.update(func(m model.Message) model.Message {
		if m.Status.IsTerminal() {
			return m
		}
		changed = true
		return m.FailKeepingContent(model.ConnectionFailedMarker)
	})
	if changed {
		r.err = err
		r.logger.Warn().Err(err).Msg("response stream failed")
		return
	}
	r.logger.Debug().Err(err).Msg("stream closed after reply completed")
}

// =============================================================================
// EVENT HANDLING
// =============================================================================

func (r *run) apply(ev stream.Event) {
	st := r.engine.store
	switch ev.Kind {
	case stream.KindConversationID:
		r.conversationID(ev.ConversationID)

	case stream.KindConversationTitle:
		if title := util.CleanTitle(ev.Title); title != "" {
			st.SetTitle(r.convID, title)
		}

	case stream.KindStatus:
		r.update(func(m model.Message) model.Message {
			m = m.WithStatus(placeholderFor(ev.Status, ev.Text)).WithReasoning(ev.Reasoning)
			return attach(m, ev)
		})

	case stream.KindContent:
		r.update(func(m model.Message) model.Message {
			return attach(m.WithContent(ev.Text), ev)
		})

	case stream.KindRetrievalContext:
		r.update(func(m model.Message) model.Message {
			m.RetrievalContexts = append(m.RetrievalContexts, ev.Contexts...)
			return m
		})

	case stream.KindTitleGenerating:
		st.SetTitleGenerating(r.convID, true)

	case stream.KindTitleGenerated:
		st.SetTitleGenerating(r.convID, false)
		if title := util.CleanTitle(ev.Title); title != "" {
			st.SetTitle(r.convID, title)
		}

	case stream.KindFinished:
		if r.finished {
			return
		}
		r.finished = true
		if len(ev.History) > 0 {
			st.SetServerHistory(r.convID, ev.History)
		}
		r.update(func(m model.Message) model.Message {
			if len(ev.Refs) > 0 {
				m.Refs = ev.Refs
			}
			return attach(m, ev).Finish(ev.Text)
		})

	case stream.KindError:
		r.update(func(m model.Message) model.Message {
			return m.Fail(errorText(ev.Text))
		})
	}
}

// conversationID handles the first thread id the server reports. A new
// conversation is renamed to it; later ids are ignored.
func (r *run) conversationID(id string) {
	if r.sawID || id == "" {
		return
	}
	r.sawID = true
	st := r.engine.store

	if id == r.convID {
		st.MarkConfirmed(r.convID)
		return
	}
	if !r.isNew {
		r.logger.Warn().
			Str("conversation_id", r.convID).
			Str("server_id", id).
			Msg("server reported a different thread id for an existing conversation")
		return
	}

	if err := st.RenameConversation(r.convID, id); err != nil {
		r.logger.Warn().Err(err).
			Str("conversation_id", r.convID).
			Str("server_id", id).
			Msg("failed to adopt server conversation id")
		return
	}
	r.logger.Debug().Str("from", r.convID).Str("to", id).Msg("conversation renamed")
	r.engine.move(r.convID, id)
	r.convID = id
	st.MarkConfirmed(id)
}

// update applies fn to the reply. A missing conversation stops the run.
func (r *run) update(fn func(model.Message) model.Message) {
	st := r.engine.store
	if st.UpdateMessage(r.convID, r.msgID, fn) {
		return
	}
	if !st.Exists(r.convID) {
		r.gone = true
	}
}

func (r *run) result() Result {
	res := Result{ConversationID: r.convID, MessageID: r.msgID, Err: r.err}
	if msg, ok := r.engine.store.Message(r.convID, r.msgID); ok {
		res.Status = msg.Status
	}
	return res
}

// =============================================================================
// HELPERS
// =============================================================================

// attach copies retrieval results and the serving model onto the reply.
func attach(m model.Message, ev stream.Event) model.Message {
	if m.Status.IsTerminal() {
		return m
	}
	if len(ev.Docs) > 0 {
		m.RetrievedDocs = ev.Docs
	}
	if ev.ServerModel != "" {
		m.ServerModel = ev.ServerModel
	}
	return m
}

func placeholderFor(status, text string) string {
	if text = strings.TrimSpace(text); text != "" {
		return text
	}
	return placeholders[status]
}

func errorText(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return model.ErrorMarker + " unknown error"
	}
	return model.ErrorMarker + " " + msg
}
