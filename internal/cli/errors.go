// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types and exit codes for kbchat commands.
//
// Commands always return errors. Execute prints them once and maps them to
// an exit code.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/kbchat/internal/backend"
	"github.com/jeranaias/kbchat/internal/config"
	"github.com/jeranaias/kbchat/internal/engine"
	"github.com/jeranaias/kbchat/internal/store"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitNotFoundError = 7
	ExitTimeoutError  = 8
	ExitInterrupted   = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // e.g. "conversations"
	Action  string // e.g. "delete"
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// UsageError reports bad arguments or flags.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// NotFoundError represents a missing local resource.
type NotFoundError struct {
	Resource string // e.g. "conversation"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ReplyError reports an answer that ended in the error state. The message
// has already been printed.
type ReplyError struct {
	ConversationID string
	Err            error
}

func (e *ReplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reply failed: %v", e.Err)
	}
	return "server reported an error"
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	var notFound *NotFoundError
	var validation config.ValidateErrors
	var apiErr *backend.APIError

	switch {
	case errors.As(err, &usage), errors.Is(err, engine.ErrEmptyQuery):
		return ExitUsageError
	case errors.As(err, &validation):
		return ExitConfigError
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	case errors.As(err, &apiErr):
		switch apiErr.Type {
		case backend.ErrTypeCanceled:
			return ExitInterrupted
		case backend.ErrTypeConnection, backend.ErrTypeHTTPStatus:
			return ExitNetworkError
		}
	}
	return ExitGeneralError
}

// PrintError writes err to w in the error style. Replies that already showed
// their error marker are not repeated.
func PrintError(w io.Writer, err error) {
	var reply *ReplyError
	if errors.As(err, &reply) && reply.Err == nil {
		return
	}
	fmt.Fprintln(w, Paint(ErrorStyle, "Error: ")+err.Error())
}
