// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// idleTimer cancels a context when touch has not been called for d.
// A zero duration disables it.
type idleTimer struct {
	d     time.Duration
	mu    sync.Mutex
	timer *time.Timer
}

func newIdleTimer(d time.Duration, cancel context.CancelCauseFunc) *idleTimer {
	t := &idleTimer{d: d}
	if d > 0 {
		t.timer = time.AfterFunc(d, func() { cancel(errIdleTimeout) })
	}
	return t
}

func (t *idleTimer) touch() {
	if t.timer == nil {
		return
	}
	t.mu.Lock()
	t.timer.Reset(t.d)
	t.mu.Unlock()
}

func (t *idleTimer) stop() {
	if t.timer == nil {
		return
	}
	t.mu.Lock()
	t.timer.Stop()
	t.mu.Unlock()
}

// idleReader wraps a response body, re-arming the idle timer on every read
// that returns data and translating the resulting cancellation into a
// timeout error.
type idleReader struct {
	ctx    context.Context
	body   io.ReadCloser
	idle   *idleTimer
	cancel context.CancelCauseFunc
	once   sync.Once
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.idle.touch()
	}
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	return n, classifyTransportError(r.ctx, "chat stream read", err)
}

func (r *idleReader) Close() error {
	var err error
	r.once.Do(func() {
		r.idle.stop()
		err = r.body.Close()
		r.cancel(nil)
	})
	return err
}
