package worker

import (
	"context"
	"errors"
	"sync"
)

// Errors reported by Token.Err.
var (
	ErrPaused   = errors.New("worker: paused")
	ErrCanceled = errors.New("worker: canceled")
)

// Token lets the engine stop a running transfer. Pause and Cancel abort any
// request or body read in flight through the token's context.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewToken returns a token whose context ends with parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Pause asks the transfer to stop and keep its partial file.
func (t *Token) Pause() {
	t.signal(ErrPaused)
}

// Cancel asks the transfer to stop and discard its partial file. Cancel
// overrides an earlier Pause.
func (t *Token) Cancel() {
	t.signal(ErrCanceled)
}

func (t *Token) signal(err error) {
	t.mu.Lock()
	if t.err == nil || err == ErrCanceled {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

// Context is cancelled by Pause, Cancel or the parent context.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Err returns ErrPaused or ErrCanceled after a signal, the parent's error
// after shutdown, and nil while the transfer may continue.
func (t *Token) Err() error {
	t.mu.Lock()
	err := t.err
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.ctx.Err()
}

// Release frees the token's resources once the transfer has returned.
func (t *Token) Release() {
	t.cancel()
}
