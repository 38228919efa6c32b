package session

import (
	"context"
	"sync/atomic"
)

// Token is the cancellation signal shared by a session and its transport call.
// The context is handed to the transport; the flag is what the session checks
// before applying a fragment.
type Token struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewToken derives a token from parent. Cancelling parent cancels the
// transport context but does not set the flag; only Cancel does.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context is passed to the transport.
func (t *Token) Context() context.Context { return t.ctx }

// Done is closed once the token is cancelled or its parent is done.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cancel sets the flag and cancels the context. Safe to call more than once.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool { return t.cancelled.Load() }

// release frees the context without marking the token cancelled.
func (t *Token) release() { t.cancel() }
