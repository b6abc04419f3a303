package stream

import "context"

// Token is the cooperative cancellation handle for one streaming
// session. It wraps a derived context so that cancellation is wired
// directly into the blocking network read (via
// http.NewRequestWithContext), not merely polled between reads.
//
// Cancel is idempotent: calling it repeatedly, or after the session
// completed naturally, has no additional effect.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken creates a cancellation token derived from parent.
// Cancellation of the parent (e.g. an HTTP request context when the
// client disconnects) cancels the token as well.
func NewToken(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. Safe to call any number of times from
// any goroutine.
func (t *Token) Cancel() {
	t.cancel()
}

// Cancelled reports whether cancellation has been requested.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Context returns the context that upstream requests must be issued
// with so the in-flight read aborts when the token is cancelled.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done returns a channel closed when cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}
