package supervise

import "sync/atomic"

// Token is the shared cancellation flag for a single invocation. The
// caller's side sets it; the supervising worker polls it. It is the only
// object mutated across the caller/worker boundary, so it must be safe
// for concurrent use with no ordering requirement beyond "eventually
// observed".
type Token struct {
	flag atomic.Bool
}

// NewToken returns an unset token.
func NewToken() *Token {
	return &Token{}
}

// Cancel requests cancellation. Safe to call multiple times and from
// any goroutine.
func (t *Token) Cancel() {
	t.flag.Store(true)
}

// Cancelled reports whether cancellation has been requested.
func (t *Token) Cancelled() bool {
	return t.flag.Load()
}
