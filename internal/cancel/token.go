// Package cancel provides single-use cancellation tokens.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Delegate is notified, synchronously and at most once, when a token is cancelled.
type Delegate interface {
	CancellationTokenDidCancel(t *Token)
}

// DelegateFunc adapts a function to the Delegate interface.
type DelegateFunc func(t *Token)

func (f DelegateFunc) CancellationTokenDidCancel(t *Token) {
	f(t)
}

// Token is a monotonic cancel signal. It refers to the thing it cancels by handle
// (the request identifier) and does not own it.
type Token struct {
	cancelled atomic.Bool
	delegate  Delegate
	target    string

	doneOnce sync.Once
	done     chan struct{}
}

// New returns an active token. The delegate is fixed for the token's lifetime and may be nil.
func New(delegate Delegate, target string) *Token {
	return &Token{
		delegate: delegate,
		target:   target,
		done:     make(chan struct{}),
	}
}

// Cancel marks the token cancelled and notifies the delegate. Subsequent calls are no-ops.
func (t *Token) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.doneOnce.Do(func() { close(t.done) })
	if t.delegate != nil {
		t.delegate.CancellationTokenDidCancel(t)
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Done returns a channel closed on cancellation.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Target returns the handle of the object this token cancels.
func (t *Token) Target() string {
	return t.target
}

// Delegate returns the delegate supplied at construction.
func (t *Token) Delegate() Delegate {
	return t.delegate
}
