// Package shutdown provides the cancellation token shared by every
// long-running loop of one motorctl invocation.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOperationAborted reports that work stopped because the token was set.
var ErrOperationAborted = errors.New("operation aborted")

// Token is a monotonic flag: once set it stays set. The first Set wins and
// later calls are no-ops. The zero value is not usable; call New.
type Token struct {
	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	reason string
}

// New returns an unset token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Set marks the token. It is safe to call from any goroutine and any number
// of times.
func (t *Token) Set() {
	t.SetWithReason("")
}

// SetWithReason sets the token and records why, if it was not already set.
func (t *Token) SetWithReason(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// Reason returns the reason passed by the first setter.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// IsSet reports whether the token has been set.
func (t *Token) IsSet() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is set.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the token is set or timeout elapses and reports whether
// the token was set. A non-positive timeout only checks the current state.
func (t *Token) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return t.IsSet()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return t.IsSet()
	}
}

// Context derives a context from parent that is cancelled with
// ErrOperationAborted as its cause when the token is set.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancel(ErrOperationAborted)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// Aborted reports whether err stems from cancellation: the token, a
// cancelled context, or an explicit ErrOperationAborted.
func Aborted(err error) bool {
	return errors.Is(err, ErrOperationAborted) || errors.Is(err, context.Canceled)
}
