package amqptopo

import (
	"context"
	"sync"
)

// future is a single-assignment, many-reader settled value, the task+channel
// discipline this facade uses in place of the promises a dynamic-language
// implementation would reach for (see DESIGN.md's notes on futures).
type future struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
	set  bool
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// settle resolves the future exactly once; subsequent calls are no-ops so
// that a rebuild racing a delete can't panic on a double-close.
func (f *future) settle(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	f.err = err
	close(f.done)
}

// wait blocks until the future settles or ctx is done, returning the
// settlement error (nil on success) or ctx.Err().
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isSettled reports whether settle has already been called, without
// blocking.
func (f *future) isSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// result returns the settlement error assuming the future is already
// settled; callers must check isSettled (or have waited) first.
func (f *future) result() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
