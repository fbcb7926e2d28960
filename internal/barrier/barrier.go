// Package barrier provides a one-shot result that any number of goroutines can wait on.
package barrier

import (
	"context"
	"sync"
)

// Barrier is resolved at most once, either with nil (success) or an error. A new Barrier is
// created for every cycle that needs one instead of resetting an old one.
type Barrier struct {
	once sync.Once
	done chan struct{}
	err  error
}

func New() *Barrier {
	return &Barrier{
		done: make(chan struct{}),
	}
}

// Resolved returns a barrier that has already been resolved with err.
func Resolved(err error) *Barrier {
	b := New()
	b.Resolve(err)
	return b
}

// Resolve resolves the barrier. It returns false if the barrier was already resolved, in which
// case err is discarded.
func (b *Barrier) Resolve(err error) bool {
	resolved := false
	b.once.Do(func() {
		b.err = err
		close(b.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the barrier is resolved.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Err returns the resolution. It must only be called after Done is closed.
func (b *Barrier) Err() error {
	return b.err
}

// Wait blocks until the barrier is resolved or ctx is done. It returns the resolution or the
// context's error.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
