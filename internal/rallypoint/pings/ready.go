package pings

import (
	"context"
	"sync"
)

// Ready is a single-resolution signal. Any number of waiters may share it;
// all of them are released by the first Resolve or Reject.
type Ready struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewReady() *Ready {
	return &Ready{done: make(chan struct{})}
}

// Resolve releases the waiters with no error. Calls after the first
// resolution or rejection are ignored.
func (r *Ready) Resolve() {
	r.once.Do(func() { close(r.done) })
}

// Reject releases the waiters with err.
func (r *Ready) Reject(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the signal is resolved or rejected, or ctx is done.
func (r *Ready) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the signal has been resolved or rejected.
func (r *Ready) Done() <-chan struct{} { return r.done }
