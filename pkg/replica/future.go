package replica

import (
	"context"
)

// Future is the pending result of an asynchronous transfer.
type Future struct {
	done chan struct{}
	err  error
}

// Go runs fn in a new goroutine and returns its future.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.err = fn(ctx)
	}()
	return f
}

// Completed returns a future that has already finished with err.
func Completed(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Wait blocks until the transfer finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the transfer has finished.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// WaitAll waits for every future and returns the first error observed.
// All futures are waited for even after an error so no transfer outlives
// the caller unnoticed.
func WaitAll(ctx context.Context, futures []*Future) error {
	var first error
	for _, f := range futures {
		if f == nil {
			continue
		}
		if err := f.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
