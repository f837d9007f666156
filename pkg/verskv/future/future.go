// Package future gives the pager and object cache a single-settle
// result type so that "every externally visible operation returns a
// future" (spec.md §4.3, §5) has a concrete Go shape: a value that is
// produced once, from any goroutine, and can be awaited by many.
//
// This is the generalization of the teacher's synchronous bpager.Pager,
// whose methods block the caller directly — the teacher never needed
// this because golang.org/x/sys mmap I/O is synchronous. The core's
// positional pread/pwrite/fsync driver (pkg/verskv/iofile) is not, so
// every pager operation is expressed as a Future that the single
// logical task runner (spec.md §5) settles from a worker goroutine.
package future

import "context"

// Future is a single-settle, multi-waiter result of type T.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// New returns an unsettled Future and the Promise used to settle it.
func New[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return f, &Promise[T]{f: f}
}

// Ready returns an already-settled Future, for call sites that have the
// value in hand (e.g. a cache hit) but must still satisfy the Future
// contract.
func Ready[T any](val T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: val, err: err}
	close(f.done)
	return f
}

// Await blocks until the future settles or ctx is cancelled.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the future has settled, without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Promise settles the Future it was created with. Settling twice panics,
// mirroring the single-assignment contract every call site relies on.
type Promise[T any] struct {
	f *Future[T]
}

// Resolve settles the future with (val, nil).
func (p *Promise[T]) Resolve(val T) { p.settle(val, nil) }

// Reject settles the future with (zero, err).
func (p *Promise[T]) Reject(err error) {
	var zero T
	p.settle(zero, err)
}

// Settle settles the future with an explicit (val, err) pair.
func (p *Promise[T]) Settle(val T, err error) { p.settle(val, err) }

func (p *Promise[T]) settle(val T, err error) {
	select {
	case <-p.f.done:
		panic("future: settled twice")
	default:
	}
	p.f.val = val
	p.f.err = err
	close(p.f.done)
}
