// Package executor runs background tasks on a bounded number of goroutines.
package executor

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrShutdown is returned when submitting to an executor that is shutting down.
var ErrShutdown = errors.New("executor is shut down")

// Future is the eventual result of a submitted task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Executor bounds concurrently running tasks. Tasks receive the executor's
// own context, which is cancelled only when Shutdown gives up waiting.
type Executor struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New returns an executor running at most size tasks at once.
func New(size int) *Executor {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{sem: semaphore.NewWeighted(int64(size)), ctx: ctx, cancel: cancel}
}

// Submit schedules fn on e. It never blocks on the concurrency bound.
func Submit[T any](e *Executor, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	f := newFuture[T]()
	go func() {
		defer e.inflight.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			var zero T
			f.resolve(zero, err)
			return
		}
		defer e.sem.Release(1)
		value, err := fn(e.ctx)
		f.resolve(value, err)
	}()
	return f, nil
}

// Drain waits for all submitted tasks to finish or for ctx to end.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects new tasks and waits for running ones. If ctx ends first,
// the tasks' context is cancelled and ctx's error returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if err := e.Drain(ctx); err != nil {
		e.cancel()
		return err
	}
	e.cancel()
	return nil
}
