package async

import (
	"context"
	"errors"
	"sync"
)

// Interrupted is returned (or wrapped) by a Task's function when the
// process-wide Interrupt fires while the task is running, and by any
// runtime method called after Shutdown.
var Interrupted = errors.New("async: interrupted")

// Task starts fn on its own goroutine and returns a Future that settles
// with its result. fn should watch ctx.Done() for cooperative
// cancellation. This is the Go analogue of the original's Task, which
// stepped a coroutine through its Delayer yield points: here, the
// goroutine itself is the suspended continuation.
func TaskFn[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		v, err := fn(ctx)
		f.settleResult(v, err)
	}()
	return f
}

func (f *Future[T]) settleResult(v T, err error) {
	if err != nil {
		f.Reject(err)
		return
	}
	f.Resolve(v)
}

// Lazy wraps a thunk that is only started the first time Get or Then is
// called on the returned Future, matching the original's Lazy: work that
// is declared but may never be needed costs nothing until it is.
type Lazy[T any] struct {
	start func() *Future[T]
	once  sync.Once
	inner *Future[T]
}

// NewLazy returns a Lazy that, on first use, runs fn on its own goroutine
// exactly as TaskFn does.
func NewLazy[T any](ctx context.Context, fn func(context.Context) (T, error)) *Lazy[T] {
	l := &Lazy[T]{}
	l.start = func() *Future[T] { return TaskFn(ctx, fn) }
	return l
}

func (l *Lazy[T]) ensureStarted() *Future[T] {
	l.once.Do(func() {
		l.inner = l.start()
	})
	return l.inner
}

// Then starts the underlying task if it has not already started, then
// behaves like Future.Then.
func (l *Lazy[T]) Then(cb func(T, error)) {
	l.ensureStarted().Then(cb)
}

// Get starts the underlying task if needed and blocks for its result.
func (l *Lazy[T]) Get() (T, error) {
	return l.ensureStarted().Get()
}
