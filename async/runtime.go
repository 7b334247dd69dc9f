package async

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"mason/internal/oninterrupt"
)

// Runtime is the process-wide task host: it owns the interrupt future
// every bridged task races against, a bounded worker pool for offloaded
// blocking work, and the cooperative yield point tasks can poll between
// synchronous bursts. It is the Go counterpart of the original's Bridge
// module, minus the asyncio event-loop bookkeeping Go doesn't need.
type Runtime struct {
	interrupt *Future[struct{}]

	mu        sync.Mutex
	shutdown  bool
	unregister func()

	sem chan struct{} // bounds Offload concurrency

	redLightMu sync.Mutex
	redLight   chan struct{}
}

// NewRuntime returns a Runtime whose offload pool is sized to the number
// of available CPUs, matching the worker-pool sizing convention in
// internal/batch/batch.go.
func NewRuntime() *Runtime {
	r := &Runtime{
		interrupt: NewFuture[struct{}](),
		sem:       make(chan struct{}, runtime.NumCPU()),
	}
	r.unregister = oninterrupt.Register(r.Shutdown)
	return r
}

// Shutdown fulfills the interrupt future, cancelling every task composed
// with it via Attach or GatherCancel. Idempotent. Mirrors Bridge.shutdown.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	r.mu.Unlock()
	r.interrupt.Resolve(struct{}{})
}

// Close detaches this Runtime's SIGINT handler. Call when the Runtime is
// no longer needed (e.g. at the end of a test) to avoid leaking a
// registration in the process-wide oninterrupt list.
func (r *Runtime) Close() {
	if r.unregister != nil {
		r.unregister()
	}
}

// IsShutdown reports whether Shutdown has been called or SIGINT received.
func (r *Runtime) IsShutdown() bool {
	return r.interrupt.Done()
}

// Interrupt returns the process-wide interrupt future, for composing with
// GatherCancel directly.
func (r *Runtime) Interrupt() *Future[struct{}] { return r.interrupt }

// Attach composes fn's task with the runtime's interrupt: if the runtime
// is shut down before fn completes, the returned future settles with
// Interrupted instead of waiting for fn.
func (r *Runtime) Attach(ctx context.Context, fn func(context.Context) (struct{}, error)) *Future[struct{}] {
	if r.IsShutdown() {
		return Failed[struct{}](Interrupted)
	}
	task := TaskFn(ctx, fn)
	out := NewFuture[struct{}]()
	done := make(chan struct{})
	go func() {
		v, err := task.Get()
		select {
		case <-done:
		default:
			out.settleResult(v, err)
			close(done)
		}
	}()
	go func() {
		r.interrupt.Then(func(struct{}, error) {
			select {
			case <-done:
			default:
				out.Reject(Interrupted)
				close(done)
			}
		})
	}()
	return out
}

// RedLight cooperatively yields to any sibling goroutines scheduled
// before this call, via a channel round-trip rather than a bare
// runtime.Gosched so the yield has an observable completion even under
// GOMAXPROCS=1. Mirrors the original's RedLight module: callers insert a
// RedLight point between a task's scheduling and a following synchronous
// burst of work so queued siblings are not starved.
func (r *Runtime) RedLight(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	ch := make(chan struct{})
	go func() { close(ch) }()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offload runs fn on the runtime's bounded worker pool and returns a
// Future for its result. Submission itself hops through one RedLight
// yield first, so callers that offload many items in a tight loop do not
// starve work already queued ahead of them.
func Offload[T any](ctx context.Context, r *Runtime, fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		if err := r.RedLight(ctx); err != nil {
			f.Reject(err)
			return
		}
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			f.Reject(ctx.Err())
			return
		}
		defer func() { <-r.sem }()
		v, err := fn()
		f.settleResult(v, err)
	}()
	return f
}

// OffloadGroup runs fns concurrently on the runtime's worker pool via
// errgroup and returns the first error once every fn has returned (the
// same all-must-succeed discipline GatherTuple implements, but scoped to
// a single pool-bounded batch). A failure does not stop the other fns.
func OffloadGroup(ctx context.Context, r *Runtime, fns []func() error) error {
	eg, _ := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		eg.Go(func() error {
			r.sem <- struct{}{}
			defer func() { <-r.sem }()
			return fn()
		})
	}
	return eg.Wait()
}
