package async

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// GatherTuple runs every future in fs concurrently and waits for all of
// them, matching the original's tuplePolicy: the first error encountered
// is returned, but only after every future has settled (no future is
// abandoned). This is the "all must succeed" gather.
func GatherTuple[T any](fs []*Future[T]) ([]T, error) {
	var eg errgroup.Group
	results := make([]T, len(fs))
	for i, f := range fs {
		i, f := i, f
		eg.Go(func() error {
			v, err := f.Get()
			results[i] = v
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// GatherOr returns the result of whichever future in fs settles
// successfully first; if all fail, the last error observed is returned.
// Matches the original's orPolicy.
func GatherOr[T any](fs []*Future[T]) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, len(fs))
	for _, f := range fs {
		f := f
		go func() {
			v, err := f.Get()
			ch <- result{v, err}
		}()
	}
	var lastErr error
	var zero T
	for range fs {
		r := <-ch
		if r.err == nil {
			return r.v, nil
		}
		lastErr = r.err
	}
	return zero, lastErr
}

// GatherAnd waits for every future in fs and returns all results only if
// every one succeeds; on the first failure observed it returns that error
// without waiting for the rest (the remaining futures are left to settle
// on their own). Matches the original's andPolicy.
func GatherAnd[T any](fs []*Future[T]) ([]T, error) {
	results := make([]T, len(fs))
	errCh := make(chan error, 1)
	doneCh := make(chan struct{})
	remaining := int32(len(fs))
	for i, f := range fs {
		i, f := i, f
		go func() {
			v, err := f.Get()
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			results[i] = v
			if atomic.AddInt32(&remaining, -1) == 0 {
				close(doneCh)
			}
		}()
	}
	select {
	case err := <-errCh:
		return nil, err
	case <-doneCh:
		return results, nil
	}
}

// GatherCancel races fs against the process Interrupt future: if the
// interrupt fires before every future in fs settles, GatherCancel returns
// Interrupted immediately. Matches the original's cancelPolicy, which
// bridge.py composes into every bridged task.
func GatherCancel[T any](interrupt *Future[struct{}], fs []*Future[T]) ([]T, error) {
	done := make(chan struct{})
	var results []T
	var err error
	go func() {
		results, err = GatherTuple(fs)
		close(done)
	}()
	select {
	case <-done:
		return results, err
	case <-interruptChan(interrupt):
		return nil, Interrupted
	}
}

func interruptChan(f *Future[struct{}]) <-chan struct{} {
	ch := make(chan struct{})
	f.Then(func(struct{}, error) { close(ch) })
	return ch
}
