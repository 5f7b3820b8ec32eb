package escrow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultDispatchConcurrency = 16
	defaultCallTimeout         = 30 * time.Second
)

// Dispatcher runs asset ledger calls and their continuations off the calling
// goroutine. Dispatch must return without running the task inline, since
// callers hold the coordinator lock.
type Dispatcher interface {
	Dispatch(task func(ctx context.Context))
}

// GoDispatcher runs tasks on goroutines bounded by a weighted semaphore. Each
// task receives a context that expires after the configured call timeout.
type GoDispatcher struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewGoDispatcher constructs a dispatcher. Non-positive values fall back to
// the defaults.
func NewGoDispatcher(concurrency int64, callTimeout time.Duration) *GoDispatcher {
	if concurrency <= 0 {
		concurrency = defaultDispatchConcurrency
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &GoDispatcher{
		sem:     semaphore.NewWeighted(concurrency),
		timeout: callTimeout,
		base:    base,
		cancel:  cancel,
	}
}

// Dispatch schedules task. When the dispatcher has been closed the task still
// runs, with an already cancelled context, so its continuation can observe the
// failure.
func (d *GoDispatcher) Dispatch(task func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.base, 1); err != nil {
			task(d.base)
			return
		}
		defer d.sem.Release(1)
		ctx, cancel := context.WithTimeout(d.base, d.timeout)
		defer cancel()
		task(ctx)
	}()
}

// Wait blocks until every scheduled task has returned or ctx expires.
func (d *GoDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels outstanding call contexts. Tasks still run to completion.
func (d *GoDispatcher) Close() { d.cancel() }
