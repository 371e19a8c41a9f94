// Package funnel implements the concurrency/rate/retry admission primitive
// spec §4.1 requires in front of every outbound network operation: plain
// admission (push), retrying admission (pushRetry), memoizing admission
// (pushMemoized), and a rate-limited variant.
package funnel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nimbuscall/nimbuscall/internal/engine/future"
)

// Task is the unit of work a Funnel admits.
type Task[T any] func(ctx context.Context) (T, error)

// ShouldRetry decides whether a failed attempt should be reissued. err is
// the failure from the most recent attempt and attempt is the zero-based
// count of retries already performed. Must be synchronous (spec §5:
// "User-provided callbacks (shouldRetry) must be synchronous").
type ShouldRetry func(err error, attempt int) bool

type waiter[T any] struct {
	ctx  context.Context
	fut  *future.Future[T]
	task Task[T]
}

// Funnel bounds concurrent execution of Tasks to maxConcurrency (0 means
// unlimited), queuing excess admissions FIFO, per spec §4.1.
type Funnel[T any] struct {
	mu             sync.Mutex
	maxConcurrency int
	runningCount   int
	pendingQueue   []*waiter[T]
	limiter        *rate.Limiter
	retries        uint64
	group          singleflight.Group
}

// New returns a Funnel admitting up to maxConcurrency tasks concurrently.
// maxConcurrency of 0 means unlimited.
func New[T any](maxConcurrency int) *Funnel[T] {
	return &Funnel[T]{maxConcurrency: maxConcurrency}
}

// NewRateLimited returns a Funnel that additionally throttles admission to
// targetRps sustained requests/second with the given burst, via
// golang.org/x/time/rate.
func NewRateLimited[T any](maxConcurrency int, targetRps float64, burst int) *Funnel[T] {
	f := New[T](maxConcurrency)
	f.limiter = rate.NewLimiter(rate.Limit(targetRps), burst)
	return f
}

// Push admits task when runningCount < maxConcurrency; otherwise it is
// queued until capacity frees up. The returned Future settles with task's
// outcome.
func (f *Funnel[T]) Push(ctx context.Context, task Task[T]) *future.Future[T] {
	fut := future.New[T]()
	w := &waiter[T]{ctx: ctx, fut: fut, task: task}

	f.mu.Lock()
	admit := f.maxConcurrency == 0 || f.runningCount < f.maxConcurrency
	if admit {
		f.runningCount++
	} else {
		f.pendingQueue = append(f.pendingQueue, w)
	}
	f.mu.Unlock()

	if admit {
		f.run(w)
	}
	return fut
}

func (f *Funnel[T]) run(w *waiter[T]) {
	go func() {
		defer f.admitNext()

		if f.limiter != nil {
			if err := f.limiter.Wait(w.ctx); err != nil {
				w.fut.Reject(err)
				return
			}
		}

		v, err := f.runTask(w)
		if err != nil {
			w.fut.Reject(err)
		} else {
			w.fut.Resolve(v)
		}
	}()
}

// runTask invokes w.task, recovering a panic into an error so it settles
// the caller's future instead of crashing the process and leaking the
// admitted permit.
func (f *Funnel[T]) runTask(w *waiter[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("funnel: task panicked: %v", r)
		}
	}()
	return w.task(w.ctx)
}

// admitNext decrements runningCount for the task that just finished and,
// if a waiter is queued, admits it.
func (f *Funnel[T]) admitNext() {
	f.mu.Lock()
	f.runningCount--
	var next *waiter[T]
	if len(f.pendingQueue) > 0 && (f.maxConcurrency == 0 || f.runningCount < f.maxConcurrency) {
		next = f.pendingQueue[0]
		f.pendingQueue = f.pendingQueue[1:]
		f.runningCount++
	}
	f.mu.Unlock()

	if next != nil {
		f.run(next)
	}
}

// SetMaxConcurrency changes the admission limit and retroactively admits up
// to n - runningCount queued waiters.
func (f *Funnel[T]) SetMaxConcurrency(n int) {
	f.mu.Lock()
	f.maxConcurrency = n
	var admitted []*waiter[T]
	for len(f.pendingQueue) > 0 && (n == 0 || f.runningCount < n) {
		w := f.pendingQueue[0]
		f.pendingQueue = f.pendingQueue[1:]
		f.runningCount++
		admitted = append(admitted, w)
	}
	f.mu.Unlock()

	for _, w := range admitted {
		f.run(w)
	}
}

// PendingFutures returns the futures of all currently unadmitted waiters,
// so a caller (the lifecycle controller's stop path) can reject them.
func (f *Funnel[T]) PendingFutures() []*future.Future[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*future.Future[T], len(f.pendingQueue))
	for i, w := range f.pendingQueue {
		out[i] = w.fut
	}
	return out
}

// DrainPending removes and returns all queued waiters' futures, leaving the
// queue empty. Used by stop to reject them without racing new admissions.
func (f *Funnel[T]) DrainPending() []*future.Future[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*future.Future[T], len(f.pendingQueue))
	for i, w := range f.pendingQueue {
		out[i] = w.fut
	}
	f.pendingQueue = nil
	return out
}

// RunningCount reports the number of tasks currently admitted and running.
func (f *Funnel[T]) RunningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runningCount
}

// Retries reports the cumulative count of retry attempts issued by
// PushRetry.
func (f *Funnel[T]) Retries() uint64 {
	return atomic.LoadUint64(&f.retries)
}

// PushRetry admits task and, on failure, consults shouldRetry; if it
// returns true the task is reissued after an exponential backoff (from 1s,
// capped at 5s) without re-entering the admission queue — the retry loop
// runs inside the single admitted slot task occupied.
func (f *Funnel[T]) PushRetry(ctx context.Context, shouldRetry ShouldRetry, task Task[T]) *future.Future[T] {
	wrapped := func(ctx context.Context) (T, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 5 * time.Second
		b.Reset()

		attempt := 0
		for {
			v, err := task(ctx)
			if err == nil {
				return v, nil
			}
			if !shouldRetry(err, attempt) {
				return v, err
			}
			atomic.AddUint64(&f.retries, 1)
			attempt++

			d := b.NextBackOff()
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return v, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return f.Push(ctx, wrapped)
}

// PushMemoized returns the single inflight-or-just-completed future for
// key: concurrent callers sharing a key collapse onto one underlying task
// execution (still admitted through the funnel's normal concurrency
// limit), while distinct keys run concurrently.
func (f *Funnel[T]) PushMemoized(ctx context.Context, key string, task Task[T]) *future.Future[T] {
	fut := future.New[T]()
	go func() {
		v, err, _ := f.group.Do(key, func() (interface{}, error) {
			return f.Push(ctx, task).Wait()
		})
		if err != nil {
			fut.Reject(err)
			return
		}
		fut.Resolve(v.(T))
	}()
	return fut
}
