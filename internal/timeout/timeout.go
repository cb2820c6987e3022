// Package timeout bounds a single synchronous call to a fixed duration.
//
// The call runs on its own goroutine under a context that is cancelled at
// the deadline. When the deadline passes first, Run stops waiting, records
// the timeout and returns nil. The call itself only halts if it honours its
// context; in-flight I/O that ignores cancellation keeps running in the
// background until it returns on its own.
package timeout

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Timeout guards one unit of work. A Timeout is single use.
type Timeout struct {
	limit      time.Duration
	didTimeout atomic.Bool
	used       atomic.Bool
}

// New creates a guard for calls lasting at most limit.
func New(limit time.Duration) *Timeout {
	return &Timeout{limit: limit}
}

// Seconds creates a guard for calls lasting at most n whole seconds.
func Seconds(n int) *Timeout {
	return New(time.Duration(n) * time.Second)
}

// DidTimeout reports whether the guarded call overran the limit.
func (t *Timeout) DidTimeout() bool {
	return t.didTimeout.Load()
}

// Run calls fn and waits at most the limit for it to return.
//
// If fn returns first, its error is returned unchanged. A panic in fn is
// re-raised in the caller with the original value. If the limit passes first, DidTimeout becomes
// true and Run returns nil. A context.DeadlineExceeded returned by fn after
// the guard's own deadline is treated as the timeout, not as an error.
func (t *Timeout) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if !t.used.CompareAndSwap(false, true) {
		return errors.New("timeout: guard reused")
	}

	callCtx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()

	type outcome struct {
		err       error
		recovered any
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.recovered = r
			}
			done <- out
		}()
		out.err = fn(callCtx)
	}()

	select {
	case out := <-done:
		if out.recovered != nil {
			panic(out.recovered)
		}
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil && callCtx.Err() != nil {
			t.didTimeout.Store(true)
			return nil
		}
		return out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.didTimeout.Store(true)
		return nil
	}
}

// Run is shorthand for New(limit).Run(ctx, fn). It returns whether the call
// timed out and the call's error.
func Run(ctx context.Context, limit time.Duration, fn func(ctx context.Context) error) (bool, error) {
	t := New(limit)
	err := t.Run(ctx, fn)
	return t.DidTimeout(), err
}
