// Package backoff computes delays between invocation retries.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retry n. Retry 1 follows the
	// first failed attempt.
	Delay(retry int) time.Duration
}

// Constant waits the same interval before every retry.
type Constant time.Duration

// Delay implements Strategy.
func (c Constant) Delay(int) time.Duration {
	return time.Duration(c)
}

// Jittered is exponential backoff with full jitter: retry n waits a uniform
// random duration in [0, min(Initial * 2^(n-1), Max)].
type Jittered struct {
	Initial time.Duration
	Max     time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// NewJittered creates exponential backoff with full jitter.
func NewJittered(initial, maxDelay time.Duration) *Jittered {
	return &Jittered{Initial: initial, Max: maxDelay}
}

// Ceiling returns the upper bound of the delay before retry n.
func (j *Jittered) Ceiling(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	ceiling := float64(j.Initial) * math.Pow(2, float64(retry-1))
	if j.Max > 0 && ceiling > float64(j.Max) {
		ceiling = float64(j.Max)
	}
	if ceiling > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ceiling)
}

// Delay implements Strategy.
func (j *Jittered) Delay(retry int) time.Duration {
	r := j.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(j.Ceiling(retry))) //nolint:gosec // jitter does not need crypto rand
}

// Default is the engine's retry backoff: 1s initial, 1m cap.
func Default() Strategy {
	return NewJittered(time.Second, time.Minute)
}

// Sleep waits d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
