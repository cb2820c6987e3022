// Package visitation implements a resumable partition-and-walk batch framework.
//
// A visitation splits its problem domain into opaque work ids, hands them to
// a fixed number of lanes, and lets each lane walk its ids one invocation at
// a time. Nothing survives between invocations except the State the workflow
// engine passes back in, so every hook must leave a complete resumption point
// behind before it returns.
//
// Concrete visitations embed Base, declare their job- and walker-scoped
// fields as JSON-tagged struct fields, and implement JobInitialize,
// JobFinalize and WalkerWalk. The remaining hooks default to no-ops.
//
// Time budgets are read from an injected RemainingTimer, never from the wall
// clock directly, so the same code runs under any host's invocation limits.
package visitation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// JobController runs the job-level hooks.
type JobController interface {
	// JobInitialize computes the full work_ids partition of the problem.
	JobInitialize(ctx context.Context) error

	// JobFinalize folds the per-lane work results into the job result.
	JobFinalize(ctx context.Context, results []json.RawMessage) error

	// JobFinalizeFailed records terminal bookkeeping for a failed job.
	JobFinalizeFailed(ctx context.Context) error
}

// WalkerController runs the walker-level hooks of one lane.
type WalkerController interface {
	WalkerInitialize(ctx context.Context) error

	// WalkerWalk processes the current work id until it is drained or the
	// time budget runs out. It sets StatusFinished once the item is drained
	// and otherwise persists a resumption point in its walker fields.
	WalkerWalk(ctx context.Context) error

	WalkerFinalize(ctx context.Context) error
	WalkerFinalizeFailed(ctx context.Context) error
}

// Visitation is a concrete batch job type.
type Visitation interface {
	JobController
	WalkerController

	// Core exposes the fields shared by every visitation.
	Core() *Base

	// ResetWalker restores every walker-scoped field to a fresh default,
	// severing state carried over from the previous work id.
	ResetWalker()
}

// RemainingTimer reports how much of the current invocation's budget is left.
type RemainingTimer interface {
	RemainingTimeMillis() int64
}

// RemainingFunc adapts a function to RemainingTimer.
type RemainingFunc func() int64

// RemainingTimeMillis implements RemainingTimer.
func (f RemainingFunc) RemainingTimeMillis() int64 { return f() }

// FromContext returns a RemainingTimer backed by ctx's deadline. A context
// without a deadline reports an unbounded budget.
func FromContext(ctx context.Context) RemainingTimer {
	return RemainingFunc(func() int64 {
		deadline, ok := ctx.Deadline()
		if !ok {
			return math.MaxInt64
		}
		return time.Until(deadline).Milliseconds()
	})
}

// Env carries the per-invocation collaborators of a visitation.
type Env struct {
	// Remaining is the invocation's remaining-time oracle. Nil means
	// unbounded.
	Remaining RemainingTimer

	// Margin is kept in reserve for persisting a checkpoint; walkers stop
	// consuming work once the remaining time falls to Margin.
	Margin time.Duration

	Logger *slog.Logger
}

// Base holds the fields shared by every visitation and the default hooks.
type Base struct {
	ClassName       string       `json:"visitation_class_name"`
	Status          WalkerStatus `json:"status"`
	NumberOfWorkers int          `json:"number_of_workers"`
	WorkIDs         WorkIDs      `json:"work_ids"`
	WorkID          string       `json:"work_id"`

	env Env
}

// Core implements Visitation.
func (b *Base) Core() *Base { return b }

// Bind attaches the invocation environment.
func (b *Base) Bind(env Env) {
	b.env = env
}

// Logger returns a logger annotated with the visitation and current work id.
func (b *Base) Logger() *slog.Logger {
	l := b.env.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("visitation", b.ClassName, "work_id", b.WorkID)
}

// RemainingRuntime returns the time left in the current invocation.
func (b *Base) RemainingRuntime() time.Duration {
	if b.env.Remaining == nil {
		return time.Duration(math.MaxInt64)
	}
	ms := b.env.Remaining.RemainingTimeMillis()
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// OutOfTime reports whether the remaining budget has fallen to the margin
// reserved for checkpointing.
func (b *Base) OutOfTime() bool {
	return b.RemainingRuntime() <= b.env.Margin
}

// JobFinalizeFailed is a no-op by default.
func (b *Base) JobFinalizeFailed(context.Context) error { return nil }

// WalkerInitialize is a no-op by default. The driver resets walker fields
// before calling it.
func (b *Base) WalkerInitialize(context.Context) error { return nil }

// WalkerFinalize is a no-op by default.
func (b *Base) WalkerFinalize(context.Context) error { return nil }

// WalkerFinalizeFailed is a no-op by default.
func (b *Base) WalkerFinalizeFailed(context.Context) error { return nil }

// Aggregate decodes each lane result as R and folds them with merge,
// starting from the zero R. Lanes that never produced a result (JSON null or
// empty) are skipped. merge must be commutative and associative because
// lanes finish in no particular order.
func Aggregate[R any](results []json.RawMessage, merge func(acc, next R) R) (R, error) {
	var acc R
	for i, raw := range results {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var next R
		if err := json.Unmarshal(raw, &next); err != nil {
			return acc, fmt.Errorf("aggregate lane %d: %w", i, err)
		}
		acc = merge(acc, next)
	}
	return acc, nil
}

// HexPrefixes partitions a hex keyspace by leading characters: 16
// single-character prefixes for up to 16 workers, 256 two-character prefixes
// otherwise.
func HexPrefixes(workers int) []string {
	const digits = "0123456789abcdef"
	if workers <= len(digits) {
		out := make([]string, 0, len(digits))
		for _, c := range digits {
			out = append(out, string(c))
		}
		return out
	}
	out := make([]string, 0, len(digits)*len(digits))
	for _, hi := range digits {
		for _, lo := range digits {
			out = append(out, string(hi)+string(lo))
		}
	}
	return out
}
