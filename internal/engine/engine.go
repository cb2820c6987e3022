package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dss/internal/backoff"
	"github.com/roach88/dss/internal/driver"
	"github.com/roach88/dss/internal/store"
	"github.com/roach88/dss/internal/visitation"
)

// Step names recorded with checkpoints.
const (
	StepJobInitialize    = "job_initialize"
	StepWalkerInitialize = "walker_initialize"
	StepWalkerWalk       = "walker_walk"
	StepWalkerFinalize   = "walker_finalize"
	StepWalkerFailed     = "walker_failed"
	StepJobFinalize      = "job_finalize"
	StepJobFailed        = "job_failed"
)

// Policy is the retry and deadline policy applied to every invocation.
type Policy struct {
	// MaxAttempts bounds the attempts of one invocation, the first included.
	MaxAttempts int

	// InvocationTimeout is the hard deadline of one invocation.
	InvocationTimeout time.Duration

	// ShutdownMargin is the part of the deadline walkers keep in reserve to
	// persist a checkpoint. Must be shorter than InvocationTimeout.
	ShutdownMargin time.Duration

	// Backoff computes the delay between attempts.
	Backoff backoff.Strategy
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InvocationTimeout: 5 * time.Minute,
		ShutdownMargin:    30 * time.Second,
		Backoff:           backoff.Default(),
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InvocationTimeout <= 0 {
		return fmt.Errorf("invocation_timeout must be positive, got %s", p.InvocationTimeout)
	}
	if p.ShutdownMargin < 0 || p.ShutdownMargin >= p.InvocationTimeout {
		return fmt.Errorf("shutdown_margin (%s) must be in [0, invocation_timeout (%s))", p.ShutdownMargin, p.InvocationTimeout)
	}
	return nil
}

// RemainingFactory builds the remaining-time oracle of one invocation from
// the invocation's context.
type RemainingFactory func(ctx context.Context) visitation.RemainingTimer

// Engine runs visitation executions against a store.
//
// Thread-safety: an Engine may run several executions concurrently, but a
// single execution must not be run by two callers at once.
type Engine struct {
	store     *store.Store
	driver    *driver.Driver
	policy    Policy
	remaining RemainingFactory
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the invocation policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithRemaining overrides the remaining-time oracle. The default reads the
// invocation context's deadline.
func WithRemaining(f RemainingFactory) Option {
	return func(e *Engine) {
		e.remaining = f
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine over a store and a driver.
func New(s *store.Store, d *driver.Driver, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		driver:    d,
		policy:    DefaultPolicy(),
		remaining: visitation.FromContext,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.Backoff == nil {
		e.policy.Backoff = backoff.Default()
	}
	return e
}

// Outcome summarizes an execution.
type Outcome struct {
	Name        string          `json:"name"`
	ClassName   string          `json:"class_name"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Invocations int64           `json:"invocations"`
}

// Submit records a new execution. It implements visitation.Submitter; the
// returned handle is the execution name.
func (e *Engine) Submit(ctx context.Context, name string, input visitation.State) (string, error) {
	className, err := input.ClassName()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	if err := e.store.CreateExecution(ctx, name, className, data); err != nil {
		return "", err
	}
	e.logger.Info("execution submitted", "execution", name, "visitation", className)
	return name, nil
}

// Start submits a new execution of className and runs it.
func (e *Engine) Start(ctx context.Context, className string, p visitation.StartParams) (*Outcome, error) {
	exec, err := e.driver.Registry().Start(ctx, e, className, p)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, exec.Name)
}

// Status reports the persisted state of an execution.
func (e *Engine) Status(ctx context.Context, name string) (*Outcome, error) {
	rec, err := e.store.GetExecution(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.outcome(ctx, rec)
}

func (e *Engine) outcome(ctx context.Context, rec *store.ExecutionRecord) (*Outcome, error) {
	seq, err := e.store.MaxSeq(ctx, rec.Name)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Name:        rec.Name,
		ClassName:   rec.ClassName,
		Status:      rec.Status,
		Result:      rec.Result,
		Error:       rec.Error,
		Invocations: seq,
	}, nil
}

// Run executes a submitted execution to completion, resuming every lane
// from its latest checkpoint. A finished execution is reported as is.
//
// Run returns the outcome and, for a FAILED execution, the cause. If ctx is
// cancelled the execution stays RUNNING and Run returns its outcome together
// with ctx.Err().
func (e *Engine) Run(ctx context.Context, name string) (*Outcome, error) {
	rec, err := e.store.GetExecution(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.ExecutionRunning {
		return e.outcome(ctx, rec)
	}

	latest, err := e.store.LatestCheckpoints(ctx, name)
	if err != nil {
		return nil, err
	}
	seq, err := e.store.MaxSeq(ctx, name)
	if err != nil {
		return nil, err
	}

	var input visitation.State
	if err := json.Unmarshal(rec.Input, &input); err != nil {
		return nil, fmt.Errorf("execution %s: decode input: %w", name, err)
	}

	r := &run{
		engine: e,
		name:   name,
		clock:  NewClockAt(seq),
		logger: e.logger.With("execution", name),
	}
	r.logger.Info("execution running", "visitation", rec.ClassName, "resumed", len(latest) > 0)

	job := input
	if cp, ok := latest[store.JobLane]; ok {
		if job, err = decodeState(cp.State); err != nil {
			return nil, fmt.Errorf("execution %s: %w", name, err)
		}
		if cp.Step == StepJobFinalize {
			return r.succeed(ctx, job)
		}
	} else {
		job, err = r.invoke(ctx, store.JobLane, StepJobInitialize, func(ctx context.Context, env visitation.Env) (visitation.State, error) {
			return e.driver.JobInitialize(ctx, input, env)
		})
		if err != nil {
			return r.fail(ctx, input, err)
		}
	}

	var ids visitation.WorkIDs
	if _, err := job.Get(visitation.FieldWorkIDs, &ids); err != nil || !ids.Partitioned() {
		return r.fail(ctx, job, visitation.NewValidationError(rec.ClassName, "job state has no lane partition"))
	}

	finals := make([]visitation.State, len(ids.Lanes))
	g, gctx := errgroup.WithContext(ctx)
	for i := range ids.Lanes {
		start := job
		if cp, ok := latest[i]; ok {
			if start, err = decodeState(cp.State); err != nil {
				return nil, fmt.Errorf("execution %s: lane %d: %w", name, i, err)
			}
		}
		g.Go(func() error {
			final, err := r.lane(gctx, i, start)
			if err != nil {
				return err
			}
			finals[i] = final
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx)
		}
		return r.fail(ctx, job, err)
	}

	final, err := r.invoke(ctx, store.JobLane, StepJobFinalize, func(ctx context.Context, env visitation.Env) (visitation.State, error) {
		return e.driver.JobFinalize(ctx, finals, env)
	})
	if err != nil {
		return r.fail(ctx, job, err)
	}
	return r.succeed(ctx, final)
}

// run is the state of one Run call.
type run struct {
	engine *Engine
	name   string
	clock  *Clock
	logger *slog.Logger
}

type invocation func(ctx context.Context, env visitation.Env) (visitation.State, error)

// lane drives one lane until its status is end.
func (r *run) lane(ctx context.Context, lane int, state visitation.State) (visitation.State, error) {
	d := r.engine.driver
	for {
		var step string
		var fn invocation
		current := state
		switch current.Status() {
		case visitation.StatusEnd:
			return current, nil
		case visitation.StatusInit:
			step = StepWalkerInitialize
			fn = func(ctx context.Context, env visitation.Env) (visitation.State, error) {
				return d.WalkerInitialize(ctx, current, lane, env)
			}
		case visitation.StatusWalk:
			step = StepWalkerWalk
			fn = func(ctx context.Context, env visitation.Env) (visitation.State, error) {
				return d.WalkerWalk(ctx, current, env)
			}
		case visitation.StatusFinished:
			step = StepWalkerFinalize
			fn = func(ctx context.Context, env visitation.Env) (visitation.State, error) {
				return d.WalkerFinalize(ctx, current, env)
			}
		default:
			return nil, &InvocationError{
				Execution: r.name,
				Lane:      lane,
				Err:       visitation.NewValidationError("", "lane has status %q", current.Status()),
			}
		}

		next, err := r.invoke(ctx, lane, step, fn)
		if err != nil {
			if ctx.Err() == nil {
				r.failed(ctx, lane, StepWalkerFailed, current, d.WalkerFailed)
			}
			return nil, err
		}
		state = next
	}
}

// invoke runs one step with retries and checkpoints its result.
func (r *run) invoke(ctx context.Context, lane int, step string, fn invocation) (visitation.State, error) {
	policy := r.engine.policy
	for attempt := 1; ; attempt++ {
		out, err := r.attempt(ctx, lane, fn)
		if err == nil {
			if err := r.checkpoint(ctx, lane, step, out); err != nil {
				return nil, err
			}
			r.logger.Debug("invocation",
				"lane", lane,
				"step", step,
				"attempt", attempt,
				"status", out.Status(),
				"work_id", workID(out))
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsFatal(err) || attempt >= policy.MaxAttempts {
			return nil, &InvocationError{Execution: r.name, Lane: lane, Step: step, Attempts: attempt, Err: err}
		}

		delay := policy.Backoff.Delay(attempt)
		r.logger.Warn("invocation failed, retrying",
			"lane", lane,
			"step", step,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt runs fn once under the hard invocation deadline.
func (r *run) attempt(ctx context.Context, lane int, fn invocation) (visitation.State, error) {
	policy := r.engine.policy
	invCtx, cancel := context.WithTimeout(ctx, policy.InvocationTimeout)
	defer cancel()

	env := visitation.Env{
		Remaining: r.engine.remaining(invCtx),
		Margin:    policy.ShutdownMargin,
		Logger:    r.logger.With("lane", lane),
	}
	out, err := fn(invCtx, env)
	if err != nil {
		return nil, err
	}
	if invCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrInvocationTimeout
	}
	return out, nil
}

func (r *run) checkpoint(ctx context.Context, lane int, step string, state visitation.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", step, err)
	}
	return r.engine.store.WriteCheckpoint(ctx, store.Checkpoint{
		Execution: r.name,
		Seq:       r.clock.Next(),
		Lane:      lane,
		Step:      step,
		State:     data,
	})
}

// failed runs a failure hook once and records the unchanged state. Hook
// errors are logged; the original failure is what the execution reports.
func (r *run) failed(ctx context.Context, lane int, step string, state visitation.State,
	hook func(context.Context, visitation.State, visitation.Env) (visitation.State, error)) {
	out, err := r.attempt(ctx, lane, func(ctx context.Context, env visitation.Env) (visitation.State, error) {
		return hook(ctx, state, env)
	})
	if err != nil {
		r.logger.Error("failure hook failed", "lane", lane, "step", step, "error", err)
		out = state
	}
	if err := r.checkpoint(ctx, lane, step, out); err != nil {
		r.logger.Error("failure checkpoint failed", "lane", lane, "step", step, "error", err)
	}
}

// interrupted reports a run stopped by cancellation. The execution stays
// RUNNING; the outcome is read outside the cancelled context.
func (r *run) interrupted(ctx context.Context) (*Outcome, error) {
	r.logger.Info("execution interrupted")
	out, err := r.engine.Status(context.WithoutCancel(ctx), r.name)
	if err != nil {
		return nil, errors.Join(ctx.Err(), err)
	}
	return out, ctx.Err()
}

func (r *run) fail(ctx context.Context, job visitation.State, cause error) (*Outcome, error) {
	if ctx.Err() != nil {
		return r.interrupted(ctx)
	}
	r.failed(ctx, store.JobLane, StepJobFailed, job, r.engine.driver.JobFailed)
	r.logger.Error("execution failed", "error", cause)

	if err := r.engine.store.FinishExecution(ctx, r.name, store.ExecutionFailed, nil, cause.Error()); err != nil {
		return nil, errors.Join(cause, err)
	}
	out, err := r.engine.Status(ctx, r.name)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return out, cause
}

func (r *run) succeed(ctx context.Context, final visitation.State) (*Outcome, error) {
	result := final[visitation.FieldWorkResult]
	if err := r.engine.store.FinishExecution(ctx, r.name, store.ExecutionSucceeded, result, ""); err != nil {
		return nil, err
	}
	r.logger.Info("execution succeeded", "result", string(result))
	return r.engine.Status(ctx, r.name)
}

func decodeState(data json.RawMessage) (visitation.State, error) {
	var s visitation.State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return s, nil
}

func workID(s visitation.State) string {
	var id string
	_, _ = s.Get(visitation.FieldWorkID, &id)
	return id
}
