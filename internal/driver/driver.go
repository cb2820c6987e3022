// Package driver bridges a workflow engine's invoke-with-state model to
// visitation instances.
//
// Every entry point follows the same shape: rebuild the visitation from the
// incoming State, run exactly one hook, serialize the result into a new
// State. The incoming State is never modified, so an engine may retry an
// invocation with the same input.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/dss/internal/visitation"
)

// Driver runs visitation hooks for a registry of types.
type Driver struct {
	registry *visitation.Registry
	logger   *slog.Logger
}

// New creates a driver. A nil logger uses slog.Default().
func New(registry *visitation.Registry, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{registry: registry, logger: logger}
}

// Registry returns the driver's visitation registry.
func (d *Driver) Registry() *visitation.Registry {
	return d.registry
}

func (d *Driver) load(state visitation.State, env visitation.Env) (visitation.Visitation, error) {
	if env.Logger == nil {
		env.Logger = d.logger
	}
	return d.registry.Load(state, env)
}

// JobInitialize runs the job_initialize hook, then distributes work_ids
// round-robin: id i goes to lane i mod number_of_workers.
func (d *Driver) JobInitialize(ctx context.Context, state visitation.State, env visitation.Env) (visitation.State, error) {
	v, err := d.load(state, env)
	if err != nil {
		return nil, err
	}
	core := v.Core()
	if err := v.JobInitialize(ctx); err != nil {
		return nil, err
	}
	if core.WorkIDs.Partitioned() {
		return nil, visitation.NewValidationError(core.ClassName, "job_initialize produced partitioned work_ids")
	}

	ids := core.WorkIDs.Items
	workers := core.NumberOfWorkers
	if workers < 1 {
		return nil, visitation.NewValidationError(core.ClassName, "number_of_workers must be at least 1, got %d", workers)
	}
	if workers > len(ids) {
		return nil, visitation.NewValidationError(core.ClassName,
			"number_of_workers (%d) exceeds the number of work_ids (%d)", workers, len(ids))
	}

	core.WorkIDs = visitation.WorkIDs{Lanes: Partition(ids, workers)}
	core.Status = visitation.StatusInit

	d.logger.Debug("job initialized",
		"visitation", core.ClassName,
		"work_ids", len(ids),
		"lanes", workers)
	return visitation.Encode(v)
}

// Partition assigns ids[i] to lane i mod n. Every lane receives
// floor(len/n) or ceil(len/n) ids, in their original relative order.
func Partition(ids []string, n int) [][]string {
	lanes := make([][]string, n)
	for i := range lanes {
		lanes[i] = make([]string, 0, len(ids)/n+1)
	}
	for i, id := range ids {
		lanes[i%n] = append(lanes[i%n], id)
	}
	return lanes
}

// WalkerInitialize starts the next work item of a lane. On the first entry
// of a lane the partitioned work_ids are narrowed to the lane's own queue.
// The first queued id becomes work_id and every walker field is reset.
//
// A lane whose queue is empty ends immediately without running the hook.
func (d *Driver) WalkerInitialize(ctx context.Context, state visitation.State, branch int, env visitation.Env) (visitation.State, error) {
	v, err := d.load(state, env)
	if err != nil {
		return nil, err
	}
	core := v.Core()

	if core.WorkIDs.Partitioned() {
		lanes := core.WorkIDs.Lanes
		if branch < 0 || branch >= len(lanes) {
			return nil, visitation.NewValidationError(core.ClassName, "branch %d out of range [0, %d)", branch, len(lanes))
		}
		core.WorkIDs = visitation.Flat(append([]string(nil), lanes[branch]...)...)
	}

	if !core.Status.CanTransition(visitation.StatusWalk) {
		return nil, visitation.NewInvalidStateError(core.ClassName, core.Status, visitation.StatusWalk)
	}

	queue := core.WorkIDs.Items
	if len(queue) == 0 {
		core.Status = visitation.StatusEnd
		return visitation.Encode(v)
	}

	v.ResetWalker()
	core.WorkID = queue[0]
	core.WorkIDs = visitation.Flat(queue[1:]...)
	core.Status = visitation.StatusWalk

	if err := v.WalkerInitialize(ctx); err != nil {
		return nil, err
	}

	d.logger.Debug("walker initialized",
		"visitation", core.ClassName,
		"lane", branch,
		"work_id", core.WorkID,
		"queued", len(queue)-1)
	return visitation.Encode(v)
}

// WalkerWalk runs one walk of the current work item. The hook either leaves
// status at walk with a persisted resumption point or sets it to finished.
func (d *Driver) WalkerWalk(ctx context.Context, state visitation.State, env visitation.Env) (visitation.State, error) {
	v, err := d.load(state, env)
	if err != nil {
		return nil, err
	}
	core := v.Core()
	if core.Status != visitation.StatusWalk {
		return nil, visitation.NewInvalidStateError(core.ClassName, core.Status, visitation.StatusWalk)
	}

	if err := v.WalkerWalk(ctx); err != nil {
		return nil, err
	}

	if !visitation.StatusWalk.CanTransition(core.Status) {
		return nil, visitation.NewInvalidStateError(core.ClassName, visitation.StatusWalk, core.Status)
	}
	return visitation.Encode(v)
}

// WalkerFinalize closes a drained work item. Status becomes init when the
// lane has queued ids left, end otherwise.
func (d *Driver) WalkerFinalize(ctx context.Context, state visitation.State, env visitation.Env) (visitation.State, error) {
	v, err := d.load(state, env)
	if err != nil {
		return nil, err
	}
	core := v.Core()
	if core.Status != visitation.StatusFinished {
		return nil, visitation.NewInvalidStateError(core.ClassName, core.Status, visitation.StatusFinished)
	}

	if err := v.WalkerFinalize(ctx); err != nil {
		return nil, err
	}

	if core.WorkIDs.Len() > 0 {
		core.Status = visitation.StatusInit
	} else {
		core.Status = visitation.StatusEnd
	}
	return visitation.Encode(v)
}

// WalkerFailed runs the walker_finalize_failed hook of a lane that could not
// complete. The state is returned unchanged for the engine to record.
func (d *Driver) WalkerFailed(ctx context.Context, state visitation.State, env visitation.Env) (visitation.State, error) {
	v, err := d.load(state, env)
	if err != nil {
		return state, err
	}
	if err := v.WalkerFinalizeFailed(ctx); err != nil {
		return state, err
	}
	return state, nil
}

// JobFailed runs the job_finalize_failed hook. The state is returned
// unchanged for the engine to record.
func (d *Driver) JobFailed(ctx context.Context, state visitation.State, env visitation.Env) (visitation.State, error) {
	v, err := d.load(state, env)
	if err != nil {
		return state, err
	}
	if err := v.JobFinalizeFailed(ctx); err != nil {
		return state, err
	}
	return state, nil
}

// JobFinalize folds the final states of every lane into the job state. The
// job fields come from the first lane; work_result is the aggregate of each
// lane's work_result.
func (d *Driver) JobFinalize(ctx context.Context, lanes []visitation.State, env visitation.Env) (visitation.State, error) {
	if len(lanes) == 0 {
		return nil, visitation.NewValidationError("", "job_finalize needs at least one lane state")
	}

	results := make([]json.RawMessage, len(lanes))
	for i, lane := range lanes {
		results[i] = lane[visitation.FieldWorkResult]
	}

	state := lanes[0].Clone()
	delete(state, visitation.FieldWorkResult)
	v, err := d.load(state, env)
	if err != nil {
		return nil, err
	}
	if err := v.JobFinalize(ctx, results); err != nil {
		return nil, fmt.Errorf("job_finalize %s: %w", v.Core().ClassName, err)
	}

	core := v.Core()
	core.Status = visitation.StatusEnd
	core.WorkID = ""
	core.WorkIDs = visitation.WorkIDs{}
	v.ResetWalker()

	d.logger.Debug("job finalized", "visitation", core.ClassName, "lanes", len(lanes))
	return visitation.Encode(v)
}
