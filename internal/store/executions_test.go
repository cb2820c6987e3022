package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutions_Lifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, "reindex--0001", "reindex", json.RawMessage(`{"replica":"aws"}`)))
	assert.Error(t, s.CreateExecution(ctx, "reindex--0001", "reindex", json.RawMessage(`{}`)), "names are unique")

	rec, err := s.GetExecution(ctx, "reindex--0001")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, rec.Status)
	assert.Equal(t, "reindex", rec.ClassName)
	assert.JSONEq(t, `{"replica":"aws"}`, string(rec.Input))
	assert.Nil(t, rec.Result)

	require.NoError(t, s.FinishExecution(ctx, "reindex--0001", ExecutionSucceeded, json.RawMessage(`{"processed":3}`), ""))
	rec, err = s.GetExecution(ctx, "reindex--0001")
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, rec.Status)
	assert.JSONEq(t, `{"processed":3}`, string(rec.Result))
}

func TestExecutions_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.FinishExecution(ctx, "missing", ExecutionFailed, nil, "boom"), ErrNotFound)

	require.NoError(t, s.CreateExecution(ctx, "x", "storage", json.RawMessage(`{}`)))
	assert.Error(t, s.FinishExecution(ctx, "x", ExecutionRunning, nil, ""))
}

func TestListExecutions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, "b", "storage", json.RawMessage(`{}`)))
	require.NoError(t, s.CreateExecution(ctx, "a", "reindex", json.RawMessage(`{}`)))
	require.NoError(t, s.FinishExecution(ctx, "a", ExecutionFailed, nil, "walker failed"))

	recs, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Name)
	assert.Equal(t, "walker failed", recs[0].Error)
	assert.Equal(t, "b", recs[1].Name)
}

func TestCheckpoints_LatestPerLane(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, "x", "reindex", json.RawMessage(`{}`)))

	cps := []Checkpoint{
		{Execution: "x", Seq: 1, Lane: JobLane, Step: "job_initialize", State: json.RawMessage(`{"n":1}`)},
		{Execution: "x", Seq: 2, Lane: 0, Step: "walker_initialize", State: json.RawMessage(`{"n":2}`)},
		{Execution: "x", Seq: 3, Lane: 1, Step: "walker_initialize", State: json.RawMessage(`{"n":3}`)},
		{Execution: "x", Seq: 4, Lane: 0, Step: "walker_walk", State: json.RawMessage(`{"n":4}`)},
	}
	for _, cp := range cps {
		require.NoError(t, s.WriteCheckpoint(ctx, cp))
	}
	assert.Error(t, s.WriteCheckpoint(ctx, cps[0]), "seq is unique")

	latest, err := s.LatestCheckpoints(ctx, "x")
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, int64(1), latest[JobLane].Seq)
	assert.Equal(t, "walker_walk", latest[0].Step)
	assert.JSONEq(t, `{"n":4}`, string(latest[0].State))
	assert.Equal(t, int64(3), latest[1].Seq)

	all, err := s.ReadCheckpoints(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	seq, err := s.MaxSeq(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	seq, err = s.MaxSeq(ctx, "none")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestCheckpoints_RequireExecution(t *testing.T) {
	s := createTestStore(t)

	err := s.WriteCheckpoint(context.Background(), Checkpoint{Execution: "ghost", Seq: 1, Step: "x", State: json.RawMessage(`{}`)})
	assert.Error(t, err, "foreign keys are enforced")
}
