package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dss/internal/blobstore"
	"github.com/roach88/dss/internal/testutil"
	"github.com/roach88/dss/internal/visitation"
	"github.com/roach88/dss/internal/zipalign"
)

func quietEnv(remaining visitation.RemainingTimer) visitation.Env {
	return visitation.Env{
		Remaining: remaining,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// twoReplicas returns replica A holding {k1,k2,k3} and B holding {k1,k3}
// under prefix "bundles/0".
func twoReplicas(pageSize int) (blobstore.Replicas, *blobstore.Memory, *blobstore.Memory) {
	a := blobstore.NewMemory(pageSize)
	a.Put("ba", "bundles/0k1", "bundles/0k2", "bundles/0k3", "bundles/1k9")
	b := blobstore.NewMemory(pageSize)
	b.Put("bb", "bundles/0k1", "bundles/0k3")
	return blobstore.Replicas{"A": a, "B": b}, a, b
}

func newStorage(t *testing.T, listers blobstore.Replicas, env visitation.Env) *Visitation {
	t.Helper()
	v := Factory(listers)().(*Visitation)
	v.ClassName = ClassName
	v.Replicas = map[string]Replica{"A": {Bucket: "ba"}, "B": {Bucket: "bb"}}
	v.Bind(env)
	return v
}

func TestWalkerWalk_CountsPresentAndMissing(t *testing.T) {
	listers, _, _ := twoReplicas(10)
	v := newStorage(t, listers, quietEnv(nil))
	v.WorkID = "0"
	v.Status = visitation.StatusWalk

	require.NoError(t, v.WalkerWalk(context.Background()))

	assert.Equal(t, visitation.StatusFinished, v.Status)
	assert.Equal(t, Result{
		"A": {Bucket: "ba", Present: 3, Missing: 0},
		"B": {Bucket: "bb", Present: 2, Missing: 1},
	}, v.WorkResult)
	assert.Nil(t, v.Row, "walker fields are cleared once the prefix is drained")
	assert.Empty(t, v.Tokens)
}

func TestWalkerWalk_ResumesDiffState(t *testing.T) {
	listers, _, _ := twoReplicas(1)

	var (
		state visitation.State
		err   error
		calls int
	)
	v := newStorage(t, listers, quietEnv(testutil.NewBudget(1, 1)))
	v.WorkID = "0"
	v.Status = visitation.StatusWalk

	// One row per invocation.
	for v.Status == visitation.StatusWalk {
		calls++
		require.Less(t, calls, 10, "walk does not converge")
		require.NoError(t, v.WalkerWalk(context.Background()))

		state, err = visitation.Encode(v)
		require.NoError(t, err)
		v = newStorage(t, listers, quietEnv(testutil.NewBudget(1, 1)))
		require.NoError(t, visitation.Decode(state, v))
	}

	assert.Equal(t, 4, calls, "three rows, then the terminal check")
	assert.Equal(t, Result{
		"A": {Bucket: "ba", Present: 3, Missing: 0},
		"B": {Bucket: "bb", Present: 2, Missing: 1},
	}, v.WorkResult)
}

func TestWalkerWalk_PersistsRowAndTokensOnYield(t *testing.T) {
	listers, _, _ := twoReplicas(1)
	v := newStorage(t, listers, quietEnv(testutil.NewBudget(2, 1)))
	v.WorkID = "0"
	v.Status = visitation.StatusWalk

	require.NoError(t, v.WalkerWalk(context.Background()))
	assert.Equal(t, visitation.StatusWalk, v.Status)
	require.NotNil(t, v.Row)
	assert.Equal(t, "(bundles/0k2, (bundles/0k2, bundles/0k3))", v.Row.String())
	assert.Contains(t, v.Tokens, "A")
	assert.Contains(t, v.Tokens, "B")

	state, err := visitation.Encode(v)
	require.NoError(t, err)
	var row zipalign.Row[string]
	_, err = state.Get("row", &row)
	require.NoError(t, err)
	assert.Equal(t, v.Row.String(), row.String())
}

func TestWalkerWalk_ReopensInvalidatedColumn(t *testing.T) {
	listers, a, _ := twoReplicas(1)
	v := newStorage(t, listers, quietEnv(testutil.NewBudget(2, 1)))
	v.WorkID = "0"
	v.Status = visitation.StatusWalk

	require.NoError(t, v.WalkerWalk(context.Background()))
	require.Equal(t, visitation.StatusWalk, v.Status)

	// Every token A handed out is now stale.
	a.Invalidate("ba")

	state, err := visitation.Encode(v)
	require.NoError(t, err)
	v = newStorage(t, listers, quietEnv(nil))
	require.NoError(t, visitation.Decode(state, v))
	require.NoError(t, v.WalkerWalk(context.Background()))

	assert.Equal(t, visitation.StatusFinished, v.Status)
	assert.Equal(t, Result{
		"A": {Bucket: "ba", Present: 3, Missing: 0},
		"B": {Bucket: "bb", Present: 2, Missing: 1},
	}, v.WorkResult)
}

func TestWalkerWalk_OrderViolationIsFatal(t *testing.T) {
	broken := blobstore.Paged{
		Fetch: func(ctx context.Context, bucket, prefix, token string, limit int) ([]string, string, error) {
			return []string{"bundles/0b", "bundles/0a"}, "", nil
		},
	}
	listers := blobstore.Replicas{"A": broken, "B": blobstore.NewMemory(10)}
	v := newStorage(t, listers, quietEnv(nil))
	v.WorkID = "0"
	v.Status = visitation.StatusWalk

	err := v.WalkerWalk(context.Background())
	var orderErr *zipalign.OrderError
	assert.True(t, errors.As(err, &orderErr))
}

func TestWalkerWalk_ListingErrorPropagates(t *testing.T) {
	listers, a, _ := twoReplicas(10)
	throttled := errors.New("throttled")
	a.FailNext(throttled)
	v := newStorage(t, listers, quietEnv(nil))
	v.WorkID = "0"
	v.Status = visitation.StatusWalk

	assert.ErrorIs(t, v.WalkerWalk(context.Background()), throttled)
}

func TestJobInitialize(t *testing.T) {
	listers, _, _ := twoReplicas(10)
	v := newStorage(t, listers, quietEnv(nil))
	v.NumberOfWorkers = 20

	require.NoError(t, v.JobInitialize(context.Background()))
	assert.Len(t, v.WorkIDs.Items, 256)
	assert.Equal(t, Result{"A": {Bucket: "ba"}, "B": {Bucket: "bb"}}, v.WorkResult)

	v.Replicas["C"] = Replica{Bucket: "bc"}
	assert.True(t, visitation.IsValidation(v.JobInitialize(context.Background())))

	v.Replicas = map[string]Replica{}
	assert.True(t, visitation.IsValidation(v.JobInitialize(context.Background())))
}

func TestJobFinalize_MergesLanes(t *testing.T) {
	listers, _, _ := twoReplicas(10)
	v := newStorage(t, listers, quietEnv(nil))

	results := []json.RawMessage{
		json.RawMessage(`{"A":{"bucket":"ba","present":3,"missing":0},"B":{"bucket":"bb","present":2,"missing":1}}`),
		json.RawMessage(`{"A":{"bucket":"ba","present":1,"missing":1},"B":{"bucket":"bb","present":2,"missing":0}}`),
	}
	require.NoError(t, v.JobFinalize(context.Background(), results))
	assert.Equal(t, Result{
		"A": {Bucket: "ba", Present: 4, Missing: 1},
		"B": {Bucket: "bb", Present: 4, Missing: 1},
	}, v.WorkResult)
}

func TestFactory_FreshDefaults(t *testing.T) {
	f := Factory(nil)
	a := f().(*Visitation)
	b := f().(*Visitation)
	a.Replicas["x"] = Replica{Bucket: "bx"}
	a.Tokens["x"] = "t"

	assert.Empty(t, b.Replicas)
	assert.Empty(t, b.Tokens)
	assert.Equal(t, DefaultNamespace, b.Namespace)
}
