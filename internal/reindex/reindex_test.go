package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dss/internal/blobstore"
	"github.com/roach88/dss/internal/testutil"
	"github.com/roach88/dss/internal/visitation"
)

// recordingIndexer records indexed keys and fails the keys in fail.
type recordingIndexer struct {
	mu    sync.Mutex
	keys  []string
	fail  map[string]error
	delay map[string]time.Duration
}

func (r *recordingIndexer) IndexObject(ctx context.Context, replica, bucket, key string, notify *bool) error {
	if d, ok := r.delay[key]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return r.fail[key]
}

func (r *recordingIndexer) indexed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func quietEnv(remaining visitation.RemainingTimer) visitation.Env {
	return visitation.Env{
		Remaining: remaining,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newReindex(t *testing.T, deps Deps, env visitation.Env) *Reindex {
	t.Helper()
	r := Factory(deps)().(*Reindex)
	r.ClassName = ClassName
	r.Replica = "aws"
	r.Bucket = "b"
	r.Bind(env)
	return r
}

func TestJobInitialize_HexPartitions(t *testing.T) {
	deps := Deps{Replicas: blobstore.Replicas{"aws": blobstore.NewMemory(10)}}

	tests := []struct {
		workers int
		want    int
		width   int
	}{
		{workers: 1, want: 16, width: 1},
		{workers: 16, want: 16, width: 1},
		{workers: 17, want: 256, width: 2},
		{workers: 256, want: 256, width: 2},
	}
	for _, tt := range tests {
		r := newReindex(t, deps, quietEnv(nil))
		r.NumberOfWorkers = tt.workers
		require.NoError(t, r.JobInitialize(context.Background()))

		ids := r.WorkIDs.Items
		assert.Len(t, ids, tt.want, "workers=%d", tt.workers)
		seen := map[string]bool{}
		for _, id := range ids {
			assert.Len(t, id, tt.width)
			seen[id] = true
		}
		assert.Len(t, seen, tt.want, "work ids are unique")
	}
}

func TestJobInitialize_ValidatesReplica(t *testing.T) {
	deps := Deps{Replicas: blobstore.Replicas{"aws": blobstore.NewMemory(10)}}

	r := newReindex(t, deps, quietEnv(nil))
	r.Replica = "azure"
	r.NumberOfWorkers = 1
	err := r.JobInitialize(context.Background())
	assert.True(t, visitation.IsValidation(err))

	r.Replica = ""
	err = r.JobInitialize(context.Background())
	assert.True(t, visitation.IsValidation(err))
}

func TestJobFinalize_SumsCounters(t *testing.T) {
	r := newReindex(t, Deps{}, quietEnv(nil))

	results := []json.RawMessage{
		json.RawMessage(`{"processed":2,"indexed":1,"failed":1}`),
		json.RawMessage(`{"processed":3,"indexed":3,"failed":0}`),
		json.RawMessage(`null`),
	}
	require.NoError(t, r.JobFinalize(context.Background(), results))
	assert.Equal(t, Counters{Processed: 5, Indexed: 4, Failed: 1}, r.WorkResult)
}

func TestWalkerWalk_IndexesPrefix(t *testing.T) {
	mem := blobstore.NewMemory(2)
	mem.Put("b", "bundles/0a.v1", "bundles/0b.v1", "bundles/0c.v1", "bundles/1a.v1")
	indexer := &recordingIndexer{fail: map[string]error{"bundles/0b.v1": errors.New("backend down")}}
	deps := Deps{Replicas: blobstore.Replicas{"aws": mem}, Indexer: indexer}

	r := newReindex(t, deps, quietEnv(nil))
	r.WorkID = "0"
	r.Status = visitation.StatusWalk

	require.NoError(t, r.WalkerWalk(context.Background()))
	assert.Equal(t, visitation.StatusFinished, r.Status)
	assert.Equal(t, Counters{Processed: 3, Indexed: 2, Failed: 1}, r.WorkResult)
	assert.Equal(t, []string{"bundles/0a.v1", "bundles/0b.v1", "bundles/0c.v1"}, indexer.indexed())
	assert.Empty(t, r.Marker)
	assert.Empty(t, r.Token)
}

func TestWalkerWalk_IndexTimeoutIsCounted(t *testing.T) {
	mem := blobstore.NewMemory(10)
	mem.Put("b", "bundles/0a.v1", "bundles/0b.v1")
	indexer := &recordingIndexer{delay: map[string]time.Duration{"bundles/0a.v1": time.Second}}
	deps := Deps{Replicas: blobstore.Replicas{"aws": mem}, Indexer: indexer, IndexTimeout: 20 * time.Millisecond}

	r := newReindex(t, deps, quietEnv(nil))
	r.WorkID = "0"
	r.Status = visitation.StatusWalk

	require.NoError(t, r.WalkerWalk(context.Background()))
	assert.Equal(t, Counters{Processed: 2, Indexed: 1, Failed: 1}, r.WorkResult)
}

func TestWalkerWalk_DryRun(t *testing.T) {
	mem := blobstore.NewMemory(10)
	mem.Put("b", "bundles/0a.v1", "bundles/0b.v1")
	indexer := &recordingIndexer{}
	deps := Deps{Replicas: blobstore.Replicas{"aws": mem}, Indexer: indexer}

	r := newReindex(t, deps, quietEnv(nil))
	r.WorkID = "0"
	r.DryRun = true
	r.Status = visitation.StatusWalk

	require.NoError(t, r.WalkerWalk(context.Background()))
	assert.Equal(t, Counters{Processed: 2}, r.WorkResult)
	assert.Empty(t, indexer.indexed())
}

func TestWalkerWalk_YieldsAndResumes(t *testing.T) {
	mem := blobstore.NewMemory(2)
	keys := []string{"bundles/0a.v1", "bundles/0b.v1", "bundles/0c.v1", "bundles/0d.v1", "bundles/0e.v1"}
	mem.Put("b", keys...)
	indexer := &recordingIndexer{}
	deps := Deps{Replicas: blobstore.Replicas{"aws": mem}, Indexer: indexer}

	// Each check costs 1ms of a 3ms budget: three keys per invocation.
	r := newReindex(t, deps, quietEnv(testutil.NewBudget(3, 1)))
	r.WorkID = "0"
	r.Status = visitation.StatusWalk

	require.NoError(t, r.WalkerWalk(context.Background()))
	assert.Equal(t, visitation.StatusWalk, r.Status)
	assert.Equal(t, 3, r.WorkResult.Processed)
	assert.Equal(t, "bundles/0c.v1", r.Marker)

	state, err := visitation.Encode(r)
	require.NoError(t, err)

	resumed := newReindex(t, deps, quietEnv(testutil.NewBudget(3, 1)))
	require.NoError(t, visitation.Decode(state, resumed))
	require.NoError(t, resumed.WalkerWalk(context.Background()))

	assert.Equal(t, visitation.StatusFinished, resumed.Status)
	assert.Equal(t, 5, resumed.WorkResult.Processed)
	assert.Equal(t, keys, indexer.indexed(), "every key indexed exactly once")
}

func TestWalkerWalk_RestartsInvalidatedListing(t *testing.T) {
	mem := blobstore.NewMemory(10)
	mem.Put("b", "bundles/0a.v1", "bundles/0b.v1")
	mem.FailNext(blobstore.ErrListingInvalidated)
	indexer := &recordingIndexer{}
	deps := Deps{Replicas: blobstore.Replicas{"aws": mem}, Indexer: indexer}

	r := newReindex(t, deps, quietEnv(nil))
	r.WorkID = "0"
	r.Status = visitation.StatusWalk
	r.Marker = "bundles/0a.v1"
	r.Token = "stale"
	// 0a.v1 was counted by an earlier invocation.
	r.WorkResult = Counters{Processed: 1, Indexed: 1}

	require.NoError(t, r.WalkerWalk(context.Background()))
	assert.Equal(t, visitation.StatusFinished, r.Status)
	assert.Equal(t, []string{"bundles/0a.v1", "bundles/0b.v1"}, indexer.indexed(),
		"restart begins from an empty marker")
	assert.Equal(t, Counters{Processed: 3, Indexed: 3}, r.WorkResult,
		"re-listed keys are counted again")
}

func TestWalkerWalk_GivesUpAfterRepeatedInvalidation(t *testing.T) {
	mem := blobstore.NewMemory(10)
	mem.Put("b", "bundles/0a.v1")
	mem.FailNext(blobstore.ErrListingInvalidated, blobstore.ErrListingInvalidated,
		blobstore.ErrListingInvalidated, blobstore.ErrListingInvalidated)
	deps := Deps{Replicas: blobstore.Replicas{"aws": mem}, Indexer: &recordingIndexer{}}

	r := newReindex(t, deps, quietEnv(nil))
	r.WorkID = "0"
	r.Status = visitation.StatusWalk

	err := r.WalkerWalk(context.Background())
	assert.ErrorIs(t, err, blobstore.ErrListingInvalidated)
}

func TestWalkerWalk_TransientListingErrorPropagates(t *testing.T) {
	mem := blobstore.NewMemory(10)
	mem.Put("b", "bundles/0a.v1")
	throttled := errors.New("slow down")
	mem.FailNext(throttled)
	deps := Deps{Replicas: blobstore.Replicas{"aws": mem}, Indexer: &recordingIndexer{}}

	r := newReindex(t, deps, quietEnv(nil))
	r.WorkID = "0"
	r.Status = visitation.StatusWalk

	assert.ErrorIs(t, r.WalkerWalk(context.Background()), throttled)
}

func TestResetWalker(t *testing.T) {
	r := newReindex(t, Deps{}, quietEnv(nil))
	r.Marker = "m"
	r.Token = "t"
	r.WorkResult.Processed = 4

	r.ResetWalker()
	assert.Empty(t, r.Marker)
	assert.Empty(t, r.Token)
	assert.Equal(t, 4, r.WorkResult.Processed, "the lane result survives across work items")
}

func TestState_DeclaredFields(t *testing.T) {
	on := true
	r := newReindex(t, Deps{}, quietEnv(nil))
	r.Notify = &on

	state, err := visitation.Encode(r)
	require.NoError(t, err)
	for _, field := range []string{
		"visitation_class_name", "status", "number_of_workers", "work_ids", "work_id",
		"replica", "bucket", "dryrun", "notify", "work_result", "marker", "token",
	} {
		assert.Contains(t, state, field)
	}
	assert.Len(t, state, 12)
}
