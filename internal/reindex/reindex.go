// Package reindex implements the visitation that re-submits every stored
// bundle of one replica to the index backend.
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dss/internal/blobstore"
	"github.com/roach88/dss/internal/timeout"
	"github.com/roach88/dss/internal/visitation"
)

// ClassName is the registry name of the visitation.
const ClassName = "reindex"

// KeyPrefix is the namespace of bundle manifests. Work ids are appended to it.
const KeyPrefix = "bundles/"

// DefaultIndexTimeout bounds one index attempt when Deps leaves it unset.
const DefaultIndexTimeout = 10 * time.Second

// maxRestarts bounds listing restarts after invalidation within one
// invocation. Past it the walk fails and the engine retries the invocation.
const maxRestarts = 3

// Indexer submits one stored object to the index backend. It must be
// idempotent.
type Indexer interface {
	IndexObject(ctx context.Context, replica, bucket, key string, notify *bool) error
}

// Deps are the collaborators of a reindex.
type Deps struct {
	Replicas     blobstore.Replicas
	Indexer      Indexer
	IndexTimeout time.Duration
}

// Counters is the work result of a lane and, summed, of the job. A listing
// invalidated mid-walk restarts its prefix from the beginning, so Processed
// and Indexed count index attempts and can exceed the number of keys stored.
type Counters struct {
	Processed int `json:"processed"`
	Indexed   int `json:"indexed"`
	Failed    int `json:"failed"`
}

// Add returns the field-wise sum.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Processed: c.Processed + o.Processed,
		Indexed:   c.Indexed + o.Indexed,
		Failed:    c.Failed + o.Failed,
	}
}

// walker holds the fields reset for every work item.
type walker struct {
	Marker string `json:"marker"`
	Token  string `json:"token"`
}

// Reindex lists "bundles/{work_id}" in one replica and indexes every key.
type Reindex struct {
	visitation.Base

	Replica    string   `json:"replica"`
	Bucket     string   `json:"bucket"`
	DryRun     bool     `json:"dryrun"`
	Notify     *bool    `json:"notify"`
	WorkResult Counters `json:"work_result"`

	walker

	deps Deps
}

// Factory returns the registry factory for reindex visitations.
func Factory(deps Deps) visitation.Factory {
	if deps.IndexTimeout <= 0 {
		deps.IndexTimeout = DefaultIndexTimeout
	}
	return func() visitation.Visitation {
		return &Reindex{deps: deps}
	}
}

// ResetWalker implements visitation.Visitation.
func (r *Reindex) ResetWalker() {
	r.walker = walker{}
}

// JobInitialize partitions the bundle keyspace by leading hex characters.
func (r *Reindex) JobInitialize(ctx context.Context) error {
	if r.Replica == "" {
		return visitation.NewValidationError(ClassName, "replica is required")
	}
	if _, err := r.deps.Replicas.Lister(r.Replica); err != nil {
		return visitation.NewValidationError(ClassName, "%v", err)
	}
	r.WorkIDs = visitation.Flat(visitation.HexPrefixes(r.NumberOfWorkers)...)
	r.WorkResult = Counters{}
	return nil
}

// JobFinalize sums the lane counters.
func (r *Reindex) JobFinalize(ctx context.Context, results []json.RawMessage) error {
	total, err := visitation.Aggregate(results, Counters.Add)
	if err != nil {
		return err
	}
	r.WorkResult = total
	return nil
}

// WalkerWalk indexes keys of the current prefix until the listing ends or
// the time budget runs out.
func (r *Reindex) WalkerWalk(ctx context.Context) error {
	lister, err := r.deps.Replicas.Lister(r.Replica)
	if err != nil {
		return visitation.NewValidationError(ClassName, "%v", err)
	}
	log := r.Logger()
	prefix := KeyPrefix + r.WorkID

	for restarts := 0; ; restarts++ {
		it := lister.List(ctx, r.Bucket, prefix, r.Marker, r.Token)
		for {
			if r.OutOfTime() {
				r.Marker, r.Token = it.Resume()
				log.Debug("reindex yielding", "marker", r.Marker, "processed", r.WorkResult.Processed)
				return nil
			}
			if !it.Next(ctx) {
				break
			}
			if err := r.process(ctx, it.Key()); err != nil {
				return err
			}
		}

		err := it.Err()
		if err == nil {
			break
		}
		if !errors.Is(err, blobstore.ErrListingInvalidated) {
			return fmt.Errorf("list %s/%s: %w", r.Replica, prefix, err)
		}
		if restarts >= maxRestarts {
			return fmt.Errorf("list %s/%s: restarted %d times: %w", r.Replica, prefix, restarts, err)
		}
		log.Warn("listing invalidated, restarting prefix", "marker", r.Marker)
		r.Marker, r.Token = "", ""
	}

	r.Marker, r.Token = "", ""
	r.Status = visitation.StatusFinished
	return nil
}

// process indexes one key. Index failures and timeouts are counted, never
// returned; only cancellation of the invocation itself stops the walk.
func (r *Reindex) process(ctx context.Context, key string) error {
	r.WorkResult.Processed++
	if r.DryRun {
		return nil
	}

	timedOut, err := timeout.Run(ctx, r.deps.IndexTimeout, func(ctx context.Context) error {
		return r.deps.Indexer.IndexObject(ctx, r.Replica, r.Bucket, key, r.Notify)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch {
	case timedOut:
		r.WorkResult.Failed++
		r.Logger().Warn("index timed out", "key", key, "limit", r.deps.IndexTimeout)
	case err != nil:
		r.WorkResult.Failed++
		r.Logger().Warn("index failed", "key", key, "error", err)
	default:
		r.WorkResult.Indexed++
	}
	return nil
}
