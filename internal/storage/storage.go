// Package storage implements the visitation that checks the object
// population of several replicas against each other.
//
// Each work item is one key prefix. A walker lists the prefix in every
// replica at once, merges the listings with zipalign and counts, per
// replica, the keys it holds (present) and the keys another replica holds
// but it does not (missing). Content is not compared.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/dss/internal/blobstore"
	"github.com/roach88/dss/internal/visitation"
	"github.com/roach88/dss/internal/zipalign"
)

// ClassName is the registry name of the visitation.
const ClassName = "storage"

// DefaultNamespace is the key namespace compared when none is given.
const DefaultNamespace = "bundles/"

// maxReopens bounds how often one column is reopened after invalidation
// within one invocation.
const maxReopens = 3

// Replica is the job parameter of one compared replica.
type Replica struct {
	Bucket string `json:"bucket"`
}

// Count is the presence tally of one replica.
type Count struct {
	Bucket  string `json:"bucket"`
	Present int    `json:"present"`
	Missing int    `json:"missing"`
}

// Result maps replica names to their tallies.
type Result map[string]Count

// Merge returns the per-replica sum of r and o.
func (r Result) Merge(o Result) Result {
	out := make(Result, len(r)+len(o))
	maps.Copy(out, r)
	for name, c := range o {
		acc := out[name]
		if acc.Bucket == "" {
			acc.Bucket = c.Bucket
		}
		acc.Present += c.Present
		acc.Missing += c.Missing
		out[name] = acc
	}
	return out
}

// walker holds the fields reset for every work item.
type walker struct {
	// Tokens are the page tokens of each replica's listing. The matching
	// start-after keys are the values of Row.
	Tokens map[string]string `json:"tokens"`

	// Row is the last counted zipalign row, nil before the first.
	Row *zipalign.Row[string] `json:"row"`
}

// Visitation diffs the key listings of the configured replicas.
type Visitation struct {
	visitation.Base

	Namespace  string             `json:"namespace"`
	Replicas   map[string]Replica `json:"replicas"`
	WorkResult Result             `json:"work_result"`

	walker

	listers blobstore.Replicas
}

// Factory returns the registry factory for storage visitations.
func Factory(listers blobstore.Replicas) visitation.Factory {
	return func() visitation.Visitation {
		v := &Visitation{
			Namespace:  DefaultNamespace,
			Replicas:   map[string]Replica{},
			WorkResult: Result{},
			listers:    listers,
		}
		v.ResetWalker()
		return v
	}
}

// ResetWalker implements visitation.Visitation.
func (v *Visitation) ResetWalker() {
	v.walker = walker{Tokens: map[string]string{}}
}

// names returns the compared replicas in column order.
func (v *Visitation) names() []string {
	return slices.Sorted(maps.Keys(v.Replicas))
}

// JobInitialize checks the replicas and partitions the namespace by leading
// hex characters.
func (v *Visitation) JobInitialize(ctx context.Context) error {
	if len(v.Replicas) == 0 {
		return visitation.NewValidationError(ClassName, "at least one replica is required")
	}
	result := make(Result, len(v.Replicas))
	for _, name := range v.names() {
		if _, err := v.listers.Lister(name); err != nil {
			return visitation.NewValidationError(ClassName, "%v", err)
		}
		result[name] = Count{Bucket: v.Replicas[name].Bucket}
	}
	v.WorkIDs = visitation.Flat(visitation.HexPrefixes(v.NumberOfWorkers)...)
	v.WorkResult = result
	return nil
}

// JobFinalize merges the per-lane tallies.
func (v *Visitation) JobFinalize(ctx context.Context, results []json.RawMessage) error {
	total, err := visitation.Aggregate(results, func(acc, next Result) Result {
		return acc.Merge(next)
	})
	if err != nil {
		return err
	}
	if total == nil {
		total = Result{}
	}
	v.WorkResult = total
	return nil
}

// WalkerWalk consumes merged rows until the listings end or the time budget
// runs out. On yield the tokens and the last row are persisted so the next
// invocation resumes the diff, not only the listings.
func (v *Visitation) WalkerWalk(ctx context.Context) error {
	names := v.names()
	prefix := v.Namespace + v.WorkID
	log := v.Logger()

	cols := make([]*column, len(names))
	zcols := make([]zipalign.Column[string], len(names))
	for i, name := range names {
		lister, err := v.listers.Lister(name)
		if err != nil {
			return visitation.NewValidationError(ClassName, "%v", err)
		}
		startAfter := ""
		if v.Row != nil && v.Row.Values[i] != nil {
			startAfter = *v.Row.Values[i]
		}
		cols[i] = newColumn(ctx, lister, v.Replicas[name].Bucket, prefix, startAfter, v.Tokens[name])
		cols[i].onReopen = func(after string) {
			log.Warn("listing invalidated, reopening column", "replica", name, "after", after)
		}
		zcols[i] = cols[i].next
	}

	z, err := zipalign.New(zcols, v.Row)
	if err != nil {
		return visitation.NewValidationError(ClassName, "%v", err)
	}

	result := v.WorkResult
	if result == nil {
		result = Result{}
	}
	for {
		if v.OutOfTime() {
			for i, name := range names {
				v.Tokens[name] = cols[i].token()
			}
			v.WorkResult = result
			if v.Row != nil {
				log.Debug("storage yielding", "row", v.Row.String())
			}
			return nil
		}
		if !z.Next() {
			break
		}
		row := z.Row()
		count(result, names, v.Replicas, row)
		v.Row = row.Clone()
	}
	if err := z.Err(); err != nil {
		return err
	}

	v.WorkResult = result
	v.ResetWalker()
	v.Status = visitation.StatusFinished
	return nil
}

// count tallies one row: a value at the row minimum is present, a missing
// value while the row is not terminal is missing.
func count(result Result, names []string, replicas map[string]Replica, row *zipalign.Row[string]) {
	for i, val := range row.Norm() {
		name := names[i]
		c := result[name]
		c.Bucket = replicas[name].Bucket
		if val != nil {
			c.Present++
		} else if row.Min != nil {
			c.Missing++
		}
		result[name] = c
	}
}

// column adapts a replica listing to a zipalign column. When the provider
// invalidates the listing the column is reopened after its last key, so it
// never moves backwards.
type column struct {
	ctx    context.Context
	lister blobstore.Lister
	bucket string
	prefix string

	it       blobstore.Iterator
	last     string
	reopens  int
	onReopen func(after string)
}

func newColumn(ctx context.Context, lister blobstore.Lister, bucket, prefix, startAfter, token string) *column {
	return &column{
		ctx:    ctx,
		lister: lister,
		bucket: bucket,
		prefix: prefix,
		it:     lister.List(ctx, bucket, prefix, startAfter, token),
		last:   startAfter,
	}
}

func (c *column) next() (string, bool, error) {
	for {
		if c.it.Next(c.ctx) {
			c.last = c.it.Key()
			return c.last, true, nil
		}
		err := c.it.Err()
		if err == nil {
			return "", false, nil
		}
		if !errors.Is(err, blobstore.ErrListingInvalidated) {
			return "", false, fmt.Errorf("list %s/%s: %w", c.bucket, c.prefix, err)
		}
		if c.reopens >= maxReopens {
			return "", false, fmt.Errorf("list %s/%s: reopened %d times: %w", c.bucket, c.prefix, c.reopens, err)
		}
		c.reopens++
		if c.onReopen != nil {
			c.onReopen(c.last)
		}
		c.it = c.lister.List(c.ctx, c.bucket, c.prefix, c.last, "")
	}
}

// token returns the page token from which a new listing continues after the
// column's last key.
func (c *column) token() string {
	_, token := c.it.Resume()
	return token
}
