// Package blobstore defines the paginated listing contract of a replica.
//
// A listing is requested from (startAfter, token), both empty initially,
// and yields keys in ascending order. At any point the iterator can report
// the (lastKey, token) pair from which a fresh listing continues exactly
// where this one stopped: token selects the page that held lastKey and
// startAfter skips what was already consumed from it.
//
// Providers signal an expired or otherwise unusable continuation token with
// ErrListingInvalidated. Callers decide how to recover; it is never retried
// transparently.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrListingInvalidated reports that a continuation token can no longer be
// used. The listing must be restarted.
var ErrListingInvalidated = errors.New("blobstore: listing invalidated")

// DefaultPageSize is the page size used when a Lister is built without one.
const DefaultPageSize = 1000

// Lister lists the keys of one replica.
type Lister interface {
	List(ctx context.Context, bucket, prefix, startAfter, token string) Iterator
}

// Iterator is a lazy, finite sequence of ascending keys.
type Iterator interface {
	// Next advances to the next key. It returns false at the end of the
	// listing or on error.
	Next(ctx context.Context) bool

	// Key returns the current key.
	Key() string

	// Err returns the error that stopped iteration, if any.
	Err() error

	// Resume returns the handle from which a new listing continues after
	// the last key returned by Next.
	Resume() (lastKey, token string)
}

// PageFunc fetches one page of keys under prefix. An empty token requests
// the first page. An empty next token marks the last page.
type PageFunc func(ctx context.Context, bucket, prefix, token string, limit int) (keys []string, next string, err error)

// Paged is a Lister over a PageFunc.
type Paged struct {
	Fetch    PageFunc
	PageSize int
}

// List implements Lister.
func (p Paged) List(ctx context.Context, bucket, prefix, startAfter, token string) Iterator {
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	return &pagedIterator{
		fetch:      p.Fetch,
		limit:      size,
		bucket:     bucket,
		prefix:     prefix,
		startAfter: startAfter,
		nextToken:  token,
	}
}

type pagedIterator struct {
	fetch  PageFunc
	limit  int
	bucket string
	prefix string

	startAfter string
	pageToken  string // token that produced page
	nextToken  string // token of the following page
	page       []string
	idx        int
	fetched    bool
	key        string
	last       string
	err        error
}

func (it *pagedIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for {
		for it.idx < len(it.page) {
			k := it.page[it.idx]
			it.idx++
			if it.startAfter != "" && k <= it.startAfter {
				continue
			}
			it.key = k
			it.last = k
			return true
		}
		if it.fetched && it.nextToken == "" {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		keys, next, err := it.fetch(ctx, it.bucket, it.prefix, it.nextToken, it.limit)
		if err != nil {
			it.err = err
			return false
		}
		it.pageToken = it.nextToken
		it.nextToken = next
		it.page = keys
		it.idx = 0
		it.fetched = true
	}
}

func (it *pagedIterator) Key() string { return it.key }

func (it *pagedIterator) Err() error { return it.err }

func (it *pagedIterator) Resume() (string, string) {
	last := it.last
	if last == "" {
		last = it.startAfter
	}
	if !it.fetched {
		return last, it.nextToken
	}
	if it.idx >= len(it.page) && it.nextToken != "" {
		return last, it.nextToken
	}
	return last, it.pageToken
}

// Replicas maps replica names to their listers.
type Replicas map[string]Lister

// Lister returns the lister of the named replica.
func (r Replicas) Lister(name string) (Lister, error) {
	l, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown replica %q", name)
	}
	return l, nil
}

// Names returns the replica names in sorted order.
func (r Replicas) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect drains an iterator into a slice. Intended for small listings and
// tests.
func Collect(ctx context.Context, it Iterator) ([]string, error) {
	var keys []string
	for it.Next(ctx) {
		keys = append(keys, it.Key())
	}
	return keys, it.Err()
}
