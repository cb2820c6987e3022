package blobstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// EncodeToken builds an opaque continuation token. epoch identifies the
// listing generation the token was issued under; after is the last key of
// the previous page.
func EncodeToken(epoch int64, after string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(epoch, 10) + "|" + after))
}

// DecodeToken parses a token produced by EncodeToken.
func DecodeToken(token string) (epoch int64, after string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed token", ErrListingInvalidated)
	}
	head, tail, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, "", fmt.Errorf("%w: malformed token", ErrListingInvalidated)
	}
	epoch, err = strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed token", ErrListingInvalidated)
	}
	return epoch, tail, nil
}

// Memory is an in-memory replica. Buckets hold sorted key sets; tokens are
// stamped with the bucket's generation so Invalidate can expire them.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	buckets  map[string]*memoryBucket
	pageSize int
	failures []error
	fetches  int
}

type memoryBucket struct {
	keys       []string
	generation int64
}

// NewMemory creates an empty replica serving pages of pageSize keys.
func NewMemory(pageSize int) *Memory {
	return &Memory{buckets: make(map[string]*memoryBucket), pageSize: pageSize}
}

// Put adds keys to bucket. Existing keys are left in place.
func (m *Memory) Put(bucket string, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	seen := make(map[string]bool, len(b.keys))
	for _, k := range b.keys {
		seen[k] = true
	}
	for _, k := range keys {
		if !seen[k] {
			b.keys = append(b.keys, k)
			seen[k] = true
		}
	}
	sort.Strings(b.keys)
}

// Delete removes key from bucket.
func (m *Memory) Delete(bucket, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	i := sort.SearchStrings(b.keys, key)
	if i < len(b.keys) && b.keys[i] == key {
		b.keys = append(b.keys[:i], b.keys[i+1:]...)
	}
}

// Invalidate expires every outstanding token of bucket.
func (m *Memory) Invalidate(bucket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket).generation++
}

// FailNext makes the next len(errs) page fetches fail with errs in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Fetches returns the number of page fetches served so far.
func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// List implements Lister.
func (m *Memory) List(ctx context.Context, bucket, prefix, startAfter, token string) Iterator {
	return Paged{Fetch: m.Page, PageSize: m.pageSize}.List(ctx, bucket, prefix, startAfter, token)
}

// Page implements PageFunc.
func (m *Memory) Page(ctx context.Context, bucket, prefix, token string, limit int) ([]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, "", err
		}
	}

	b := m.bucket(bucket)
	after := ""
	if token != "" {
		epoch, a, err := DecodeToken(token)
		if err != nil {
			return nil, "", err
		}
		if epoch != b.generation {
			return nil, "", ErrListingInvalidated
		}
		after = a
	}

	i := sort.SearchStrings(b.keys, prefix)
	var page []string
	for ; i < len(b.keys); i++ {
		k := b.keys[i]
		if !strings.HasPrefix(k, prefix) {
			break
		}
		if k <= after {
			continue
		}
		if len(page) == limit {
			return page, EncodeToken(b.generation, page[len(page)-1]), nil
		}
		page = append(page, k)
	}
	return page, "", nil
}

func (m *Memory) bucket(name string) *memoryBucket {
	b, ok := m.buckets[name]
	if !ok {
		b = &memoryBucket{}
		m.buckets[name] = b
	}
	return b
}
