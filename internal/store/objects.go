package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/dss/internal/blobstore"
	"github.com/roach88/dss/internal/cas"
)

// Object is a stored key and its body.
type Object struct {
	Replica string
	Bucket  string
	Key     string
	Body    []byte
	Address string
}

// PutObject writes body under key. Writing identical content again is a
// no-op; changed content replaces the body and address.
// Returns the object's content address.
func (s *Store) PutObject(ctx context.Context, replica, bucket, key string, body []byte) (string, error) {
	address, err := addressOf(body)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objects (replica, bucket, key, body, address)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(replica, bucket, key) DO UPDATE SET
			body = excluded.body,
			address = excluded.address
		WHERE objects.address != excluded.address
	`, replica, bucket, key, body, address)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return address, nil
}

// GetObject reads one object. Returns ErrNotFound if it does not exist.
func (s *Store) GetObject(ctx context.Context, replica, bucket, key string) (*Object, error) {
	obj := &Object{Replica: replica, Bucket: bucket, Key: key}
	err := s.db.QueryRowContext(ctx, `
		SELECT body, address FROM objects
		WHERE replica = ? AND bucket = ? AND key = ?
	`, replica, bucket, key).Scan(&obj.Body, &obj.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get object %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return obj, nil
}

// DeleteObject removes one object. Deleting a missing object is not an error.
func (s *Store) DeleteObject(ctx context.Context, replica, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM objects WHERE replica = ? AND bucket = ? AND key = ?
	`, replica, bucket, key)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// ListPage returns up to limit keys under prefix, in binary key order,
// following token. next is empty on the last page.
//
// Tokens embed the bucket's listing epoch. A token issued before the last
// InvalidateListings fails with blobstore.ErrListingInvalidated.
func (s *Store) ListPage(ctx context.Context, replica, bucket, prefix, token string, limit int) (keys []string, next string, err error) {
	epoch, err := s.listingEpoch(ctx, replica, bucket)
	if err != nil {
		return nil, "", err
	}

	after := ""
	if token != "" {
		tokenEpoch, a, err := blobstore.DecodeToken(token)
		if err != nil {
			return nil, "", err
		}
		if tokenEpoch != epoch {
			return nil, "", fmt.Errorf("list %s/%s: %w", replica, bucket, blobstore.ErrListingInvalidated)
		}
		after = a
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM objects
		WHERE replica = ? AND bucket = ? AND substr(key, 1, length(?)) = ? AND key > ?
		ORDER BY key COLLATE BINARY ASC
		LIMIT ?
	`, replica, bucket, prefix, prefix, after, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list %s/%s: %w", replica, bucket, err)
	}
	defer rows.Close()

	keys = make([]string, 0, limit)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, "", fmt.Errorf("list %s/%s: scan: %w", replica, bucket, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list %s/%s: iterate: %w", replica, bucket, err)
	}

	if len(keys) > limit {
		keys = keys[:limit]
		next = blobstore.EncodeToken(epoch, keys[len(keys)-1])
	}
	return keys, next, nil
}

// InvalidateListings expires every outstanding listing token of a bucket,
// as a provider does after rewriting its listing index.
func (s *Store) InvalidateListings(ctx context.Context, replica, bucket string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listing_epochs (replica, bucket, epoch) VALUES (?, ?, 1)
		ON CONFLICT(replica, bucket) DO UPDATE SET epoch = epoch + 1
	`, replica, bucket)
	if err != nil {
		return fmt.Errorf("invalidate listings %s/%s: %w", replica, bucket, err)
	}
	return nil
}

func (s *Store) listingEpoch(ctx context.Context, replica, bucket string) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `
		SELECT epoch FROM listing_epochs WHERE replica = ? AND bucket = ?
	`, replica, bucket).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing epoch %s/%s: %w", replica, bucket, err)
	}
	return epoch, nil
}

// Lister returns a paginated lister over one replica.
func (s *Store) Lister(replica string, pageSize int) blobstore.Lister {
	return blobstore.Paged{
		Fetch: func(ctx context.Context, bucket, prefix, token string, limit int) ([]string, string, error) {
			return s.ListPage(ctx, replica, bucket, prefix, token, limit)
		},
		PageSize: pageSize,
	}
}

// Replicas returns listers for the named replicas.
func (s *Store) Replicas(pageSize int, names ...string) blobstore.Replicas {
	out := make(blobstore.Replicas, len(names))
	for _, name := range names {
		out[name] = s.Lister(name, pageSize)
	}
	return out
}

// addressOf returns the content address of a body: the canonical JSON
// address for JSON documents, the plain SHA-256 otherwise.
func addressOf(body []byte) (string, error) {
	if json.Valid(body) {
		canonical, err := cas.ParseCanonical(body)
		if err == nil {
			return cas.Address(cas.DomainBundle, json.RawMessage(canonical))
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
