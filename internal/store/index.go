package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/dss/internal/cas"
)

// Notification events.
const (
	EventIndexed = "indexed"
	EventDeleted = "deleted"
)

// IndexDocument is the search document derived from a bundle manifest.
type IndexDocument struct {
	UUID            string         `json:"uuid"`
	Version         string         `json:"version"`
	ManifestAddress string         `json:"manifest_address"`
	Files           []IndexedFile  `json:"files"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// IndexedFile is one file entry of an index document.
type IndexedFile struct {
	Name        string `json:"name"`
	UUID        string `json:"uuid"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	Indexed     bool   `json:"indexed"`
}

// IndexObject derives the index document of a stored bundle key and upserts
// it. Indexing the same content twice leaves the index untouched. A
// tombstone key removes the documents it supersedes, and a version with a
// stored tombstone in the same bucket is never indexed, whatever order the
// keys are listed in.
//
// notify controls the subscriber outbox: nil or true records a notification
// whenever the index changed, false suppresses it.
func (s *Store) IndexObject(ctx context.Context, replica, bucket, key string, notify *bool) error {
	bk, err := ParseBundleKey(key)
	if err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}
	if bk.Tombstone {
		return s.indexTombstone(ctx, replica, bk, notify)
	}

	obj, err := s.GetObject(ctx, replica, bucket, key)
	if err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}
	var manifest BundleManifest
	if err := json.Unmarshal(obj.Body, &manifest); err != nil {
		return fmt.Errorf("index %s: parse manifest: %w", key, err)
	}

	doc := IndexDocument{
		UUID:            bk.UUID,
		Version:         bk.Version,
		ManifestAddress: obj.Address,
		Files:           make([]IndexedFile, 0, len(manifest.Files)),
	}
	for _, f := range manifest.Files {
		doc.Files = append(doc.Files, IndexedFile{
			Name:        f.Name,
			UUID:        f.UUID,
			ContentType: f.ContentType,
			SHA256:      f.SHA256,
			Size:        f.Size,
			Indexed:     f.Indexed,
		})
	}
	address, err := cas.Address(cas.DomainIndex, doc)
	if err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}
	docJSON, err := cas.Canonical(doc)
	if err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index %s: begin tx: %w", key, err)
	}
	defer tx.Rollback() // No-op if committed

	dead, err := hasTombstone(ctx, tx, replica, bucket, bk)
	if err != nil {
		return fmt.Errorf("index %s: %w", key, err)
	}
	if dead {
		if err := deleteDocument(ctx, tx, replica, key, notify); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("index %s: commit: %w", key, err)
		}
		return nil
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO index_documents (replica, key, bundle_uuid, bundle_version, document, address)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(replica, key) DO UPDATE SET
			document = excluded.document,
			address = excluded.address,
			revision = index_documents.revision + 1
		WHERE index_documents.address != excluded.address
	`, replica, key, bk.UUID, bk.Version, string(docJSON), address)
	if err != nil {
		return fmt.Errorf("index %s: upsert: %w", key, err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("index %s: rows affected: %w", key, err)
	}

	if changed > 0 && wantNotify(notify) {
		if err := insertNotification(ctx, tx, replica, key, EventIndexed, address); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index %s: commit: %w", key, err)
	}
	return nil
}

func (s *Store) indexTombstone(ctx context.Context, replica string, bk BundleKey, notify *bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index tombstone %s: begin tx: %w", bk, err)
	}
	defer tx.Rollback()

	query := `SELECT key FROM index_documents WHERE replica = ? AND bundle_uuid = ?`
	args := []any{replica, bk.UUID}
	if bk.Version != "" {
		query += ` AND bundle_version = ?`
		args = append(args, bk.Version)
	}
	rows, err := tx.QueryContext(ctx, query+` ORDER BY key COLLATE BINARY ASC`, args...)
	if err != nil {
		return fmt.Errorf("index tombstone %s: %w", bk, err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return fmt.Errorf("index tombstone %s: scan: %w", bk, err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index tombstone %s: iterate: %w", bk, err)
	}

	for _, key := range keys {
		if err := deleteDocument(ctx, tx, replica, key, notify); err != nil {
			return fmt.Errorf("index tombstone %s: %w", bk, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index tombstone %s: commit: %w", bk, err)
	}
	return nil
}

// hasTombstone reports whether the bucket holds a tombstone for the bundle
// version or for the whole bundle.
func hasTombstone(ctx context.Context, tx *sql.Tx, replica, bucket string, bk BundleKey) (bool, error) {
	version := BundleKey{UUID: bk.UUID, Version: bk.Version, Tombstone: true}.String()
	bundle := BundleKey{UUID: bk.UUID, Tombstone: true}.String()
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM objects WHERE replica = ? AND bucket = ? AND key IN (?, ?))
	`, replica, bucket, version, bundle).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup tombstone: %w", err)
	}
	return exists, nil
}

// deleteDocument removes the document of a key, notifying only when one
// existed.
func deleteDocument(ctx context.Context, tx *sql.Tx, replica, key string, notify *bool) error {
	var address string
	err := tx.QueryRowContext(ctx, `
		SELECT address FROM index_documents WHERE replica = ? AND key = ?
	`, replica, key).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM index_documents WHERE replica = ? AND key = ?
	`, replica, key); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if wantNotify(notify) {
		return insertNotification(ctx, tx, replica, key, EventDeleted, address)
	}
	return nil
}

// GetIndexDocument reads the index document of a key.
func (s *Store) GetIndexDocument(ctx context.Context, replica, key string) (*IndexDocument, int, error) {
	var docJSON string
	var revision int
	err := s.db.QueryRowContext(ctx, `
		SELECT document, revision FROM index_documents WHERE replica = ? AND key = ?
	`, replica, key).Scan(&docJSON, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("index document %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("index document %s: %w", key, err)
	}
	var doc IndexDocument
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, 0, fmt.Errorf("index document %s: %w", key, err)
	}
	return &doc, revision, nil
}

// CountIndexDocuments returns the number of indexed documents of a replica.
func (s *Store) CountIndexDocuments(ctx context.Context, replica string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM index_documents WHERE replica = ?`, replica).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count index documents: %w", err)
	}
	return n, nil
}

// Notification is one outbox entry.
type Notification struct {
	ID      int64
	Replica string
	Key     string
	Event   string
	Address string
}

// ReadNotifications returns outbox entries with ID greater than afterID, in
// insertion order.
func (s *Store) ReadNotifications(ctx context.Context, afterID int64) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, replica, key, event, address FROM notifications
		WHERE id > ? ORDER BY id ASC
	`, afterID)
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Replica, &n.Key, &n.Event, &n.Address); err != nil {
			return nil, fmt.Errorf("read notifications: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read notifications: iterate: %w", err)
	}
	return out, nil
}

func insertNotification(ctx context.Context, tx *sql.Tx, replica, key, event, address string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (replica, key, event, address) VALUES (?, ?, ?, ?)
	`, replica, key, event, address)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func wantNotify(notify *bool) bool {
	return notify == nil || *notify
}
