package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedBundle stores a manifest with a single indexed file.
func seedBundle(t *testing.T, s *Store, replica, bucket, uuid, version string) string {
	t.Helper()
	key, err := s.PutBundle(context.Background(), replica, bucket, uuid, BundleManifest{
		Format:  "0.0.1",
		Version: version,
		Files: []FileRef{{
			Name:        "metadata.json",
			UUID:        uuid + "-f0",
			Version:     version,
			ContentType: "application/json",
			Indexed:     true,
			SHA256:      "00",
			Size:        2,
		}},
	})
	if err != nil {
		t.Fatalf("PutBundle() failed: %v", err)
	}
	return key
}
