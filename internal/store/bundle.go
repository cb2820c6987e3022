package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// BundlePrefix is the key namespace of bundle manifests.
const BundlePrefix = "bundles/"

// tombstoneSuffix marks a key that supersedes a bundle version, or every
// version of a bundle when the key carries no version.
const tombstoneSuffix = ".dead"

// BundleManifest is the stored JSON body of a bundle version.
type BundleManifest struct {
	Format     string    `json:"format"`
	Version    string    `json:"version"`
	CreatorUID int64     `json:"creator_uid"`
	Files      []FileRef `json:"files"`
}

// FileRef references one file of a bundle.
type FileRef struct {
	Name        string `json:"name"`
	UUID        string `json:"uuid"`
	Version     string `json:"version"`
	ContentType string `json:"content-type"`
	Indexed     bool   `json:"indexed"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
}

// BundleKey identifies a bundle manifest or tombstone.
type BundleKey struct {
	UUID      string
	Version   string // empty for an all-versions tombstone
	Tombstone bool
}

// String renders the storage key.
func (k BundleKey) String() string {
	key := BundlePrefix + k.UUID
	if k.Version != "" {
		key += "." + k.Version
	}
	if k.Tombstone {
		key += tombstoneSuffix
	}
	return key
}

// ParseBundleKey parses "bundles/{uuid}.{version}[.dead]" or
// "bundles/{uuid}.dead".
func ParseBundleKey(key string) (BundleKey, error) {
	rest, ok := strings.CutPrefix(key, BundlePrefix)
	if !ok {
		return BundleKey{}, fmt.Errorf("not a bundle key: %q", key)
	}
	var k BundleKey
	if trimmed, ok := strings.CutSuffix(rest, tombstoneSuffix); ok {
		k.Tombstone = true
		rest = trimmed
	}
	uuid, version, _ := strings.Cut(rest, ".")
	if uuid == "" {
		return BundleKey{}, fmt.Errorf("not a bundle key: %q", key)
	}
	if version == "" && !k.Tombstone {
		return BundleKey{}, fmt.Errorf("bundle key has no version: %q", key)
	}
	k.UUID = uuid
	k.Version = version
	return k, nil
}

// PutBundle stores a manifest under its bundle key.
func (s *Store) PutBundle(ctx context.Context, replica, bucket, uuid string, m BundleManifest) (string, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("put bundle %s: %w", uuid, err)
	}
	key := BundleKey{UUID: uuid, Version: m.Version}.String()
	if _, err := s.PutObject(ctx, replica, bucket, key, body); err != nil {
		return "", err
	}
	return key, nil
}
