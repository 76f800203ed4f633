// Package blobstore provides content-addressed put/get/exists storage for
// blob-classified file content, behind a Store interface with filesystem and
// S3 backends.
package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// ErrNotFound is returned by Get when the blob does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

// ErrExistsDiffers reports that a key already holds content whose digest
// differs from the one being written. No backend in this package returns
// it: Put never overwrites an existing key, and treats a key that already
// exists as holding the content without re-checking it.
var ErrExistsDiffers = errors.New("blobstore: existing blob differs from new content")

// BlobRef identifies a stored blob by canonical URI, plus an optional
// backend-reported ETag used for idempotent-write checks.
type BlobRef struct {
	URI  string `json:"uri"`
	ETag string `json:"etag,omitempty"`
}

// Store is the abstract put/get/exists contract from the design.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put uploads the file at localPath, whose content digest is d (already
	// computed by the caller), and returns a reference to it. Put is
	// idempotent: re-uploading the same digest must not re-transfer bytes
	// and must return an equivalent reference.
	Put(ctx context.Context, d digest.Digest, localPath string) (BlobRef, error)

	// Get downloads the blob at ref to destPath. The caller is responsible
	// for verifying the digest of what was written.
	Get(ctx context.Context, ref BlobRef, destPath string) error

	// Exists reports whether ref is present, for cheap idempotent-write
	// checks.
	Exists(ctx context.Context, ref BlobRef) (bool, error)
}

// ShardedKey builds the sharded key layout shared by every backend:
// <prefix>/<hex[0:2]>/<hex[2:4]>/<hex>.
func ShardedKey(prefix string, d digest.Digest) string {
	if prefix == "" {
		return d.ShardedPath()
	}
	return prefix + "/" + d.ShardedPath()
}

// NewFromPolicy constructs the backend named by provider, or returns
// (nil, nil) when provider is empty — callers must then refuse to push any
// file classified BLOB, per the storage policy's "no provider configured"
// rule.
func NewFromPolicy(provider string, cfg ProviderConfig) (Store, error) {
	switch provider {
	case "":
		return nil, nil
	case "fs":
		fs, err := NewFSStore(cfg.Root)
		if err != nil {
			return nil, err
		}
		return fs.AsStore(), nil
	case "s3":
		s3, err := NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("blobstore: unknown provider %q", provider)
	}
}

// ProviderConfig carries the union of fields the concrete backends need;
// unused fields for a given provider are ignored.
type ProviderConfig struct {
	Root   string // fs backend: absolute directory root
	Bucket string // s3 backend
	Prefix string // s3 backend: key prefix under the bucket
	Region string // s3 backend
}
