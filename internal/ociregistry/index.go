package ociregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	specv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
)

// GetIndex fetches the manifest at digestStr, reads its config blob digest,
// downloads that blob, and parses it as a Bundle Index. Any manifest whose
// config cannot be decoded as a Bundle Index is refused with ErrMissingIndex
// — this implementation never falls back to reading per-layer annotations
// from legacy manifests.
func (c *Client) GetIndex(ctx context.Context, r Ref, digestStr string) (*bundleindex.Index, error) {
	mr, err := c.GetManifestWithDigest(ctx, r, digestStr)
	if err != nil {
		return nil, err
	}

	var manifest specv1.Manifest
	if err := json.Unmarshal(mr.Raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest: %v", ErrMissingIndex, err)
	}

	configRaw, err := c.getBlob(ctx, r, string(manifest.Config.Digest))
	if err != nil {
		return nil, fmt.Errorf("ociregistry: fetching config blob: %w", err)
	}

	idx, err := bundleindex.Load(configRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingIndex, err)
	}
	return idx, nil
}

// getBlob streams an arbitrary content-addressed blob from the registry,
// identified by its digest, into memory. Used for config blobs (small,
// bounded by the index size) — per-file content goes through pull.go's
// streaming path instead.
func (c *Client) getBlob(ctx context.Context, r Ref, digestStr string) ([]byte, error) {
	var out []byte
	err := c.withReadRetry(ctx, func() error {
		rc, err := c.openBlob(ctx, r, digestStr)
		if err != nil {
			return err
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return classifyRemoteErr(err)
		}
		out = b
		return nil
	})
	return out, err
}
