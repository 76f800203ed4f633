package ociregistry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/cas"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// DefaultWorkerCount bounds the fan-out for concurrent blob transfers: a
// small worker pool (default ~4) — a knob, not a correctness factor.
const DefaultWorkerCount = 4

// openBlob opens a streaming reader over an arbitrary content-addressed
// blob in r's repository, identified by digestStr. go-containerregistry has
// no "fetch blob by digest" call outside an image/index context, so this
// goes through remote.Layer, which resolves any digest reference to a blob
// descriptor without requiring it to belong to a fetched manifest's layer
// list. Used for the Bundle Index config blob and for OCI-stored per-file
// content alike.
func (c *Client) openBlob(ctx context.Context, r Ref, digestStr string) (io.ReadCloser, error) {
	ref, err := c.digestRef(r, digestStr)
	if err != nil {
		return nil, err
	}
	digestRef, ok := ref.(name.Digest)
	if !ok {
		return nil, fmt.Errorf("ociregistry: %s is not a digest reference", ref)
	}
	layer, err := remote.Layer(digestRef, c.remoteOpts(ctx)...)
	if err != nil {
		return nil, classifyRemoteErr(err)
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, classifyRemoteErr(err)
	}
	return rc, nil
}

// PullSelected downloads the content for each of entries into destDir,
// routing OCI-stored files through the registry and BLOB-stored files
// through store, When casStore is non-nil, fetched
// content is promoted into the CAS under its digest and then materialized
// into destDir using mode; otherwise content is written straight to its
// destination path through an atomic temp-file-then-rename. Every file's
// digest is verified before it is considered present; a mismatch removes
// the bad temp file and returns ErrDigestMismatch.
func (c *Client) PullSelected(ctx context.Context, r Ref, entries []bundleindex.FileEntry, destDir string, store blobstore.Store, casStore *cas.CAS, mode cas.Mode) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultWorkerCount)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			destPath := filepath.Join(destDir, filepath.FromSlash(entry.Path))
			if err := c.pullOne(gctx, r, entry, destPath, store, casStore, mode); err != nil {
				return fmt.Errorf("ociregistry: pulling %s: %w", entry.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) pullOne(ctx context.Context, r Ref, entry bundleindex.FileEntry, destPath string, store blobstore.Store, casStore *cas.CAS, mode cas.Mode) error {
	fetchInto, err := c.fetchFuncFor(ctx, r, entry, store)
	if err != nil {
		return err
	}

	if casStore != nil {
		if _, err := casStore.EnsurePresent(ctx, entry.Digest, fetchInto); err != nil {
			return remapCASDigestErr(entry, err)
		}
		return casStore.Materialize(entry.Digest, destPath, mode, false)
	}

	return c.pullDirect(entry, destPath, fetchInto)
}

// fetchFuncFor builds the FetchFunc for entry, dispatching on its storage
// location. It is shared between the CAS-backed path (cas.FetchFunc) and
// the direct-write path, which uses the identical signature.
func (c *Client) fetchFuncFor(ctx context.Context, r Ref, entry bundleindex.FileEntry, store blobstore.Store) (cas.FetchFunc, error) {
	switch entry.Storage {
	case bundleindex.StorageOCI:
		return func(tmpPath string) error {
			return c.withReadRetry(ctx, func() error {
				rc, err := c.openBlob(ctx, r, string(entry.Digest))
				if err != nil {
					return err
				}
				defer rc.Close()
				f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0o644)
				if err != nil {
					return fmt.Errorf("ociregistry: opening temp file: %w", err)
				}
				defer f.Close()
				if _, err := io.Copy(f, rc); err != nil {
					return classifyRemoteErr(err)
				}
				return f.Sync()
			})
		}, nil
	case bundleindex.StorageBlob:
		if store == nil {
			return nil, fmt.Errorf("ociregistry: %s requires blob storage but none is configured", entry.Path)
		}
		if entry.BlobRef == nil {
			return nil, fmt.Errorf("ociregistry: %s is blob-stored but has no blob ref", entry.Path)
		}
		ref := *entry.BlobRef
		return func(tmpPath string) error {
			return c.withReadRetry(ctx, func() error {
				return store.Get(ctx, ref, tmpPath)
			})
		}, nil
	default:
		return nil, fmt.Errorf("ociregistry: %s has unrecognized storage location %q", entry.Path, entry.Storage)
	}
}

// pullDirect writes content straight to destPath without going through the
// CAS: a same-directory temp file, digest verification, then rename.
func (c *Client) pullDirect(entry bundleindex.FileEntry, destPath string, fetchInto cas.FetchFunc) error {
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("ociregistry: creating destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(destDir, "tmp-pull-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("ociregistry: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()

	if err := fetchInto(tmpPath); err != nil {
		return err
	}

	actual, err := digestFile(tmpPath)
	if err != nil {
		return fmt.Errorf("ociregistry: hashing fetched content: %w", err)
	}
	if actual != entry.Digest {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrDigestMismatch, entry.Path, entry.Digest, actual)
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("ociregistry: setting perms: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("ociregistry: renaming into place: %w", err)
	}
	removed = true
	return nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	d, _, err := digest.FromReader(f)
	return d, err
}

// remapCASDigestErr translates the cas package's own ErrDigestMismatch
// (returned by EnsurePresent) into this package's taxonomy, so callers only
// ever match ociregistry.ErrDigestMismatch regardless of which path fetched
// the content.
func remapCASDigestErr(entry bundleindex.FileEntry, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, cas.ErrDigestMismatch) {
		return fmt.Errorf("%w: %s: %v", ErrDigestMismatch, entry.Path, err)
	}
	return fmt.Errorf("%s: %w", entry.Path, err)
}
