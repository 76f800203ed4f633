// Package bundlerepo implements the worker-side bundle repository: given a
// bundle reference, ensure a complete, digest-verified directory exists on
// local disk, safe against concurrent callers racing on the same digest.
package bundlerepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/cas"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ociregistry"
)

// DefaultLockTimeout bounds how long EnsureLocal waits to acquire a
// per-bundle lock before giving up.
const DefaultLockTimeout = 5 * time.Minute

// ErrInvalidRef is returned when a bundle reference is neither
// "sha256:<hex>" nor "<repository>@sha256:<hex>".
var ErrInvalidRef = errors.New("bundlerepo: invalid bundle reference")

// Naming selects how a bundle's directory under bundles/ is named.
// Locks, cached indexes, and the per-digest serialization key always use
// the full digest regardless of strategy.
type Naming int

const (
	// NamingFull names directories by the full 64-hex digest. The default.
	NamingFull Naming = iota
	// NamingShort12 uses the first 12 hex characters, Docker style.
	NamingShort12
	// NamingGit shards as <hex[0:2]>/<hex[2:4]>/<rest>, Git style.
	NamingGit
)

// Repo is a worker-side cache directory backed by a shared local CAS.
//
// Layout:
//
//	<cache>/objects/...     (the CAS itself)
//	<cache>/bundles/<digest-or-shorthand>/
//	<cache>/bundles/<digest-or-shorthand>.complete
//	<cache>/indexes/<hex>.json
//	<cache>/locks/<hex>.lock
type Repo struct {
	cacheDir string
	cas      *cas.CAS
	client   ociregistry.RegistryClient
	blobs    blobstore.Store
	naming   Naming
}

// Option configures a Repo.
type Option func(*Repo)

// WithNaming selects the bundle-directory naming strategy.
func WithNaming(n Naming) Option {
	return func(r *Repo) { r.naming = n }
}

// Open constructs a Repo rooted at cacheDir, creating the bundles/, indexes/,
// and locks/ subdirectories and the backing CAS if absent. blobs may be nil;
// a bundle whose index contains BLOB-stored entries then fails to
// materialize those entries, matching the push-side "no provider
// configured" refusal.
func Open(cacheDir string, client ociregistry.RegistryClient, blobs blobstore.Store, opts ...Option) (*Repo, error) {
	casStore, err := cas.New(cacheDir)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"bundles", "indexes", "locks"} {
		if err := os.MkdirAll(filepath.Join(cacheDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("bundlerepo: creating %s: %w", sub, err)
		}
	}
	r := &Repo{cacheDir: cacheDir, cas: casStore, client: client, blobs: blobs}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ParseRef parses a bundle reference into an optional repository override
// and the 64-hex digest it names. repository is "" when ref is a bare
// "sha256:<hex>" digest.
func ParseRef(ref string) (repository string, d digest.Digest, err error) {
	if at := strings.LastIndex(ref, "@"); at >= 0 {
		repository = ref[:at]
		d, err = digest.Parse(ref[at+1:])
		if err != nil {
			return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidRef, ref, err)
		}
		if repository == "" {
			return "", "", fmt.Errorf("%w: %q: empty repository before \"@\"", ErrInvalidRef, ref)
		}
		return repository, d, nil
	}
	d, err = digest.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidRef, ref, err)
	}
	return "", d, nil
}

// dirName applies the configured naming strategy to d.
func (r *Repo) dirName(d digest.Digest) string {
	h := d.Hex()
	switch r.naming {
	case NamingShort12:
		return h[:12]
	case NamingGit:
		return filepath.Join(h[0:2], h[2:4], h[4:])
	default:
		return h
	}
}

func (r *Repo) bundleDir(d digest.Digest) string {
	return filepath.Join(r.cacheDir, "bundles", r.dirName(d))
}

func (r *Repo) completeMarker(d digest.Digest) string {
	return filepath.Join(r.cacheDir, "bundles", r.dirName(d)+".complete")
}

func (r *Repo) indexPath(d digest.Digest) string {
	return filepath.Join(r.cacheDir, "indexes", d.Hex()+".json")
}

func (r *Repo) lockPath(d digest.Digest) string {
	return filepath.Join(r.cacheDir, "locks", d.Hex()+".lock")
}

// EnsureLocal materializes bundleRef into the cache and returns its digest
// and the directory it was written to. Concurrent callers for the same
// digest, in this process or another, serialize on a per-digest lock; only
// one of them does the work.
func (r *Repo) EnsureLocal(ctx context.Context, ref ociregistry.Ref, bundleRef string) (string, string, error) {
	repoOverride, d, err := ParseRef(bundleRef)
	if err != nil {
		return "", "", err
	}
	if repoOverride != "" {
		ref.Repository = repoOverride
	}

	fl := flock.New(r.lockPath(d))
	lockCtx, cancel := context.WithTimeout(ctx, DefaultLockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return "", "", fmt.Errorf("bundlerepo: acquiring lock for %s: %w", d, err)
	}
	if !locked {
		return "", "", fmt.Errorf("bundlerepo: timed out acquiring lock for %s", d)
	}
	defer fl.Unlock()

	dir := r.bundleDir(d)
	marker := r.completeMarker(d)

	if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
		if _, markerErr := os.Stat(marker); markerErr == nil {
			return string(d), dir, nil
		}
		// Crash remnant: a directory with no completeness marker is not
		// trustworthy. Remove it and rebuild from scratch.
		if err := os.RemoveAll(dir); err != nil {
			return "", "", fmt.Errorf("bundlerepo: removing incomplete directory: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("bundlerepo: creating bundle directory: %w", err)
	}
	succeeded := false
	defer func() {
		if !succeeded {
			os.RemoveAll(dir)
		}
	}()

	idx, err := r.loadOrFetchIndex(ctx, ref, d)
	if err != nil {
		return "", "", err
	}

	if err := r.materialize(ctx, ref, dir, idx); err != nil {
		return "", "", err
	}

	if err := writeMarker(marker); err != nil {
		return "", "", fmt.Errorf("bundlerepo: writing completeness marker: %w", err)
	}

	succeeded = true
	return string(d), dir, nil
}

// loadOrFetchIndex returns the cached Bundle Index for d if present under
// indexes/, otherwise fetches it from the registry and caches it.
func (r *Repo) loadOrFetchIndex(ctx context.Context, ref ociregistry.Ref, d digest.Digest) (*bundleindex.Index, error) {
	if raw, err := os.ReadFile(r.indexPath(d)); err == nil {
		idx, loadErr := bundleindex.Load(raw)
		if loadErr == nil {
			return idx, nil
		}
		// A corrupt cache entry is not fatal: refetch from the registry.
	}

	idx, err := r.client.GetIndex(ctx, ref, string(d))
	if err != nil {
		return nil, fmt.Errorf("bundlerepo: fetching bundle index: %w", err)
	}
	raw, err := idx.MarshalCanonical()
	if err != nil {
		return nil, fmt.Errorf("bundlerepo: marshaling bundle index: %w", err)
	}
	if err := writeAtomic(r.indexPath(d), raw); err != nil {
		return nil, fmt.Errorf("bundlerepo: caching bundle index: %w", err)
	}
	return idx, nil
}

// materialize places every file entry of idx into dir. When every entry is
// OCI-stored and already present in the CAS, it materializes straight from
// the CAS with no network traffic; otherwise it falls back to pulling
// through the registry client, which promotes fetched content into the CAS
// as it goes.
func (r *Repo) materialize(ctx context.Context, ref ociregistry.Ref, dir string, idx *bundleindex.Index) error {
	allCached := true
	for _, fe := range idx.Files {
		if fe.Storage != bundleindex.StorageOCI || !r.cas.Has(fe.Digest) {
			allCached = false
			break
		}
	}
	if allCached {
		for _, fe := range idx.Files {
			dest := filepath.Join(dir, filepath.FromSlash(fe.Path))
			if err := r.cas.Materialize(fe.Digest, dest, cas.ModeAuto, false); err != nil {
				return fmt.Errorf("bundlerepo: materializing %s from cache: %w", fe.Path, err)
			}
		}
		return nil
	}

	entries := make([]bundleindex.FileEntry, 0, len(idx.Files))
	for _, fe := range idx.Files {
		entries = append(entries, fe)
	}
	if err := r.client.PullSelected(ctx, ref, entries, dir, r.blobs, r.cas, cas.ModeAuto); err != nil {
		return fmt.Errorf("bundlerepo: pulling bundle contents: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-"+uuid.NewString())
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	removed = true
	return nil
}

// writeMarker creates the completeness marker file, whose content is a
// timestamp for debugging, through the same atomic write discipline used
// everywhere else in this package.
func writeMarker(path string) error {
	return writeAtomic(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"))
}
