// Package cas implements the cross-process-safe local content-addressed
// object store: atomic promotion of fetched content, and multi-strategy
// materialization into worker destinations.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// ErrDigestMismatch is returned by EnsurePresent when fetched content does
// not hash to the expected digest.
var ErrDigestMismatch = errors.New("cas: digest mismatch")

// DefaultLockTimeout is the generous bound for lock acquisition (~5
// minutes) before EnsurePresent gives up.
const DefaultLockTimeout = 5 * time.Minute

// CAS is a directory tree of immutable, digest-keyed objects, safe for
// concurrent use across processes.
type CAS struct {
	root        string
	lockTimeout time.Duration
}

// New constructs a CAS rooted at root, creating the object tree if absent.
func New(root string) (*CAS, error) {
	if root == "" {
		return nil, fmt.Errorf("cas: root must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(root, "objects", "sha256"), 0o755); err != nil {
		return nil, fmt.Errorf("cas: creating object tree: %w", err)
	}
	return &CAS{root: root, lockTimeout: DefaultLockTimeout}, nil
}

// PathFor validates d and returns the path it would occupy, without any
// side effects or filesystem access.
func (c *CAS) PathFor(d digest.Digest) (string, error) {
	if _, err := digest.Parse(string(d)); err != nil {
		return "", err
	}
	return filepath.Join(c.root, "objects", "sha256", d.Hex()[0:2], d.Hex()[2:4], d.Hex()), nil
}

func (c *CAS) lockPathFor(d digest.Digest) string {
	return filepath.Join(c.root, "objects", "sha256", d.Hex()[0:2], d.Hex()[2:4], d.Hex()+".lock")
}

// Has reports whether d's object is present.
func (c *CAS) Has(d digest.Digest) bool {
	path, err := c.PathFor(d)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// FetchFunc writes content into tmpPath; EnsurePresent verifies the result
// against the expected digest before promoting it.
type FetchFunc func(tmpPath string) error

// EnsurePresent runs the atomic promotion protocol from the design:
// fast-path existence check, acquire the per-digest lock, re-check under the
// lock, fetch into a same-directory temp file, verify the digest, fsync,
// chmod 0444, and rename into place. Exactly one caller across all
// concurrent processes observes fetch actually run.
func (c *CAS) EnsurePresent(ctx context.Context, d digest.Digest, fetch FetchFunc) (string, error) {
	final, err := c.PathFor(d)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(final); err == nil {
		return final, nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cas: creating shard dir: %w", err)
	}

	lockPath := c.lockPathFor(d)
	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("cas: acquiring lock for %s: %w", d, err)
	}
	if !locked {
		return "", fmt.Errorf("cas: timed out acquiring lock for %s", d)
	}
	defer fl.Unlock()

	// Re-check: another process may have just finished while we waited.
	if _, err := os.Stat(final); err == nil {
		return final, nil
	}

	tmp, err := os.CreateTemp(dir, "tmp-"+uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("cas: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()

	if err := fetch(tmpPath); err != nil {
		return "", fmt.Errorf("cas: fetch failed for %s: %w", d, err)
	}

	actual, err := digestFile(tmpPath)
	if err != nil {
		return "", fmt.Errorf("cas: hashing fetched content: %w", err)
	}
	if actual != d {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, d, actual)
	}

	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("cas: reopening temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("cas: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("cas: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return "", fmt.Errorf("cas: making object read-only: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return "", fmt.Errorf("cas: promoting object: %w", err)
	}
	removed = true
	syncDirBestEffort(dir)

	return final, nil
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

// syncDirBestEffort fsyncs a directory to persist the rename, ignoring
// platforms/filesystems that do not support fsyncing directories.
func syncDirBestEffort(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// CleanupOldObjects removes objects whose modification time is older than
// keepRecent; access time is not consulted. Lock files are preserved.
func (c *CAS) CleanupOldObjects(keepRecent time.Duration) error {
	cutoff := time.Now().Add(-keepRecent)
	root := filepath.Join(c.root, "objects", "sha256")
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".lock" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
		}
		return nil
	})
}
