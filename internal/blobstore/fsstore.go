package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// FSStore is the filesystem blob store backend, rooted at a directory and
// keyed by sharded sha256 path exactly like the local CAS. Its low-level
// API (WriteSmall, WriteLarge, ReadSmall, Open, Path, Exists) mirrors the
// contract exercised by the blob store's own test suite; Put/Get/Exists
// adapt that API to the abstract Store interface.
type FSStore struct {
	root string
}

// NewFSStore constructs a filesystem-backed Store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blobstore: fs store requires a non-empty root directory")
	}
	return &FSStore{root: dir}, nil
}

// Init creates the root directory layout.
func (s *FSStore) Init() error {
	return os.MkdirAll(filepath.Join(s.root, "blobs", "sha256"), 0o755)
}

// Path returns the on-disk path for digest d, accepted with or without the
// "sha256:" prefix.
func (s *FSStore) Path(d string) string {
	hexPart := d
	if len(d) > len(digest.Prefix) && d[:len(digest.Prefix)] == digest.Prefix {
		hexPart = d[len(digest.Prefix):]
	}
	if len(hexPart) < 4 {
		return filepath.Join(s.root, "blobs", "sha256", hexPart)
	}
	return filepath.Join(s.root, "blobs", "sha256", hexPart[0:2], hexPart[2:4], hexPart)
}

// Exists reports whether digest d is present.
func (s *FSStore) Exists(d string) bool {
	_, err := os.Stat(s.Path(d))
	return err == nil
}

// WriteSmall computes the digest of data and writes it, returning the
// canonical digest string.
func (s *FSStore) WriteSmall(data []byte) (string, error) {
	d := digest.FromBytes(data)
	if err := s.writeAtomic(string(d), data); err != nil {
		return "", err
	}
	return string(d), nil
}

// WriteSmallWithDigest writes data under the caller-supplied digest,
// erroring if it does not match the actual content. Re-writing the same
// digest with the same content is a no-op.
func (s *FSStore) WriteSmallWithDigest(wantDigest string, data []byte) error {
	d, err := digest.Parse(wantDigest)
	if err != nil {
		return err
	}
	if err := digest.Verify(d, data); err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}
	return s.writeAtomic(string(d), data)
}

// WriteLarge streams r into storage under the caller-supplied digest. As
// with WriteSmallWithDigest, nothing is left on disk if the digest does not
// match what was actually read: the temp file is removed.
func (s *FSStore) WriteLarge(wantDigest string, r io.Reader) error {
	d, err := digest.Parse(wantDigest)
	if err != nil {
		return err
	}
	if s.Exists(string(d)) {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}

	dir := filepath.Dir(s.Path(string(d)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: creating shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "tmp-upload-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()

	got, _, err := digest.FromReader(io.TeeReader(r, tmp))
	closeErr := tmp.Close()
	if err != nil {
		return fmt.Errorf("blobstore: writing large blob: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("blobstore: closing temp file: %w", closeErr)
	}
	if got != d {
		return fmt.Errorf("blobstore: digest mismatch: expected %s, got %s", d, got)
	}

	final := s.Path(string(d))
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("blobstore: promoting blob: %w", err)
	}
	removed = true
	return nil
}

// ReadSmall reads the full content of digest d, removing it from disk if
// the stored bytes no longer match the digest.
func (s *FSStore) ReadSmall(d string) ([]byte, error) {
	path := s.Path(d)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: reading %s: %w", d, err)
	}
	want, err := digest.Parse(d)
	if err != nil {
		return nil, err
	}
	if err := digest.Verify(want, data); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("blobstore: corrupted blob removed: %w", err)
	}
	return data, nil
}

// Open returns a reader over the blob at digest d.
func (s *FSStore) Open(d string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: opening %s: %w", d, err)
	}
	return f, nil
}

func (s *FSStore) writeAtomic(wantDigest string, data []byte) error {
	final := s.Path(wantDigest)
	if _, err := os.Stat(final); err == nil {
		return nil
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: creating shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "tmp-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: promoting blob: %w", err)
	}
	return nil
}

// Put implements Store. The localPath's content is streamed in and verified
// against d; the returned BlobRef is an fs:// URI pointing at the final
// sharded path.
func (s *FSStore) Put(ctx context.Context, d digest.Digest, localPath string) (BlobRef, error) {
	if ctx.Err() != nil {
		return BlobRef{}, ctx.Err()
	}
	f, err := os.Open(localPath)
	if err != nil {
		return BlobRef{}, fmt.Errorf("blobstore: opening %s: %w", localPath, err)
	}
	defer f.Close()
	if err := s.WriteLarge(string(d), f); err != nil {
		return BlobRef{}, err
	}
	return BlobRef{URI: BuildFSURI(s.Path(string(d)))}, nil
}

// Get implements Store by copying the blob at ref to destPath through a
// temp-file-then-rename in destPath's directory.
func (s *FSStore) Get(ctx context.Context, ref BlobRef, destPath string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	parsed, err := ParseBlobURI(ref.URI)
	if err != nil {
		return err
	}
	src, err := os.Open(parsed.Key)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("blobstore: opening %s: %w", parsed.Key, err)
	}
	defer src.Close()

	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("blobstore: creating destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(destDir, "tmp-get-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: copying blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: renaming into place: %w", err)
	}
	return nil
}

// existsRef backs the Store-interface adapter's Exists(ctx, BlobRef); kept
// unexported because FSStore's own Exists(digest string) bool already
// occupies that method name for the low-level contract.
func (s *FSStore) existsRef(ctx context.Context, ref BlobRef) (bool, error) {
	parsed, err := ParseBlobURI(ref.URI)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(parsed.Key)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// AsStore adapts s to the abstract Store interface.
func (s *FSStore) AsStore() Store {
	return fsStoreAdapter{s}
}

var _ Store = fsStoreAdapter{}

// fsStoreAdapter exposes FSStore's low-level API through the three-method
// Store interface without a name collision between Exists(string) bool and
// Exists(ctx, BlobRef) (bool, error).
type fsStoreAdapter struct{ *FSStore }

func (a fsStoreAdapter) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	return a.existsRef(ctx, ref)
}
