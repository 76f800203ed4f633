// Package bundleindex implements the per-bundle file catalog that is stored
// as the OCI manifest's config blob: the canonical mapping from path to
// digest, size, and storage location.
package bundleindex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// SchemaVersion is the only version this implementation recognizes.
const SchemaVersion = "1.0"

// MediaType is the manifest config media type identifying the bundle index
// schema, used as the OCI Descriptor.MediaType of the config blob.
const MediaType = "application/vnd.modelops.bundle.index.v1+json"

// StorageLocation is a closed two-variant enum: a file's content either
// rides inline as an OCI layer, or lives in external blob storage.
type StorageLocation string

const (
	StorageOCI  StorageLocation = "oci"
	StorageBlob StorageLocation = "blob"
)

// Valid reports whether s is one of the two recognized storage locations.
func (s StorageLocation) Valid() bool {
	return s == StorageOCI || s == StorageBlob
}

var (
	// ErrInvalidPath is returned for any path that is not a clean,
	// POSIX-relative path without ".." components.
	ErrInvalidPath = errors.New("bundleindex: invalid path")
	// ErrInvariantViolation is returned when a FileEntry's storage location
	// and blob_ref disagree.
	ErrInvariantViolation = errors.New("bundleindex: storage/blobRef invariant violated")
	// ErrUnrecognizedSchema is returned by Load for any version other than
	// SchemaVersion.
	ErrUnrecognizedSchema = errors.New("bundleindex: unrecognized schema version")
)

// FileEntry is one catalog record: a path bound to a digest, size, and
// storage location.
type FileEntry struct {
	Path    string             `json:"path"`
	Digest  digest.Digest      `json:"digest"`
	Size    int64              `json:"size"`
	Storage StorageLocation    `json:"storage"`
	BlobRef *blobstore.BlobRef `json:"blobRef,omitempty"`
}

// Validate checks the path, digest, size, and storage/blobRef invariant for
// a single entry.
func (e FileEntry) Validate() error {
	if err := ValidatePath(e.Path); err != nil {
		return err
	}
	if _, err := digest.Parse(string(e.Digest)); err != nil {
		return err
	}
	if e.Size < 0 {
		return fmt.Errorf("bundleindex: entry %q has negative size %d", e.Path, e.Size)
	}
	if !e.Storage.Valid() {
		return fmt.Errorf("bundleindex: entry %q has invalid storage %q", e.Path, e.Storage)
	}
	isBlob := e.Storage == StorageBlob
	hasBlobRef := e.BlobRef != nil
	if isBlob != hasBlobRef {
		return fmt.Errorf("%w: path %q storage=%s blobRef-present=%v", ErrInvariantViolation, e.Path, e.Storage, hasBlobRef)
	}
	return nil
}

// ValidatePath enforces: POSIX-relative, forward slashes, no leading slash,
// no ".." components.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q: leading slash", ErrInvalidPath, p)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("%w: %q: backslash not allowed", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean != p {
		return fmt.Errorf("%w: %q: not in clean POSIX form (got %q)", ErrInvalidPath, p, clean)
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return fmt.Errorf("%w: %q: contains \"..\"", ErrInvalidPath, p)
		}
	}
	return nil
}

// Index is the full per-bundle catalog.
type Index struct {
	Version  string               `json:"version"`
	Created  time.Time            `json:"created"`
	Files    map[string]FileEntry `json:"files"`
	Metadata map[string]string    `json:"metadata,omitempty"`
}

// New constructs an empty Index stamped with the current schema version.
func New(created time.Time) *Index {
	return &Index{
		Version: SchemaVersion,
		Created: created.UTC(),
		Files:   map[string]FileEntry{},
	}
}

// Validate checks every invariant over the whole index.
func (idx *Index) Validate() error {
	if idx.Version != SchemaVersion {
		return fmt.Errorf("%w: %q", ErrUnrecognizedSchema, idx.Version)
	}
	for p, e := range idx.Files {
		if p != e.Path {
			return fmt.Errorf("bundleindex: map key %q does not match entry path %q", p, e.Path)
		}
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// canonicalIndex is the on-the-wire shape. created is serialized as RFC3339
// UTC to match the "ISO 8601 UTC" requirement exactly.
type canonicalIndex struct {
	Version  string               `json:"version"`
	Created  string               `json:"created"`
	Files    map[string]FileEntry `json:"files"`
	Metadata map[string]string    `json:"metadata,omitempty"`
}

// MarshalCanonical produces the canonical serialization: object keys
// sorted recursively, compact separators. encoding/json emits struct
// fields in declaration order, so the struct encoding is decoded into
// generic maps and encoded again; encoding/json sorts map keys and emits
// no extraneous whitespace.
func (idx *Index) MarshalCanonical() ([]byte, error) {
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	c := canonicalIndex{
		Version:  idx.Version,
		Created:  idx.Created.UTC().Format(time.RFC3339),
		Files:    idx.Files,
		Metadata: idx.Metadata,
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Digest returns the content digest of the canonical serialization — the
// authoritative "bundle digest".
func (idx *Index) Digest() (digest.Digest, error) {
	b, err := idx.MarshalCanonical()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b), nil
}

// Load parses and validates a raw config blob as a Bundle Index.
func Load(raw []byte) (*Index, error) {
	var c canonicalIndex
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("bundleindex: decoding: %w", err)
	}
	created, err := time.Parse(time.RFC3339, c.Created)
	if err != nil {
		return nil, fmt.Errorf("bundleindex: parsing created timestamp %q: %w", c.Created, err)
	}
	idx := &Index{
		Version:  c.Version,
		Created:  created.UTC(),
		Files:    c.Files,
		Metadata: c.Metadata,
	}
	if idx.Files == nil {
		idx.Files = map[string]FileEntry{}
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}
