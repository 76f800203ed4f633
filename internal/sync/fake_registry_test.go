package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/cas"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ociregistry"
)

// fakeRegistry is an in-memory stand-in for ociregistry.RegistryClient: it
// keeps tags, manifests, and blob content in maps instead of dialing a
// registry, so PlanPush/ApplyPush/PlanPull/ApplyPull can be exercised
// without network I/O.
type fakeRegistry struct {
	mu        sync.Mutex
	tags      map[string]digest.Digest
	manifests map[digest.Digest]*bundleindex.Index
	blobs     map[digest.Digest][]byte
	pushCalls int
}

var _ ociregistry.RegistryClient = (*fakeRegistry)(nil)

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		tags:      map[string]digest.Digest{},
		manifests: map[digest.Digest]*bundleindex.Index{},
		blobs:     map[digest.Digest][]byte{},
	}
}

func (f *fakeRegistry) ResolveTagToDigest(ctx context.Context, r ociregistry.Ref, ref string) (ociregistry.ResolveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, err := digest.Parse(ref); err == nil {
		return ociregistry.ResolveResult{Digest: d, FromHeader: true}, nil
	}
	d, ok := f.tags[ref]
	if !ok {
		return ociregistry.ResolveResult{}, fmt.Errorf("fakeRegistry: tag %q: %w", ref, ociregistry.ErrNotFound)
	}
	return ociregistry.ResolveResult{Digest: d, FromHeader: true}, nil
}

func (f *fakeRegistry) GetManifestWithDigest(ctx context.Context, r ociregistry.Ref, ref string) (ociregistry.ManifestResult, error) {
	return ociregistry.ManifestResult{}, fmt.Errorf("fakeRegistry: GetManifestWithDigest unused by sync")
}

func (f *fakeRegistry) GetIndex(ctx context.Context, r ociregistry.Ref, digestStr string) (*bundleindex.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.manifests[digest.Digest(digestStr)]
	if !ok {
		return nil, fmt.Errorf("fakeRegistry: digest %s: %w", digestStr, ociregistry.ErrNotFound)
	}
	return idx, nil
}

func (f *fakeRegistry) ListTags(ctx context.Context, r ociregistry.Ref) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tags))
	for t := range f.tags {
		out = append(out, t)
	}
	return out, nil
}

// PushWithIndexConfig mimics the registry's push: it derives a manifest
// digest from the index's canonical content, slurps every layer's local
// file into the blob map, and moves tag to the new digest.
func (f *fakeRegistry) PushWithIndexConfig(ctx context.Context, r ociregistry.Ref, tag string, idx *bundleindex.Index, layers []ociregistry.LayerUpload, manifestAnnotations map[string]string) (digest.Digest, error) {
	d, err := idx.Digest()
	if err != nil {
		return "", err
	}
	data := make(map[digest.Digest][]byte, len(layers))
	for _, lu := range layers {
		b, err := os.ReadFile(lu.LocalPath)
		if err != nil {
			return "", err
		}
		data[lu.Digest] = b
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for dg, b := range data {
		f.blobs[dg] = b
	}
	f.manifests[d] = idx
	f.tags[tag] = d
	f.pushCalls++
	return d, nil
}

// PullSelected writes each requested entry's content, by digest, into
// destDir. Only entries previously pushed (or seeded directly onto f.blobs)
// are resolvable.
func (f *fakeRegistry) PullSelected(ctx context.Context, r ociregistry.Ref, entries []bundleindex.FileEntry, destDir string, store blobstore.Store, casStore *cas.CAS, mode cas.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fe := range entries {
		b, ok := f.blobs[fe.Digest]
		if !ok {
			return fmt.Errorf("fakeRegistry: no content for %s (digest %s)", fe.Path, fe.Digest)
		}
		full := filepath.Join(destDir, filepath.FromSlash(fe.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, b, 0o644); err != nil {
			return err
		}
	}
	return nil
}
