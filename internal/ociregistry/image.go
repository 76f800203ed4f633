package ociregistry

import (
	"bytes"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// fileLayer is a v1.Layer backed by a local file, streamed uncompressed —
// bundle file content rides as plain octet-stream layers, never gzip, so
// DiffID and Digest are identical.
type fileLayer struct {
	path      string
	d         v1.Hash
	size      int64
	mediaType types.MediaType
}

func newFileLayer(path string, d digest.Digest, size int64, mediaType types.MediaType) (*fileLayer, error) {
	h, err := v1.NewHash(string(d))
	if err != nil {
		return nil, err
	}
	return &fileLayer{path: path, d: h, size: size, mediaType: mediaType}, nil
}

func (l *fileLayer) Digest() (v1.Hash, error) { return l.d, nil }
func (l *fileLayer) DiffID() (v1.Hash, error) { return l.d, nil }
func (l *fileLayer) Size() (int64, error)     { return l.size, nil }
func (l *fileLayer) MediaType() (types.MediaType, error) {
	return l.mediaType, nil
}

func (l *fileLayer) Compressed() (io.ReadCloser, error) {
	return os.Open(l.path)
}

func (l *fileLayer) Uncompressed() (io.ReadCloser, error) {
	return os.Open(l.path)
}

// bundleImage adapts a pre-built OCI manifest, config blob, and layer set
// into the v1.Image interface so remote.Write can push it as a single unit
// — one PUT per blob, then the manifest, then the tag. The bundle index
// config is never validated as a v1.ConfigFile; ConfigFile returns an empty
// stub since remote.Write's write path never calls it (it reads raw bytes).
type bundleImage struct {
	manifestRaw []byte
	manifestMT  types.MediaType
	manifestD   v1.Hash

	configRaw []byte
	configD   v1.Hash

	layers []v1.Layer
}

func (img *bundleImage) Layers() ([]v1.Layer, error)         { return img.layers, nil }
func (img *bundleImage) MediaType() (types.MediaType, error) { return img.manifestMT, nil }
func (img *bundleImage) Size() (int64, error)                { return int64(len(img.manifestRaw)), nil }
func (img *bundleImage) ConfigName() (v1.Hash, error)        { return img.configD, nil }
func (img *bundleImage) ConfigFile() (*v1.ConfigFile, error) { return &v1.ConfigFile{}, nil }
func (img *bundleImage) RawConfigFile() ([]byte, error)      { return img.configRaw, nil }
func (img *bundleImage) Digest() (v1.Hash, error)            { return img.manifestD, nil }
func (img *bundleImage) RawManifest() ([]byte, error)        { return img.manifestRaw, nil }

func (img *bundleImage) Manifest() (*v1.Manifest, error) {
	return v1.ParseManifest(bytes.NewReader(img.manifestRaw))
}

func (img *bundleImage) LayerByDigest(h v1.Hash) (v1.Layer, error) {
	for _, l := range img.layers {
		d, err := l.Digest()
		if err == nil && d == h {
			return l, nil
		}
	}
	return nil, ErrNotFound
}

func (img *bundleImage) LayerByDiffID(h v1.Hash) (v1.Layer, error) {
	return img.LayerByDigest(h)
}
