package ociregistry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	godigest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	specv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// LayerPathAnnotation carries the manifest-relative POSIX path of the file
// an OCI layer holds. OCI registries conventionally identify layers by
// basename-only title annotations; preserving full directory structure
// requires this custom per-layer annotation.
const LayerPathAnnotation = "io.modelops.bundle.path"

// LayerMediaType is the media type used for every inline file layer.
const LayerMediaType = types.MediaType("application/octet-stream")

// LayerUpload is one file destined to ride as an OCI layer.
type LayerUpload struct {
	Path      string
	Digest    digest.Digest
	Size      int64
	LocalPath string
}

// PushWithIndexConfig uploads every layer blob (skipping ones already
// present), uploads the Bundle Index as the manifest's config blob, builds
// and pushes the manifest, and moves tag to it — all in one call.
// Returns the manifest's canonical digest.
func (c *Client) PushWithIndexConfig(ctx context.Context, r Ref, tag string, idx *bundleindex.Index, layers []LayerUpload, manifestAnnotations map[string]string) (digest.Digest, error) {
	indexRaw, err := idx.MarshalCanonical()
	if err != nil {
		return "", fmt.Errorf("ociregistry: marshaling bundle index: %w", err)
	}
	configDigest, err := idx.Digest()
	if err != nil {
		return "", err
	}
	configHash, err := v1.NewHash(string(configDigest))
	if err != nil {
		return "", err
	}

	v1Layers := make([]v1.Layer, 0, len(layers))
	layerDescriptors := make([]specv1.Descriptor, 0, len(layers))
	for _, lu := range layers {
		fl, err := newFileLayer(lu.LocalPath, lu.Digest, lu.Size, LayerMediaType)
		if err != nil {
			return "", fmt.Errorf("ociregistry: building layer for %s: %w", lu.Path, err)
		}
		v1Layers = append(v1Layers, fl)
		layerDescriptors = append(layerDescriptors, specv1.Descriptor{
			MediaType: string(LayerMediaType),
			Digest:    godigest.Digest(lu.Digest),
			Size:      lu.Size,
			Annotations: map[string]string{
				LayerPathAnnotation: lu.Path,
			},
		})
	}

	manifest := specv1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: specv1.MediaTypeImageManifest,
		Config: specv1.Descriptor{
			MediaType: bundleindex.MediaType,
			Digest:    godigest.Digest(configDigest),
			Size:      int64(len(indexRaw)),
		},
		Layers:      layerDescriptors,
		Annotations: manifestAnnotations,
	}
	manifestRaw, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("ociregistry: marshaling manifest: %w", err)
	}
	sum := sha256.Sum256(manifestRaw)
	manifestDigest := digest.Digest(fmt.Sprintf("sha256:%x", sum))
	manifestHash, err := v1.NewHash(string(manifestDigest))
	if err != nil {
		return "", err
	}

	img := &bundleImage{
		manifestRaw: manifestRaw,
		manifestMT:  types.MediaType(specv1.MediaTypeImageManifest),
		manifestD:   manifestHash,
		configRaw:   indexRaw,
		configD:     configHash,
		layers:      v1Layers,
	}

	reference, err := c.tagRef(r, tag)
	if err != nil {
		return "", err
	}

	if err := remote.Write(reference, img, c.remoteOpts(ctx)...); err != nil {
		return "", fmt.Errorf("ociregistry: pushing manifest to %s: %w", reference, classifyRemoteErr(err))
	}

	return manifestDigest, nil
}
