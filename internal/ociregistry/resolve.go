package ociregistry

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// ResolveResult is the outcome of resolving a tag to a digest.
type ResolveResult struct {
	Digest digest.Digest
	// FromHeader is false when the registry did not return a
	// Docker-Content-Digest header and the digest had to be computed
	// locally over the response bytes; callers should log a warning
	// in this case.
	FromHeader bool
}

// ResolveTagToDigest resolves ref (a tag, or already a digest) to its
// canonical digest. It issues a HEAD first; registries that don't honor HEAD
// fall back to a GET over the manifest bytes.
func (c *Client) ResolveTagToDigest(ctx context.Context, r Ref, ref string) (ResolveResult, error) {
	if isDigestForm(ref) {
		d, err := digest.Parse(ref)
		if err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Digest: d, FromHeader: true}, nil
	}

	reference, err := c.tagRef(r, ref)
	if err != nil {
		return ResolveResult{}, err
	}

	var result ResolveResult
	err = c.withReadRetry(ctx, func() error {
		desc, headErr := remote.Head(reference, c.remoteOpts(ctx)...)
		if headErr == nil && desc.Digest.Hex != "" {
			d, parseErr := digest.Parse(desc.Digest.String())
			if parseErr != nil {
				return parseErr
			}
			result = ResolveResult{Digest: d, FromHeader: true}
			return nil
		}

		got, getErr := remote.Get(reference, c.remoteOpts(ctx)...)
		if getErr != nil {
			return classifyRemoteErr(getErr)
		}
		if got.Descriptor.Digest.String() != "" {
			d, parseErr := digest.Parse(got.Descriptor.Digest.String())
			if parseErr == nil {
				result = ResolveResult{Digest: d, FromHeader: true}
				return nil
			}
		}
		sum := sha256.Sum256(got.Manifest)
		result = ResolveResult{Digest: digest.Digest(fmt.Sprintf("sha256:%x", sum)), FromHeader: false}
		return nil
	})
	return result, err
}

// ManifestResult is a fetched manifest together with its canonical digest
// and raw bytes.
type ManifestResult struct {
	Digest    digest.Digest
	MediaType string
	Raw       []byte
}

// GetManifestWithDigest fetches the manifest at ref and refuses multi
// platform artifacts (OCI image indexes, Docker manifest lists).
func (c *Client) GetManifestWithDigest(ctx context.Context, r Ref, ref string) (ManifestResult, error) {
	reference, err := c.refForString(r, ref)
	if err != nil {
		return ManifestResult{}, err
	}

	var result ManifestResult
	err = c.withReadRetry(ctx, func() error {
		desc, getErr := remote.Get(reference, c.remoteOpts(ctx)...)
		if getErr != nil {
			return classifyRemoteErr(getErr)
		}
		if desc.MediaType == types.OCIImageIndex || desc.MediaType == types.DockerManifestList {
			return fmt.Errorf("%w: %s", ErrUnsupportedArtifact, desc.MediaType)
		}
		d, parseErr := digestOf(desc.Descriptor.Digest.String(), desc.Manifest)
		if parseErr != nil {
			return parseErr
		}
		result = ManifestResult{Digest: d, MediaType: string(desc.MediaType), Raw: desc.Manifest}
		return nil
	})
	return result, err
}

// ListTags lists every tag in the repository.
func (c *Client) ListTags(ctx context.Context, r Ref) ([]string, error) {
	repo, err := c.repository(r)
	if err != nil {
		return nil, err
	}
	var tags []string
	err = c.withReadRetry(ctx, func() error {
		t, listErr := remote.List(repo, c.remoteOpts(ctx)...)
		if listErr != nil {
			return classifyRemoteErr(listErr)
		}
		tags = t
		return nil
	})
	return tags, err
}

func digestOf(headerDigest string, raw []byte) (digest.Digest, error) {
	if headerDigest != "" {
		if d, err := digest.Parse(headerDigest); err == nil {
			return d, nil
		}
	}
	sum := sha256.Sum256(raw)
	return digest.Digest(fmt.Sprintf("sha256:%x", sum)), nil
}
