// Package ociregistry implements the OCI distribution operations the bundle
// synchronization engine needs: resolving tags, fetching manifests and the
// Bundle Index config blob, pushing a full manifest/config/layer set, and
// pulling selected files. It refuses multi-platform artifacts outright and
// treats a manifest whose config blob is not a Bundle Index as unsupported.
package ociregistry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/cas"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// RegistryClient is the seam Plan/Apply (internal/sync) and the worker-side
// bundle repository (internal/bundlerepo) depend on, rather than the
// concrete *Client: it lets both be exercised against a fake in tests
// without dialing a live registry. *Client implements it.
type RegistryClient interface {
	ResolveTagToDigest(ctx context.Context, r Ref, ref string) (ResolveResult, error)
	GetManifestWithDigest(ctx context.Context, r Ref, ref string) (ManifestResult, error)
	GetIndex(ctx context.Context, r Ref, digestStr string) (*bundleindex.Index, error)
	ListTags(ctx context.Context, r Ref) ([]string, error)
	PushWithIndexConfig(ctx context.Context, r Ref, tag string, idx *bundleindex.Index, layers []LayerUpload, manifestAnnotations map[string]string) (digest.Digest, error)
	PullSelected(ctx context.Context, r Ref, entries []bundleindex.FileEntry, destDir string, store blobstore.Store, casStore *cas.CAS, mode cas.Mode) error
}

var _ RegistryClient = (*Client)(nil)

// Client talks to one OCI distribution-compatible registry endpoint on
// behalf of the bundle engine. It is safe for concurrent use.
type Client struct {
	keychain   authn.Keychain
	baseRT     http.RoundTripper
	insecure   bool
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithInsecure allows plain HTTP / self-signed TLS, for local/dev registries.
func WithInsecure() Option {
	return func(c *Client) { c.insecure = true }
}

// WithRoundTripper overrides the base transport (e.g. for tests).
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(c *Client) { c.baseRT = rt }
}

// WithMaxRetries overrides how many additional attempts an idempotent read
// gets beyond the first, capped at len(retryDelays).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New constructs a registry Client authenticating through the standard
// multi-keychain (Docker config, GCR, GHCR, ECR, ACR).
func New(opts ...Option) *Client {
	c := &Client{
		keychain:   Keychain(),
		baseRT:     http.DefaultTransport,
		maxRetries: len(retryDelays),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries > len(retryDelays) {
		c.maxRetries = len(retryDelays)
	}
	return c
}

// remoteOpts builds the remote.Option set every go-containerregistry call
// uses: the request's context (so cancellation and deadlines reach the
// underlying HTTP round trip, not just the retry backoff), this client's
// keychain, and its configured base transport.
func (c *Client) remoteOpts(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(c.keychain),
		remote.WithTransport(c.baseRT),
	}
}

// Ref identifies a repository plus either a tag or a digest.
type Ref struct {
	// Registry is the host[:port], e.g. "registry.example.com".
	Registry string
	// Repository is the repository path, e.g. "models/my-bundle".
	Repository string
}

func (r Ref) nameOptions() []name.Option {
	return nil
}

func (c *Client) repository(r Ref) (name.Repository, error) {
	opts := r.nameOptions()
	if c.insecure {
		opts = append(opts, name.Insecure)
	}
	repo, err := name.NewRepository(fmt.Sprintf("%s/%s", r.Registry, r.Repository), opts...)
	if err != nil {
		return name.Repository{}, fmt.Errorf("ociregistry: parsing repository %s/%s: %w", r.Registry, r.Repository, err)
	}
	return repo, nil
}

// tagRef builds a tag reference under r for tag.
func (c *Client) tagRef(r Ref, tag string) (name.Reference, error) {
	repo, err := c.repository(r)
	if err != nil {
		return nil, err
	}
	return name.NewTag(repo.String()+":"+tag, c.tagOptions()...)
}

// digestRef builds a digest reference under r for digestStr ("sha256:...").
func (c *Client) digestRef(r Ref, digestStr string) (name.Reference, error) {
	repo, err := c.repository(r)
	if err != nil {
		return nil, err
	}
	return name.NewDigest(repo.String()+"@"+digestStr, c.tagOptions()...)
}

func (c *Client) tagOptions() []name.Option {
	if c.insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

// refForString parses ref as a digest if it has the sha256: prefix,
// otherwise as a tag.
func (c *Client) refForString(r Ref, ref string) (name.Reference, error) {
	if isDigestForm(ref) {
		return c.digestRef(r, ref)
	}
	return c.tagRef(r, ref)
}

func isDigestForm(s string) bool {
	return len(s) > len("sha256:") && s[:len("sha256:")] == "sha256:"
}
