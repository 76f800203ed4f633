package ociregistry

import "errors"

// Error taxonomy These are orthogonal kinds, matched with
// errors.Is against the sentinels below; wrapping preserves caller context.
var (
	// ErrNotFound covers a missing manifest, tag, or blob (HTTP 404).
	ErrNotFound = errors.New("ociregistry: not found")

	// ErrAuthentication covers 401/403 responses.
	ErrAuthentication = errors.New("ociregistry: authentication failed")

	// ErrTransport covers network failures and timeouts; the retry policy
	// in retry.go retries errors wrapping this sentinel, 5xx responses,
	// *net.OpError values, and temporary DNS failures, and nothing else.
	ErrTransport = errors.New("ociregistry: transport error")

	// ErrUnsupportedArtifact is returned whenever a manifest turns out to
	// be an OCI image index or Docker manifest list: multi-platform
	// artifacts are refused outright, never partially handled.
	ErrUnsupportedArtifact = errors.New("ociregistry: unsupported artifact (multi-platform manifest)")

	// ErrMissingIndex is returned when a manifest's config blob cannot be
	// decoded as a Bundle Index: the artifact is not one this system can
	// handle, and legacy per-layer-annotation manifests are refused rather
	// than partially supported.
	ErrMissingIndex = errors.New("ociregistry: manifest config is not a bundle index")

	// ErrDigestMismatch is returned when downloaded content does not hash
	// to the digest the caller expected.
	ErrDigestMismatch = errors.New("ociregistry: digest mismatch")
)
