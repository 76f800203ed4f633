// Package storagepolicy decides, per tracked file, whether its content
// rides inline as an OCI layer or externally as a blob.
package storagepolicy

import (
	"fmt"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
)

// Mode selects the overall storage policy.
type Mode string

const (
	ModeOCIOnly  Mode = "oci-only"
	ModeBlobOnly Mode = "blob-only"
	ModeAuto     Mode = "auto"
)

// DefaultThresholdBytes is the default size at or above which auto mode
// routes a file to blob storage (50 MiB).
const DefaultThresholdBytes = 50 * 1024 * 1024

// Config is the per-project storage policy configuration.
type Config struct {
	Mode           Mode
	ThresholdBytes int64
	ForceOCI       []string
	ForceBlob      []string
	// ProviderConfigured reports whether a blob store backend is available;
	// classification needs only this boolean, not the store itself.
	ProviderConfigured bool
}

// Validate rejects configurations that cannot be satisfied: blob-only
// mode requires a configured provider.
func (c Config) Validate() error {
	if c.Mode == ModeBlobOnly && !c.ProviderConfigured {
		return fmt.Errorf("storagepolicy: mode %q requires a configured blob storage provider", ModeBlobOnly)
	}
	switch c.Mode {
	case ModeOCIOnly, ModeBlobOnly, ModeAuto:
	default:
		return fmt.Errorf("storagepolicy: unknown mode %q", c.Mode)
	}
	return nil
}

func (c Config) threshold() int64 {
	if c.ThresholdBytes > 0 {
		return c.ThresholdBytes
	}
	return DefaultThresholdBytes
}

// Classify implements the pure classification function
func Classify(cfg Config, path string, size int64) (loc bundleindex.StorageLocation, shouldWarn bool, err error) {
	if err := cfg.Validate(); err != nil {
		return "", false, err
	}

	switch cfg.Mode {
	case ModeOCIOnly:
		return bundleindex.StorageOCI, false, nil
	case ModeBlobOnly:
		return bundleindex.StorageBlob, false, nil
	}

	// auto
	if matches(cfg.ForceOCI, path) {
		return bundleindex.StorageOCI, false, nil
	}
	if matches(cfg.ForceBlob, path) {
		if cfg.ProviderConfigured {
			return bundleindex.StorageBlob, false, nil
		}
		return bundleindex.StorageOCI, true, nil
	}
	if size >= cfg.threshold() {
		if cfg.ProviderConfigured {
			return bundleindex.StorageBlob, false, nil
		}
		return bundleindex.StorageOCI, true, nil
	}
	return bundleindex.StorageOCI, false, nil
}

func matches(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return false
	}
	m := gitignore.CompileIgnoreLines(patterns...)
	return m.MatchesPath(path)
}

// FileSize pairs a path with its size, the input shape for the aggregate
// "blob required but no provider" check.
type FileSize struct {
	Path string
	Size int64
}

// RequiredButUnavailable returns the paths that would be classified BLOB
// under cfg but cannot be, because no provider is configured. Callers use
// this for an early, actionable BlobStorageRequired error instead of
// discovering the problem mid-push.
func RequiredButUnavailable(cfg Config, files []FileSize) ([]string, error) {
	if cfg.ProviderConfigured {
		return nil, nil
	}
	withProvider := cfg
	withProvider.ProviderConfigured = true

	var offending []string
	for _, f := range files {
		loc, _, err := Classify(withProvider, f.Path, f.Size)
		if err != nil {
			return nil, err
		}
		if loc == bundleindex.StorageBlob {
			offending = append(offending, f.Path)
		}
	}
	return offending, nil
}
