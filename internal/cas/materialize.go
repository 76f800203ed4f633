package cas

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// Mode selects the materialization strategy ladder.
type Mode int

const (
	// ModeAuto tries Reflink, then Hardlink, then Copy; first success wins.
	ModeAuto Mode = iota
	// ModeReflink requires a copy-on-write clone; errors if unsupported.
	ModeReflink
	// ModeHardlink requires a same-inode link; errors if not possible.
	ModeHardlink
	// ModeCopy always performs a byte copy with writable destination perms.
	ModeCopy
)

func (m Mode) String() string {
	switch m {
	case ModeReflink:
		return "reflink"
	case ModeHardlink:
		return "hardlink"
	case ModeCopy:
		return "copy"
	default:
		return "auto"
	}
}

// ErrUnsupportedStrategy is returned when a specific (non-auto) strategy
// cannot be performed on the current filesystem.
var ErrUnsupportedStrategy = errors.New("cas: materialization strategy unsupported")

// Materialize places the object identified by d at dest using mode. When
// skipHardlinkIfReadonly is set, the hardlink strategy is skipped even under
// ModeAuto or ModeHardlink, because linking would propagate the CAS
// object's read-only mode onto a destination the caller intends to treat as
// writable; callers fall through to copy in that case.
func (c *CAS) Materialize(d digest.Digest, dest string, mode Mode, skipHardlinkIfReadonly bool) error {
	src, err := c.PathFor(d)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("cas: object %s not present: %w", d, err)
	}

	destDir := filepath.Dir(dest)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("cas: creating destination dir: %w", err)
	}

	switch mode {
	case ModeReflink:
		return reflink(src, dest)
	case ModeHardlink:
		if skipHardlinkIfReadonly {
			return fmt.Errorf("%w: hardlink skipped by skip_if_hardlink_and_readonly", ErrUnsupportedStrategy)
		}
		return hardlink(src, dest)
	case ModeCopy:
		return copyFile(src, dest)
	default: // ModeAuto
		if err := reflink(src, dest); err == nil {
			return nil
		}
		if !skipHardlinkIfReadonly {
			if err := hardlink(src, dest); err == nil {
				return nil
			}
		}
		return copyFile(src, dest)
	}
}

// reflink attempts a copy-on-write clone. The standard library has no
// portable reflink primitive, so this implementation always reports
// unsupported and lets the auto ladder fall through to hardlink/copy; a
// platform-specific build (ioctl FICLONE on Linux, clonefile on Darwin)
// would replace this function without changing its signature.
func reflink(src, dest string) error {
	return fmt.Errorf("%w: reflink", ErrUnsupportedStrategy)
}

func hardlink(src, dest string) error {
	tmp := dest + ".link-" + uuid.NewString()
	if err := os.Link(src, tmp); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedStrategy, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cas: renaming hardlink into place: %w", err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cas: opening source: %w", err)
	}
	defer in.Close()

	destDir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(destDir, "tmp-materialize-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("cas: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("cas: copying content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cas: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cas: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("cas: setting writable perms: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("cas: renaming into place: %w", err)
	}
	removed = true
	return nil
}
