// Package workingstate snapshots tracked paths from disk: computing a
// digest, size, and mtime for every tracked path that exists, and
// collecting the set that does not.
package workingstate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ignore"
)

// DefaultMaxFileSize is the user-experience guard: files
// larger than this are refused by the auto-hash path unless the caller
// opts in via Options.AllowOversized.
const DefaultMaxFileSize = 100 * 1024 * 1024

// SymlinkPolicy controls how a tracked path that is a symbolic link is
// handled while scanning.
type SymlinkPolicy int

const (
	// SymlinkFollow hashes the link's target content. This is the default.
	SymlinkFollow SymlinkPolicy = iota
	SymlinkHashText
	SymlinkSkip
	SymlinkError
)

// ErrOversizedFile is returned when a tracked file exceeds MaxFileSize and
// AllowOversized was not set.
var ErrOversizedFile = fmt.Errorf("workingstate: file exceeds maximum size")

// Entry is one path's on-disk snapshot.
type Entry struct {
	Digest  digest.Digest
	Size    int64
	ModTime time.Time
}

// Options configures a scan.
type Options struct {
	Root           string
	MaxFileSize    int64 // 0 means DefaultMaxFileSize
	AllowOversized bool
	Symlinks       SymlinkPolicy
	// Ignore, when set, excludes tracked paths matching .modelopsignore
	// from the scan entirely: they are neither hashed into Entries nor
	// added to Missing, as if they were never tracked.
	Ignore *ignore.Matcher
}

func (o Options) maxSize() int64 {
	if o.MaxFileSize > 0 {
		return o.MaxFileSize
	}
	return DefaultMaxFileSize
}

// State is the scan result.
type State struct {
	Entries map[string]Entry
	Missing map[string]bool
}

// Scan walks every tracked path under opts.Root and produces a State.
func Scan(tracked []string, opts Options) (State, error) {
	state := State{
		Entries: make(map[string]Entry, len(tracked)),
		Missing: make(map[string]bool),
	}

	for _, rel := range tracked {
		if opts.Ignore.Excludes(rel) {
			continue
		}

		full := filepath.Join(opts.Root, rel)
		info, err := os.Lstat(full)
		if err != nil {
			if os.IsNotExist(err) {
				state.Missing[rel] = true
				continue
			}
			return State{}, fmt.Errorf("workingstate: stat %s: %w", rel, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			entry, skip, err := scanSymlink(full, info, opts)
			if err != nil {
				return State{}, fmt.Errorf("workingstate: %s: %w", rel, err)
			}
			if skip {
				continue
			}
			state.Entries[rel] = entry
			continue
		}

		if !info.Mode().IsRegular() {
			continue
		}

		if info.Size() > opts.maxSize() && !opts.AllowOversized {
			return State{}, fmt.Errorf("%w: %s (%d bytes)", ErrOversizedFile, rel, info.Size())
		}

		d, size, err := digestFile(full)
		if err != nil {
			return State{}, fmt.Errorf("workingstate: hashing %s: %w", rel, err)
		}
		state.Entries[rel] = Entry{Digest: d, Size: size, ModTime: info.ModTime()}
	}

	return state, nil
}

func scanSymlink(full string, info os.FileInfo, opts Options) (Entry, bool, error) {
	switch opts.Symlinks {
	case SymlinkSkip:
		return Entry{}, true, nil
	case SymlinkError:
		return Entry{}, false, fmt.Errorf("tracked path is a symlink: %s", full)
	case SymlinkHashText:
		target, err := os.Readlink(full)
		if err != nil {
			return Entry{}, false, err
		}
		d := digest.FromBytes([]byte(target))
		return Entry{Digest: d, Size: int64(len(target)), ModTime: info.ModTime()}, false, nil
	default: // SymlinkFollow
		d, size, err := digestFile(full)
		if err != nil {
			return Entry{}, false, err
		}
		return Entry{Digest: d, Size: size, ModTime: info.ModTime()}, false, nil
	}
}

func digestFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return digest.FromReader(f)
}
