// Package sync implements the two-phase push/pull plan-apply protocol:
// planning snapshots the tag's current digest (push) or
// resolves the reference once (pull), and apply executes with race
// detection and safety guards, never partially updating sync state.
package sync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTagMoved is returned by ApplyPush when the tag's digest at apply time
// differs from the one captured at plan time and force was not set.
var ErrTagMoved = errors.New("sync: tag moved since plan")

// TagMovedError carries both digests so the caller can report exactly what
// changed.
type TagMovedError struct {
	Tag      string
	Expected string
	Actual   string
}

func (e *TagMovedError) Error() string {
	return fmt.Sprintf("sync: tag %q moved from %s to %s since plan", e.Tag, e.Expected, e.Actual)
}

func (e *TagMovedError) Unwrap() error { return ErrTagMoved }

// ErrBlobStorageRequired is returned by PlanPush when one or more files
// classify as BLOB storage but no provider is configured.
var ErrBlobStorageRequired = errors.New("sync: blob storage required but no provider configured")

// BlobStorageRequiredError lists the offending paths.
type BlobStorageRequiredError struct {
	Paths []string
}

func (e *BlobStorageRequiredError) Error() string {
	return fmt.Sprintf("sync: blob storage required for %d file(s) but no provider is configured: %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

func (e *BlobStorageRequiredError) Unwrap() error { return ErrBlobStorageRequired }

// ErrPullBlocked is returned by ApplyPull when the preview contains
// conflicts, or local modifications alongside pending remote
// modifications, and overwrite was not set.
var ErrPullBlocked = errors.New("sync: pull blocked by local modifications or conflicts")

// PullBlockedError names the blocking class and its paths: conflicting
// paths, or locally modified paths that would go stale while the pull
// rewrites other files the remote changed.
type PullBlockedError struct {
	ConflictPaths []string
	LocalModified []string
}

func (e *PullBlockedError) Error() string {
	if len(e.ConflictPaths) > 0 {
		return fmt.Sprintf("sync: pull blocked: %d conflicting path(s): %s", len(e.ConflictPaths), strings.Join(e.ConflictPaths, ", "))
	}
	return fmt.Sprintf("sync: pull blocked: %d locally modified path(s) while the remote has pending changes: %s", len(e.LocalModified), strings.Join(e.LocalModified, ", "))
}

func (e *PullBlockedError) Unwrap() error { return ErrPullBlocked }

// ErrUntrackedCollision is returned by ApplyPull when the download set would
// overwrite untracked local files and overwrite was not set.
var ErrUntrackedCollision = errors.New("sync: pull would overwrite untracked local files")

// UntrackedCollisionError names the colliding paths.
type UntrackedCollisionError struct {
	Paths []string
}

func (e *UntrackedCollisionError) Error() string {
	return fmt.Sprintf("sync: pull would overwrite %d untracked local file(s): %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

func (e *UntrackedCollisionError) Unwrap() error { return ErrUntrackedCollision }
