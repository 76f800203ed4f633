package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/cas"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/diff"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ociregistry"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/project"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/syncstate"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/workingstate"
)

// PullPreview is the captured snapshot: resolved exactly
// once at plan time, consumed by exactly one ApplyPull call.
type PullPreview struct {
	OriginalRef    string
	ResolvedDigest string

	Download               []string
	LocalDelete            []string
	Conflicts              []string
	ModifiedLocalOnly      []string
	ModifiedRemote         []string
	WillOverwriteUntracked []string

	remoteFiles map[string]bundleindex.FileEntry
}

// PullResult is the small typed result returned on success.
type PullResult struct {
	Digest     string
	Downloaded int
	Deleted    int
}

// PlanPull implements the resolve-once plan: originalRef
// is resolved to a digest at most once, and every subsequent operation
// (including ApplyPull) uses that digest, never the original tag.
func PlanPull(ctx context.Context, proj *project.Project, state *syncstate.State, client ociregistry.RegistryClient, ref ociregistry.Ref, originalRef string, overwrite, restoreDeleted bool) (*PullPreview, error) {
	resolved, err := client.ResolveTagToDigest(ctx, ref, originalRef)
	if err != nil {
		return nil, fmt.Errorf("sync: resolving %q: %w", originalRef, err)
	}
	resolvedDigest := string(resolved.Digest)

	idx, err := client.GetIndex(ctx, ref, resolvedDigest)
	if err != nil {
		return nil, fmt.Errorf("sync: fetching index at %s: %w", resolvedDigest, err)
	}

	remoteEntries := map[string]diff.RemoteEntry{}
	for p, fe := range idx.Files {
		remoteEntries[p] = diff.RemoteEntry{Digest: fe.Digest, Size: fe.Size}
	}

	working, err := workingstate.Scan(proj.Tracked, workingstate.Options{Root: proj.Root, Ignore: proj.Ignore})
	if err != nil {
		return nil, fmt.Errorf("sync: scanning working state: %w", err)
	}
	localEntries := map[string]diff.LocalEntry{}
	for p, e := range working.Entries {
		localEntries[p] = diff.LocalEntry{Digest: e.Digest, Size: e.Size}
	}

	records := diff.Diff(diff.Inputs{
		Local:    localEntries,
		Remote:   remoteEntries,
		Baseline: state.LastSyncedFiles,
		Missing:  working.Missing,
	})
	proj2 := diff.ProjectPull(records, overwrite, restoreDeleted)

	tracked := make(map[string]bool, len(proj.Tracked))
	for _, p := range proj.Tracked {
		tracked[p] = true
	}
	var collisions []string
	for _, p := range proj2.Download {
		if tracked[p] {
			continue
		}
		if _, err := os.Lstat(filepath.Join(proj.Root, filepath.FromSlash(p))); err == nil {
			collisions = append(collisions, p)
		}
	}
	sort.Strings(collisions)

	return &PullPreview{
		OriginalRef:            originalRef,
		ResolvedDigest:         resolvedDigest,
		Download:               proj2.Download,
		LocalDelete:            proj2.LocalDelete,
		Conflicts:              proj2.Conflicts,
		ModifiedLocalOnly:      proj2.ModifiedLocalOnly,
		ModifiedRemote:         proj2.ModifiedRemote,
		WillOverwriteUntracked: collisions,
		remoteFiles:            idx.Files,
	}, nil
}

// ApplyPull executes preview without re-resolving the reference, per
// the "no re-resolve" rule. overwrite must match the value
// PlanPull was called with; passing a different value here would let the
// preview's projected sets disagree with the guard checks below.
func ApplyPull(ctx context.Context, proj *project.Project, state *syncstate.State, client ociregistry.RegistryClient, ref ociregistry.Ref, preview *PullPreview, store blobstore.Store, casStore *cas.CAS, overwrite bool, now time.Time) (*PullResult, error) {
	if len(preview.Conflicts) > 0 && !overwrite {
		return nil, &PullBlockedError{ConflictPaths: append([]string(nil), preview.Conflicts...)}
	}
	// Local modifications alone never block (they are preserved untouched),
	// but an unforced pull that would also rewrite files the remote changed
	// must refuse wholesale: applying it would leave the user's edits stale
	// against a half-updated tree.
	if len(preview.ModifiedLocalOnly) > 0 && len(preview.ModifiedRemote) > 0 && !overwrite {
		return nil, &PullBlockedError{LocalModified: append([]string(nil), preview.ModifiedLocalOnly...)}
	}
	if len(preview.WillOverwriteUntracked) > 0 && !overwrite {
		return nil, &UntrackedCollisionError{Paths: append([]string(nil), preview.WillOverwriteUntracked...)}
	}

	entries := make([]bundleindex.FileEntry, 0, len(preview.Download))
	for _, p := range preview.Download {
		entries = append(entries, preview.remoteFiles[p])
	}
	if err := client.PullSelected(ctx, ref, entries, proj.Root, store, casStore, cas.ModeAuto); err != nil {
		return nil, fmt.Errorf("sync: pulling selected files: %w", err)
	}

	for _, p := range preview.LocalDelete {
		full := filepath.Join(proj.Root, filepath.FromSlash(p))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("sync: removing %s: %w", p, err)
		}
	}
	proj.RemoveTracked(preview.LocalDelete...)
	proj.AddTracked(preview.Download...)
	if err := proj.SaveTracked(); err != nil {
		return nil, fmt.Errorf("sync: saving tracked files: %w", err)
	}

	remoteFiles := make(map[string]digest.Digest, len(preview.remoteFiles))
	for p, fe := range preview.remoteFiles {
		remoteFiles[p] = fe.Digest
	}
	state.RewriteAfterPull(preview.ResolvedDigest, remoteFiles, now)
	if err := state.Save(proj.StatePath()); err != nil {
		return nil, fmt.Errorf("sync: saving sync state: %w", err)
	}

	return &PullResult{
		Digest:     preview.ResolvedDigest,
		Downloaded: len(preview.Download),
		Deleted:    len(preview.LocalDelete),
	}, nil
}
