package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundleindex"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/diff"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ociregistry"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/project"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/storagepolicy"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/syncstate"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/workingstate"
)

// PushPlan is the captured snapshot: constructed by PlanPush,
// consumed by exactly one ApplyPush call, never persisted.
type PushPlan struct {
	Tag           string
	TagBaseDigest string // "" if the tag did not exist at plan time

	ManifestPaths []string
	ToUpload      []string
	Unchanged     []string
	Deletes       []string

	// entries carries the local digest/size for every manifest path.
	entries map[string]diff.LocalEntry
	// storage carries the classification decided at plan time.
	storage map[string]bundleindex.StorageLocation
	// remoteFiles is the pre-push remote state, used for the idempotence check.
	remoteFiles map[string]digest.Digest
}

// PushResult is the small typed result returned on success.
type PushResult struct {
	Digest    string
	Skipped   bool // true when nothing changed and the existing digest was reused
	Uploaded  int
	Unchanged int
	Deleted   int
}

// PlanPush builds a push plan for proj against ref/tag. policyCfg governs
// per-file OCI/BLOB classification; PlanPush refuses upfront with a
// BlobStorageRequiredError if any manifest file would need an unconfigured
// provider.
func PlanPush(ctx context.Context, proj *project.Project, state *syncstate.State, client ociregistry.RegistryClient, ref ociregistry.Ref, tag string, policyCfg storagepolicy.Config) (*PushPlan, error) {
	working, err := workingstate.Scan(proj.Tracked, workingstate.Options{Root: proj.Root, Ignore: proj.Ignore})
	if err != nil {
		return nil, fmt.Errorf("sync: scanning working state: %w", err)
	}

	resolved, err := client.ResolveTagToDigest(ctx, ref, tag)
	tagBaseDigest := ""
	remoteEntries := map[string]diff.RemoteEntry{}
	remoteFiles := map[string]digest.Digest{}
	switch {
	case err == nil:
		tagBaseDigest = string(resolved.Digest)
		idx, err := client.GetIndex(ctx, ref, tagBaseDigest)
		if err != nil {
			return nil, fmt.Errorf("sync: fetching remote index: %w", err)
		}
		for p, fe := range idx.Files {
			remoteEntries[p] = diff.RemoteEntry{Digest: fe.Digest, Size: fe.Size}
			remoteFiles[p] = fe.Digest
		}
	case errors.Is(err, ociregistry.ErrNotFound):
		// tag does not exist: treat as empty remote.
	default:
		return nil, fmt.Errorf("sync: resolving tag %q: %w", tag, err)
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
	proj2 := diff.ProjectPush(records)

	fileSizes := make([]storagepolicy.FileSize, 0, len(proj2.ManifestPaths))
	for _, p := range proj2.ManifestPaths {
		fileSizes = append(fileSizes, storagepolicy.FileSize{Path: p, Size: localEntries[p].Size})
	}
	offending, err := storagepolicy.RequiredButUnavailable(policyCfg, fileSizes)
	if err != nil {
		return nil, err
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		return nil, &BlobStorageRequiredError{Paths: offending}
	}

	storage := make(map[string]bundleindex.StorageLocation, len(proj2.ManifestPaths))
	for _, p := range proj2.ManifestPaths {
		loc, _, err := storagepolicy.Classify(policyCfg, p, localEntries[p].Size)
		if err != nil {
			return nil, err
		}
		storage[p] = loc
	}

	return &PushPlan{
		Tag:           tag,
		TagBaseDigest: tagBaseDigest,
		ManifestPaths: proj2.ManifestPaths,
		ToUpload:      proj2.ToUpload,
		Unchanged:     proj2.Unchanged,
		Deletes:       proj2.Deletes,
		entries:       localEntries,
		storage:       storage,
		remoteFiles:   remoteFiles,
	}, nil
}

// ApplyPush executes plan against the project, root, and project-configured
// blob store. With force=false, a tag that moved since PlanPush fails with
// TagMovedError. An apply that changes nothing skips the push and reuses the
// existing digest.
func ApplyPush(ctx context.Context, proj *project.Project, state *syncstate.State, client ociregistry.RegistryClient, ref ociregistry.Ref, plan *PushPlan, store blobstore.Store, force bool, now time.Time) (*PushResult, error) {
	if plan.TagBaseDigest != "" && !force {
		resolved, err := client.ResolveTagToDigest(ctx, ref, plan.Tag)
		if err != nil {
			return nil, fmt.Errorf("sync: re-resolving tag %q: %w", plan.Tag, err)
		}
		if string(resolved.Digest) != plan.TagBaseDigest {
			return nil, &TagMovedError{Tag: plan.Tag, Expected: plan.TagBaseDigest, Actual: string(resolved.Digest)}
		}
	}

	if len(plan.ToUpload) == 0 && manifestMatchesRemote(plan) {
		return &PushResult{Digest: plan.TagBaseDigest, Skipped: true, Unchanged: len(plan.Unchanged), Deleted: len(plan.Deletes)}, nil
	}

	idx := bundleindex.New(now)
	var layers []ociregistry.LayerUpload
	entries := make([]bundleindex.FileEntry, len(plan.ManifestPaths))
	blobRefs := make([]*blobstore.BlobRef, len(plan.ManifestPaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ociregistry.DefaultWorkerCount)
	for i, p := range plan.ManifestPaths {
		le := plan.entries[p]
		loc := plan.storage[p]
		entries[i] = bundleindex.FileEntry{Path: p, Digest: le.Digest, Size: le.Size, Storage: loc}

		localPath := filepath.Join(proj.Root, filepath.FromSlash(p))
		switch loc {
		case bundleindex.StorageBlob:
			if store == nil {
				return nil, &BlobStorageRequiredError{Paths: []string{p}}
			}
			i, p, d := i, p, le.Digest
			g.Go(func() error {
				blobRef, err := store.Put(gctx, d, localPath)
				if err != nil {
					return fmt.Errorf("sync: uploading %s to blob store: %w", p, err)
				}
				blobRefs[i] = &blobRef
				return nil
			})
		case bundleindex.StorageOCI:
			layers = append(layers, ociregistry.LayerUpload{Path: p, Digest: le.Digest, Size: le.Size, LocalPath: localPath})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, fe := range entries {
		fe.BlobRef = blobRefs[i]
		idx.Files[fe.Path] = fe
	}

	manifestDigest, err := client.PushWithIndexConfig(ctx, ref, plan.Tag, idx, layers, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: pushing manifest: %w", err)
	}

	manifestFiles := make(map[string]digest.Digest, len(plan.ManifestPaths))
	for _, p := range plan.ManifestPaths {
		manifestFiles[p] = plan.entries[p].Digest
	}
	state.RewriteAfterPush(string(manifestDigest), manifestFiles, now)
	if err := state.Save(proj.StatePath()); err != nil {
		return nil, fmt.Errorf("sync: saving sync state: %w", err)
	}

	return &PushResult{
		Digest:    string(manifestDigest),
		Uploaded:  len(plan.ToUpload),
		Unchanged: len(plan.Unchanged),
		Deleted:   len(plan.Deletes),
	}, nil
}

// manifestMatchesRemote reports whether the plan's full manifest path/digest
// set is identical to the pre-push remote state: the idempotence condition
// that lets ApplyPush skip an upload entirely.
func manifestMatchesRemote(plan *PushPlan) bool {
	if len(plan.ManifestPaths) != len(plan.remoteFiles) {
		return false
	}
	for _, p := range plan.ManifestPaths {
		remoteDigest, ok := plan.remoteFiles[p]
		if !ok || remoteDigest != plan.entries[p].Digest {
			return false
		}
	}
	return true
}
