// Command bundle is the CLI entry point for the bundle synchronization
// engine: push, pull, and status against an open project directory, and
// the worker-side materialize into a cache directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/blobstore"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/bundlerepo"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/cas"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/diff"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ociregistry"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/project"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/storagepolicy"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/sync"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/syncstate"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/workingstate"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "bundle:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bundle <push|pull|status|materialize> [flags]")
	}
	switch args[0] {
	case "push":
		return runPush(args[1:])
	case "pull":
		return runPull(args[1:])
	case "status":
		return runStatus(args[1:])
	case "materialize":
		return runMaterialize(args[1:])
	default:
		return fmt.Errorf("unknown command %q (want push, pull, status, or materialize)", args[0])
	}
}

func openProject(dir string) (*project.Project, *syncstate.State, error) {
	root, err := project.Find(dir)
	if err != nil {
		return nil, nil, err
	}
	proj, err := project.Open(root)
	if err != nil {
		return nil, nil, err
	}
	state, err := syncstate.Load(proj.StatePath())
	if err != nil {
		return nil, nil, err
	}
	return proj, state, nil
}

func registryRef(proj *project.Project) ociregistry.Ref {
	return ociregistry.Ref{Registry: proj.Config.Registry, Repository: proj.Config.Repository}
}

func storagePolicyConfig(proj *project.Project, store blobstore.Store) storagepolicy.Config {
	sc := proj.Config.Storage
	threshold := sc.ThresholdBytes
	if threshold == 0 {
		threshold = storagepolicy.DefaultThresholdBytes
	}
	mode := storagepolicy.Mode(sc.Mode)
	if mode == "" {
		mode = storagepolicy.ModeAuto
	}
	return storagepolicy.Config{
		Mode:               mode,
		ThresholdBytes:     threshold,
		ForceOCI:           sc.ForceOCI,
		ForceBlob:          sc.ForceBlob,
		ProviderConfigured: store != nil,
	}
}

func openBlobStore(proj *project.Project) (blobstore.Store, error) {
	sc := proj.Config.Storage
	return blobstore.NewFromPolicy(sc.Provider, blobstore.ProviderConfig{
		Root:   sc.ProviderConfig.Root,
		Bucket: sc.ProviderConfig.Bucket,
		Prefix: sc.ProviderConfig.Prefix,
		Region: sc.ProviderConfig.Region,
	})
}

func runPush(args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	dir := fs.String("C", ".", "project directory")
	force := fs.Bool("force", false, "push even if the tag moved since planning")
	if err := fs.Parse(args); err != nil {
		return err
	}

	proj, state, err := openProject(*dir)
	if err != nil {
		return err
	}
	store, err := openBlobStore(proj)
	if err != nil {
		return err
	}
	policyCfg := storagePolicyConfig(proj, store)
	if err := policyCfg.Validate(); err != nil {
		return err
	}

	client := ociregistry.New()
	ref := registryRef(proj)
	ctx := context.Background()

	plan, err := sync.PlanPush(ctx, proj, state, client, ref, proj.Config.Tag, policyCfg)
	if err != nil {
		return err
	}
	result, err := sync.ApplyPush(ctx, proj, state, client, ref, plan, store, *force, time.Now())
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Printf("up to date at %s\n", result.Digest)
		return nil
	}
	fmt.Printf("pushed %s: %d uploaded, %d unchanged, %d deleted\n", result.Digest, result.Uploaded, result.Unchanged, result.Deleted)
	return nil
}

func runPull(args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	dir := fs.String("C", ".", "project directory")
	ref := fs.String("ref", "", "tag or digest to pull (defaults to the project's configured tag)")
	overwrite := fs.Bool("overwrite", false, "overwrite local modifications, conflicts, and untracked collisions")
	restoreDeleted := fs.Bool("restore-deleted", false, "re-download files deleted locally but still present remotely")
	if err := fs.Parse(args); err != nil {
		return err
	}

	proj, state, err := openProject(*dir)
	if err != nil {
		return err
	}
	store, err := openBlobStore(proj)
	if err != nil {
		return err
	}
	casDir := os.Getenv("BUNDLE_CACHE_DIR")
	var casStore *cas.CAS
	if casDir != "" {
		casStore, err = cas.New(casDir)
		if err != nil {
			return err
		}
	}

	pullRef := *ref
	if pullRef == "" {
		pullRef = proj.Config.Tag
	}

	client := ociregistry.New()
	ref2 := registryRef(proj)
	ctx := context.Background()

	preview, err := sync.PlanPull(ctx, proj, state, client, ref2, pullRef, *overwrite, *restoreDeleted)
	if err != nil {
		return err
	}
	result, err := sync.ApplyPull(ctx, proj, state, client, ref2, preview, store, casStore, *overwrite, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("pulled %s: %d downloaded, %d deleted\n", result.Digest, result.Downloaded, result.Deleted)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := fs.String("C", ".", "project directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	proj, state, err := openProject(*dir)
	if err != nil {
		return err
	}

	client := ociregistry.New()
	ref := registryRef(proj)
	ctx := context.Background()

	working, err := workingstate.Scan(proj.Tracked, workingstate.Options{Root: proj.Root, Ignore: proj.Ignore})
	if err != nil {
		return err
	}

	resolved, err := client.ResolveTagToDigest(ctx, ref, proj.Config.Tag)
	remoteEntries := map[string]diff.RemoteEntry{}
	if err == nil {
		idx, err := client.GetIndex(ctx, ref, string(resolved.Digest))
		if err != nil {
			return err
		}
		for p, fe := range idx.Files {
			remoteEntries[p] = diff.RemoteEntry{Digest: fe.Digest, Size: fe.Size}
		}
	} else if !errors.Is(err, ociregistry.ErrNotFound) {
		return err
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
	summary := workingstate.Summarize(records)
	fmt.Printf("unchanged=%d added_local=%d added_remote=%d modified_local=%d modified_remote=%d deleted_local=%d deleted_remote=%d conflict=%d\n",
		summary.Counts[diff.Unchanged], summary.Counts[diff.AddedLocal], summary.Counts[diff.AddedRemote],
		summary.Counts[diff.ModifiedLocal], summary.Counts[diff.ModifiedRemote], summary.Counts[diff.DeletedLocal],
		summary.Counts[diff.DeletedRemote], summary.Counts[diff.Conflict])
	return nil
}

// runMaterialize is the worker-side entry point: given a bundle reference
// (sha256:<hex> or <repository>@sha256:<hex>), ensure a complete, verified
// directory exists under the cache and print its path.
func runMaterialize(args []string) error {
	fs := flag.NewFlagSet("materialize", flag.ExitOnError)
	registry := fs.String("registry", "", "registry host[:port]")
	repository := fs.String("repository", "", "repository path, used when bundleRef is a bare digest")
	cacheDir := fs.String("cache", "", "worker cache directory")
	blobProvider := fs.String("blob-provider", "", "blob provider for BLOB-classified entries: fs or s3 (optional)")
	blobRoot := fs.String("blob-root", "", "fs provider: absolute root directory")
	blobBucket := fs.String("blob-bucket", "", "s3 provider: bucket name")
	blobPrefix := fs.String("blob-prefix", "", "s3 provider: key prefix")
	blobRegion := fs.String("blob-region", "", "s3 provider: region")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: bundle materialize --registry R --repository P --cache DIR <bundleRef>")
	}
	if *cacheDir == "" {
		return fmt.Errorf("materialize: --cache is required")
	}

	blobs, err := blobstore.NewFromPolicy(*blobProvider, blobstore.ProviderConfig{
		Root:   *blobRoot,
		Bucket: *blobBucket,
		Prefix: *blobPrefix,
		Region: *blobRegion,
	})
	if err != nil {
		return err
	}

	client := ociregistry.New()
	repo, err := bundlerepo.Open(*cacheDir, client, blobs)
	if err != nil {
		return err
	}
	ref := ociregistry.Ref{Registry: *registry, Repository: *repository}

	digest, dir, err := repo.EnsureLocal(context.Background(), ref, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", digest, dir)
	return nil
}
