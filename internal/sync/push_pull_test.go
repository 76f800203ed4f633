package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ociregistry"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/project"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/storagepolicy"
	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/syncstate"
)

var testRef = ociregistry.Ref{Registry: "example.com", Repository: "models/thing"}

var ociOnly = storagepolicy.Config{Mode: storagepolicy.ModeOCIOnly}

func newProject(t *testing.T, tracked ...string) *project.Project {
	t.Helper()
	return &project.Project{Root: t.TempDir(), Tracked: append([]string(nil), tracked...)}
}

func writeTracked(t *testing.T, proj *project.Project, path, content string) {
	t.Helper()
	full := filepath.Join(proj.Root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func mustPush(t *testing.T, ctx context.Context, proj *project.Project, state *syncstate.State, client ociregistry.RegistryClient, tag string, now time.Time) *PushResult {
	t.Helper()
	plan, err := PlanPush(ctx, proj, state, client, testRef, tag, ociOnly)
	if err != nil {
		t.Fatalf("PlanPush: %v", err)
	}
	res, err := ApplyPush(ctx, proj, state, client, testRef, plan, nil, false, now)
	if err != nil {
		t.Fatalf("ApplyPush: %v", err)
	}
	return res
}

// Scenario A: strict-mirror push. Pushing twice, with a tracked file deleted
// in between, must drop that file from the remote manifest and prune it
// from sync state, not just leave it orphaned.
func TestPlanApplyPush_StrictMirrorOnDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()
	proj := newProject(t, "a.txt", "b.txt")
	writeTracked(t, proj, "a.txt", "one")
	writeTracked(t, proj, "b.txt", "two")
	state := syncstate.Empty()

	res1 := mustPush(t, ctx, proj, state, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(state.LastSyncedFiles) != 2 {
		t.Fatalf("after first push, LastSyncedFiles = %v, want 2 entries", state.LastSyncedFiles)
	}

	if err := os.Remove(filepath.Join(proj.Root, "b.txt")); err != nil {
		t.Fatalf("removing b.txt: %v", err)
	}

	plan2, err := PlanPush(ctx, proj, state, fake, testRef, "latest", ociOnly)
	if err != nil {
		t.Fatalf("PlanPush (second): %v", err)
	}
	if len(plan2.ManifestPaths) != 1 || plan2.ManifestPaths[0] != "a.txt" {
		t.Fatalf("plan2.ManifestPaths = %v, want [a.txt]", plan2.ManifestPaths)
	}
	if len(plan2.Deletes) != 1 || plan2.Deletes[0] != "b.txt" {
		t.Fatalf("plan2.Deletes = %v, want [b.txt]", plan2.Deletes)
	}

	res2, err := ApplyPush(ctx, proj, state, fake, testRef, plan2, nil, false, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ApplyPush (second): %v", err)
	}
	if res2.Digest == res1.Digest {
		t.Fatalf("second push digest %s equals first %s, want distinct", res2.Digest, res1.Digest)
	}

	idx, err := fake.GetIndex(ctx, testRef, res2.Digest)
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}
	if _, ok := idx.Files["b.txt"]; ok {
		t.Errorf("remote index still has b.txt after delete-push")
	}
	if _, ok := idx.Files["a.txt"]; !ok {
		t.Errorf("remote index missing a.txt")
	}

	if len(state.LastSyncedFiles) != 1 {
		t.Fatalf("LastSyncedFiles = %v, want exactly {a.txt}", state.LastSyncedFiles)
	}
	if _, ok := state.LastSyncedFiles["b.txt"]; ok {
		t.Errorf("sync state still carries b.txt after it was pruned from the mirror")
	}
}

// Scenario B: resolve-once pull immunity. A pull preview must keep
// downloading the content it resolved at plan time even if the tag moves to
// a new digest before ApplyPull runs.
func TestPlanApplyPull_ResolveOnceImmuneToTagMove(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()

	pusher := newProject(t, "a.txt")
	writeTracked(t, pusher, "a.txt", "v1")
	pusherState := syncstate.Empty()
	v1 := mustPush(t, ctx, pusher, pusherState, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	puller := newProject(t)
	pullerState := syncstate.Empty()
	preview, err := PlanPull(ctx, puller, pullerState, fake, testRef, "latest", false, false)
	if err != nil {
		t.Fatalf("PlanPull: %v", err)
	}
	if preview.ResolvedDigest != v1.Digest {
		t.Fatalf("preview.ResolvedDigest = %s, want %s", preview.ResolvedDigest, v1.Digest)
	}

	// The tag moves to v2 after the preview was captured, before ApplyPull.
	writeTracked(t, pusher, "a.txt", "v2")
	v2 := mustPush(t, ctx, pusher, pusherState, fake, "latest", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if v2.Digest == v1.Digest {
		t.Fatalf("v2 digest equals v1 digest, test setup is broken")
	}

	res, err := ApplyPull(ctx, puller, pullerState, fake, testRef, preview, nil, nil, false, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ApplyPull: %v", err)
	}
	if res.Digest != v1.Digest {
		t.Fatalf("ApplyPull downloaded digest %s, want the preview's %s (not the moved tag's)", res.Digest, v1.Digest)
	}

	got, err := os.ReadFile(filepath.Join(puller.Root, "a.txt"))
	if err != nil {
		t.Fatalf("reading pulled a.txt: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("pulled content = %q, want %q (the content resolved at plan time)", got, "v1")
	}
	if pullerState.LastPullDigest != v1.Digest {
		t.Errorf("LastPullDigest = %q, want %q", pullerState.LastPullDigest, v1.Digest)
	}
}

// Scenario C: tag-race detection. Two pushers plan from the same base
// digest; the second apply must fail with TagMovedError once the first has
// landed, naming both digests and uploading nothing, and only succeed after
// a forced retry.
func TestApplyPush_TagRaceDetection(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()

	base := newProject(t, "x.txt")
	writeTracked(t, base, "x.txt", "base")
	baseState := syncstate.Empty()
	baseResult := mustPush(t, ctx, base, baseState, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	pusher1 := newProject(t, "x.txt")
	writeTracked(t, pusher1, "x.txt", "from-1")
	state1 := syncstate.Empty()
	plan1, err := PlanPush(ctx, pusher1, state1, fake, testRef, "latest", ociOnly)
	if err != nil {
		t.Fatalf("PlanPush (1): %v", err)
	}
	if plan1.TagBaseDigest != baseResult.Digest {
		t.Fatalf("plan1.TagBaseDigest = %s, want %s", plan1.TagBaseDigest, baseResult.Digest)
	}

	pusher2 := newProject(t, "x.txt")
	writeTracked(t, pusher2, "x.txt", "from-2")
	state2 := syncstate.Empty()
	plan2, err := PlanPush(ctx, pusher2, state2, fake, testRef, "latest", ociOnly)
	if err != nil {
		t.Fatalf("PlanPush (2): %v", err)
	}
	if plan2.TagBaseDigest != baseResult.Digest {
		t.Fatalf("plan2.TagBaseDigest = %s, want %s", plan2.TagBaseDigest, baseResult.Digest)
	}

	res1, err := ApplyPush(ctx, pusher1, state1, fake, testRef, plan1, nil, false, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ApplyPush (1): %v", err)
	}

	pushesBefore := fake.pushCalls
	_, err = ApplyPush(ctx, pusher2, state2, fake, testRef, plan2, nil, false, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatalf("ApplyPush (2, unforced) succeeded, want TagMovedError")
	}
	var tagMoved *TagMovedError
	if !errors.As(err, &tagMoved) {
		t.Fatalf("ApplyPush (2, unforced) error = %v, want *TagMovedError", err)
	}
	if tagMoved.Tag != "latest" || tagMoved.Expected != baseResult.Digest || tagMoved.Actual != res1.Digest {
		t.Errorf("TagMovedError = %+v, want Tag=latest Expected=%s Actual=%s", tagMoved, baseResult.Digest, res1.Digest)
	}
	if !errors.Is(err, ErrTagMoved) {
		t.Errorf("error does not wrap ErrTagMoved: %v", err)
	}
	if fake.pushCalls != pushesBefore {
		t.Errorf("unforced race retry uploaded a manifest: pushCalls %d -> %d", pushesBefore, fake.pushCalls)
	}

	res2, err := ApplyPush(ctx, pusher2, state2, fake, testRef, plan2, nil, true, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ApplyPush (2, forced): %v", err)
	}
	if res2.Digest == res1.Digest {
		t.Errorf("forced retry produced same digest as the winning push")
	}
	resolved, err := fake.ResolveTagToDigest(ctx, testRef, "latest")
	if err != nil {
		t.Fatalf("ResolveTagToDigest: %v", err)
	}
	if string(resolved.Digest) != res2.Digest {
		t.Errorf("tag resolves to %s after forced retry, want %s", resolved.Digest, res2.Digest)
	}
}

// Scenario D: untracked-collision refusal. A pull that would overwrite a
// local file never tracked by this project must refuse unless overwrite is
// set, and must leave the file untouched when it does refuse.
func TestPlanApplyPull_UntrackedCollision(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()

	pusher := newProject(t, "extra.txt")
	writeTracked(t, pusher, "extra.txt", "remote-content")
	pusherState := syncstate.Empty()
	mustPush(t, ctx, pusher, pusherState, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	puller := newProject(t) // extra.txt is not tracked here
	writeTracked(t, puller, "extra.txt", "local-untracked")
	pullerState := syncstate.Empty()

	preview, err := PlanPull(ctx, puller, pullerState, fake, testRef, "latest", false, false)
	if err != nil {
		t.Fatalf("PlanPull: %v", err)
	}
	if len(preview.WillOverwriteUntracked) != 1 || preview.WillOverwriteUntracked[0] != "extra.txt" {
		t.Fatalf("preview.WillOverwriteUntracked = %v, want [extra.txt]", preview.WillOverwriteUntracked)
	}

	_, err = ApplyPull(ctx, puller, pullerState, fake, testRef, preview, nil, nil, false, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatalf("ApplyPull (unforced) succeeded, want UntrackedCollisionError")
	}
	var collision *UntrackedCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("ApplyPull (unforced) error = %v, want *UntrackedCollisionError", err)
	}
	if len(collision.Paths) != 1 || collision.Paths[0] != "extra.txt" {
		t.Errorf("UntrackedCollisionError.Paths = %v, want [extra.txt]", collision.Paths)
	}
	got, err := os.ReadFile(filepath.Join(puller.Root, "extra.txt"))
	if err != nil {
		t.Fatalf("reading extra.txt after refusal: %v", err)
	}
	if string(got) != "local-untracked" {
		t.Errorf("extra.txt changed after refused pull: %q", got)
	}

	previewOverwrite, err := PlanPull(ctx, puller, pullerState, fake, testRef, "latest", true, false)
	if err != nil {
		t.Fatalf("PlanPull (overwrite): %v", err)
	}
	res, err := ApplyPull(ctx, puller, pullerState, fake, testRef, previewOverwrite, nil, nil, true, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ApplyPull (overwrite): %v", err)
	}
	if res.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", res.Downloaded)
	}
	got, err = os.ReadFile(filepath.Join(puller.Root, "extra.txt"))
	if err != nil {
		t.Fatalf("reading extra.txt after overwrite: %v", err)
	}
	if string(got) != "remote-content" {
		t.Errorf("extra.txt = %q after overwrite pull, want %q", got, "remote-content")
	}
	found := false
	for _, p := range puller.Tracked {
		if p == "extra.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("extra.txt not added to tracked set after overwrite pull")
	}
}

// Invariant 4: after a successful push returning digest D, resolving the
// tag yields D until the next push (or an external move).
func TestInvariant_TagResolvesToLastPushedDigestUntilNextPush(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()
	proj := newProject(t, "a.txt")
	writeTracked(t, proj, "a.txt", "content")
	state := syncstate.Empty()

	res := mustPush(t, ctx, proj, state, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		resolved, err := fake.ResolveTagToDigest(ctx, testRef, "latest")
		if err != nil {
			t.Fatalf("ResolveTagToDigest: %v", err)
		}
		if string(resolved.Digest) != res.Digest {
			t.Fatalf("resolve #%d = %s, want %s", i, resolved.Digest, res.Digest)
		}
	}
}

// Invariant 5: after a successful pull, sync_state.last_synced_files is
// exactly the set of paths in the remote state that was pulled.
func TestInvariant_PullRewritesBaselineToExactRemoteSet(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()

	pusher := newProject(t, "a.txt", "b.txt")
	writeTracked(t, pusher, "a.txt", "one")
	writeTracked(t, pusher, "b.txt", "two")
	pusherState := syncstate.Empty()
	mustPush(t, ctx, pusher, pusherState, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	puller := newProject(t)
	pullerState := syncstate.Empty()
	preview, err := PlanPull(ctx, puller, pullerState, fake, testRef, "latest", false, false)
	if err != nil {
		t.Fatalf("PlanPull: %v", err)
	}
	if _, err := ApplyPull(ctx, puller, pullerState, fake, testRef, preview, nil, nil, false, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("ApplyPull: %v", err)
	}

	if len(pullerState.LastSyncedFiles) != 2 {
		t.Fatalf("LastSyncedFiles = %v, want exactly 2 entries", pullerState.LastSyncedFiles)
	}
	for _, p := range []string{"a.txt", "b.txt"} {
		if _, ok := pullerState.LastSyncedFiles[p]; !ok {
			t.Errorf("LastSyncedFiles missing %s", p)
		}
	}
}

// Invariant 8: applying a push plan with nothing changed is idempotent:
// the same digest comes back and no new manifest is pushed.
func TestInvariant_PushIdempotentWhenNothingChanged(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()
	proj := newProject(t, "a.txt")
	writeTracked(t, proj, "a.txt", "content")
	state := syncstate.Empty()

	res1 := mustPush(t, ctx, proj, state, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pushesAfterFirst := fake.pushCalls

	plan2, err := PlanPush(ctx, proj, state, fake, testRef, "latest", ociOnly)
	if err != nil {
		t.Fatalf("PlanPush (second, unchanged): %v", err)
	}
	res2, err := ApplyPush(ctx, proj, state, fake, testRef, plan2, nil, false, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ApplyPush (second, unchanged): %v", err)
	}
	if !res2.Skipped {
		t.Errorf("second apply with nothing changed was not skipped")
	}
	if res2.Digest != res1.Digest {
		t.Errorf("second apply digest %s != first %s", res2.Digest, res1.Digest)
	}
	if fake.pushCalls != pushesAfterFirst {
		t.Errorf("second apply pushed a new manifest: pushCalls %d -> %d", pushesAfterFirst, fake.pushCalls)
	}
}

// Boundary property: an unforced pull whose plan carries a local
// modification while the remote also has pending modifications must abort
// wholesale, touching nothing on disk; only overwrite lets it proceed, and
// even then the local edit itself is preserved.
func TestApplyPull_BlockedByLocalModificationWithRemoteChanges(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRegistry()

	pusher := newProject(t, "a.txt", "b.txt")
	writeTracked(t, pusher, "a.txt", "one")
	writeTracked(t, pusher, "b.txt", "two")
	pusherState := syncstate.Empty()
	mustPush(t, ctx, pusher, pusherState, fake, "latest", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	puller := newProject(t)
	pullerState := syncstate.Empty()
	preview, err := PlanPull(ctx, puller, pullerState, fake, testRef, "latest", false, false)
	if err != nil {
		t.Fatalf("PlanPull (initial): %v", err)
	}
	if _, err := ApplyPull(ctx, puller, pullerState, fake, testRef, preview, nil, nil, false, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("ApplyPull (initial): %v", err)
	}

	// The puller edits a.txt; the pusher moves b.txt forward.
	writeTracked(t, puller, "a.txt", "local-edit")
	writeTracked(t, pusher, "b.txt", "two-v2")
	mustPush(t, ctx, pusher, pusherState, fake, "latest", time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))

	preview2, err := PlanPull(ctx, puller, pullerState, fake, testRef, "latest", false, false)
	if err != nil {
		t.Fatalf("PlanPull (second): %v", err)
	}
	if len(preview2.ModifiedLocalOnly) != 1 || preview2.ModifiedLocalOnly[0] != "a.txt" {
		t.Fatalf("preview2.ModifiedLocalOnly = %v, want [a.txt]", preview2.ModifiedLocalOnly)
	}
	if len(preview2.ModifiedRemote) != 1 || preview2.ModifiedRemote[0] != "b.txt" {
		t.Fatalf("preview2.ModifiedRemote = %v, want [b.txt]", preview2.ModifiedRemote)
	}

	_, err = ApplyPull(ctx, puller, pullerState, fake, testRef, preview2, nil, nil, false, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatalf("ApplyPull (unforced) succeeded, want PullBlockedError")
	}
	var blocked *PullBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("ApplyPull (unforced) error = %v, want *PullBlockedError", err)
	}
	if len(blocked.LocalModified) != 1 || blocked.LocalModified[0] != "a.txt" {
		t.Errorf("PullBlockedError.LocalModified = %v, want [a.txt]", blocked.LocalModified)
	}
	if !errors.Is(err, ErrPullBlocked) {
		t.Errorf("error does not wrap ErrPullBlocked: %v", err)
	}
	for path, want := range map[string]string{"a.txt": "local-edit", "b.txt": "two"} {
		got, err := os.ReadFile(filepath.Join(puller.Root, path))
		if err != nil {
			t.Fatalf("reading %s after refusal: %v", path, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q after refused pull, want %q untouched", path, got, want)
		}
	}

	previewOverwrite, err := PlanPull(ctx, puller, pullerState, fake, testRef, "latest", true, false)
	if err != nil {
		t.Fatalf("PlanPull (overwrite): %v", err)
	}
	if _, err := ApplyPull(ctx, puller, pullerState, fake, testRef, previewOverwrite, nil, nil, true, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("ApplyPull (overwrite): %v", err)
	}
	got, err := os.ReadFile(filepath.Join(puller.Root, "b.txt"))
	if err != nil {
		t.Fatalf("reading b.txt after overwrite pull: %v", err)
	}
	if string(got) != "two-v2" {
		t.Errorf("b.txt = %q after overwrite pull, want %q", got, "two-v2")
	}
	got, err = os.ReadFile(filepath.Join(puller.Root, "a.txt"))
	if err != nil {
		t.Fatalf("reading a.txt after overwrite pull: %v", err)
	}
	if string(got) != "local-edit" {
		t.Errorf("a.txt = %q after overwrite pull, want the preserved local edit", got)
	}
}
