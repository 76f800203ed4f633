package diff

import "sort"

// PushProjection is the diff-engine's view of a push: which paths make up
// the full mirror manifest, which subset needs uploading, which are
// unchanged (for reporting), and which are being dropped because the
// tracked file no longer exists locally.
type PushProjection struct {
	ManifestPaths []string
	ToUpload      []string
	Unchanged     []string
	Deletes       []string
}

// ProjectPush implements the push projection: the manifest is a
// full mirror of every record whose local entry is present, regardless of
// change kind.
func ProjectPush(records []Record) PushProjection {
	var p PushProjection
	for _, r := range records {
		if r.Local != nil {
			p.ManifestPaths = append(p.ManifestPaths, r.Path)
		}
		switch r.Kind {
		case AddedLocal, ModifiedLocal:
			p.ToUpload = append(p.ToUpload, r.Path)
		case Unchanged:
			p.Unchanged = append(p.Unchanged, r.Path)
		case DeletedLocal:
			p.Deletes = append(p.Deletes, r.Path)
		}
	}
	sort.Strings(p.ManifestPaths)
	sort.Strings(p.ToUpload)
	sort.Strings(p.Unchanged)
	sort.Strings(p.Deletes)
	return p
}

// PullProjection is the diff-engine's view of a pull: which paths will be
// downloaded, which will be deleted locally, which are conflicts the caller
// must resolve, and which local-only modifications are preserved untouched.
type PullProjection struct {
	Download          []string
	LocalDelete       []string
	Conflicts         []string
	ModifiedLocalOnly []string
	// ModifiedRemote is the subset of Download classified MODIFIED_REMOTE.
	// Apply-side guards need it separately: an unforced pull must refuse
	// when local modifications and pending remote modifications coexist
	// anywhere in the plan.
	ModifiedRemote []string
}

// ProjectPull implements the pull projection given the caller's
// overwrite and restoreDeleted flags.
func ProjectPull(records []Record, overwrite, restoreDeleted bool) PullProjection {
	var p PullProjection
	for _, r := range records {
		switch r.Kind {
		case AddedRemote:
			p.Download = append(p.Download, r.Path)
		case ModifiedRemote:
			p.Download = append(p.Download, r.Path)
			p.ModifiedRemote = append(p.ModifiedRemote, r.Path)
		case DeletedLocal:
			if overwrite || restoreDeleted {
				p.Download = append(p.Download, r.Path)
			}
		case DeletedRemote:
			if overwrite {
				p.LocalDelete = append(p.LocalDelete, r.Path)
			} else {
				p.Conflicts = append(p.Conflicts, r.Path)
			}
		case Conflict:
			if overwrite {
				p.Download = append(p.Download, r.Path)
			} else {
				p.Conflicts = append(p.Conflicts, r.Path)
			}
		case ModifiedLocal:
			p.ModifiedLocalOnly = append(p.ModifiedLocalOnly, r.Path)
		case Unchanged:
			// never downloaded
		}
	}
	sort.Strings(p.Download)
	sort.Strings(p.LocalDelete)
	sort.Strings(p.Conflicts)
	sort.Strings(p.ModifiedLocalOnly)
	sort.Strings(p.ModifiedRemote)
	return p
}
