// Package diff implements the three-way difference engine: classifying
// every tracked or remote-known path into one of eight change kinds from its
// (local, remote, baseline) triple, and projecting that classification into
// push plans and pull previews.
package diff

import (
	"sort"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// ChangeKind is the closed eight-variant enum
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	AddedLocal
	AddedRemote
	ModifiedLocal
	ModifiedRemote
	DeletedLocal
	DeletedRemote
	Conflict
)

func (k ChangeKind) String() string {
	switch k {
	case Unchanged:
		return "UNCHANGED"
	case AddedLocal:
		return "ADDED_LOCAL"
	case AddedRemote:
		return "ADDED_REMOTE"
	case ModifiedLocal:
		return "MODIFIED_LOCAL"
	case ModifiedRemote:
		return "MODIFIED_REMOTE"
	case DeletedLocal:
		return "DELETED_LOCAL"
	case DeletedRemote:
		return "DELETED_REMOTE"
	case Conflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// LocalEntry is the subset of working-state information the diff engine
// needs for one path.
type LocalEntry struct {
	Digest digest.Digest
	Size   int64
}

// RemoteEntry is the subset of remote-state information the diff engine
// needs for one path.
type RemoteEntry struct {
	Digest digest.Digest
	Size   int64
}

// Record is one classified path, carrying whichever of local/remote/
// baseline were available.
type Record struct {
	Path     string
	Kind     ChangeKind
	Local    *LocalEntry
	Remote   *RemoteEntry
	Baseline *digest.Digest
}

// Inputs bundles the three-way diff's inputs: local working state, remote
// state, sync-state baseline, and the set
// of tracked paths missing from disk.
type Inputs struct {
	Local    map[string]LocalEntry
	Remote   map[string]RemoteEntry
	Baseline map[string]digest.Digest
	Missing  map[string]bool
}

// Diff classifies every path appearing in any input and returns the results
// sorted by path for deterministic output.
func Diff(in Inputs) []Record {
	paths := map[string]bool{}
	for p := range in.Local {
		paths[p] = true
	}
	for p := range in.Remote {
		paths[p] = true
	}
	for p := range in.Baseline {
		paths[p] = true
	}
	for p := range in.Missing {
		paths[p] = true
	}

	records := make([]Record, 0, len(paths))
	for p := range paths {
		rec, skip := classify(p, in)
		if skip {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records
}

func classify(p string, in Inputs) (Record, bool) {
	local, hasLocal := in.Local[p]
	remote, hasRemote := in.Remote[p]
	baseline, hasBaseline := in.Baseline[p]
	missing := in.Missing[p]

	rec := Record{Path: p}
	if hasLocal {
		l := local
		rec.Local = &l
	}
	if hasRemote {
		r := remote
		rec.Remote = &r
	}
	if hasBaseline {
		b := baseline
		rec.Baseline = &b
	}

	if missing {
		switch {
		case !hasBaseline:
			// tracked then deleted before ever syncing
			return rec, true
		case hasRemote && remote.Digest != baseline:
			rec.Kind = Conflict
		default:
			rec.Kind = DeletedLocal
		}
		return rec, false
	}

	switch {
	case hasLocal && hasRemote && local.Digest == remote.Digest:
		rec.Kind = Unchanged
	case hasLocal && hasRemote && !hasBaseline:
		rec.Kind = Conflict
	case hasLocal && hasRemote && local.Digest == baseline && baseline != remote.Digest:
		rec.Kind = ModifiedRemote
	case hasLocal && hasRemote && remote.Digest == baseline && baseline != local.Digest:
		rec.Kind = ModifiedLocal
	case hasLocal && hasRemote:
		// all three present and pairwise different
		rec.Kind = Conflict
	case hasLocal && !hasRemote && !hasBaseline:
		rec.Kind = AddedLocal
	case hasLocal && !hasRemote && hasBaseline && local.Digest == baseline:
		rec.Kind = DeletedRemote
	case hasLocal && !hasRemote && hasBaseline:
		rec.Kind = Conflict
	case !hasLocal && hasRemote:
		rec.Kind = AddedRemote
	default:
		return rec, true
	}
	return rec, false
}
