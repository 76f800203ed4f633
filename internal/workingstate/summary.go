package workingstate

import "github.com/InstituteforDiseaseModeling/modelops-bundle/internal/diff"

// StatusSummary is a pure, side-effect-free rollup of diff records into
// per-kind counts and compact display buckets, used by status rendering.
type StatusSummary struct {
	Counts      map[diff.ChangeKind]int
	LocalOnly   []string
	RemoteOnly  []string
	Changed     []string
}

// Summarize computes a StatusSummary from diff records. It has no side
// effects and does not read the filesystem or network.
func Summarize(records []diff.Record) StatusSummary {
	s := StatusSummary{Counts: make(map[diff.ChangeKind]int)}
	for _, r := range records {
		s.Counts[r.Kind]++
		switch r.Kind {
		case diff.AddedLocal, diff.DeletedRemote:
			s.LocalOnly = append(s.LocalOnly, r.Path)
		case diff.AddedRemote, diff.DeletedLocal:
			s.RemoteOnly = append(s.RemoteOnly, r.Path)
		case diff.ModifiedLocal, diff.ModifiedRemote, diff.Conflict:
			s.Changed = append(s.Changed, r.Path)
		}
	}
	return s
}
