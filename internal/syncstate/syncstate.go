// Package syncstate implements the per-project last-synced baseline that
// enables the three-way diff, persisted atomically as state.json.
package syncstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/digest"
)

// State is the per-project sync-state record
type State struct {
	LastSyncedFiles map[string]digest.Digest `json:"lastSyncedFiles"`
	LastPushDigest  string                   `json:"lastPushDigest,omitempty"`
	LastPullDigest  string                   `json:"lastPullDigest,omitempty"`
	UpdatedAt       time.Time                `json:"updatedAt"`
}

// Empty returns a fresh, empty State.
func Empty() *State {
	return &State{LastSyncedFiles: map[string]digest.Digest{}}
}

// Load reads state.json at path. A missing file is not an error: a fresh
// empty State is returned, matching a project that has never synced.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("syncstate: reading %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("syncstate: decoding %s: %w", path, err)
	}
	if s.LastSyncedFiles == nil {
		s.LastSyncedFiles = map[string]digest.Digest{}
	}
	return &s, nil
}

// Save writes state.json at path through the atomic write discipline:
// temp file in the same directory, fsync, rename. No reader ever observes a
// partially-written file.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("syncstate: encoding: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("syncstate: creating project dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "state-"+uuid.NewString()+".json.tmp")
	if err != nil {
		return fmt.Errorf("syncstate: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("syncstate: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncstate: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("syncstate: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("syncstate: renaming into place: %w", err)
	}
	removed = true
	return nil
}

// RewriteAfterPush replaces the baseline wholesale to exactly mirror the
// remote state that a successful push just produced, pruning entries for
// deleted files — the load-bearing pruning rule
func (s *State) RewriteAfterPush(pushDigest string, manifestFiles map[string]digest.Digest, now time.Time) {
	s.LastSyncedFiles = copyDigestMap(manifestFiles)
	s.LastPushDigest = pushDigest
	s.UpdatedAt = now.UTC()
}

// RewriteAfterPull replaces the baseline wholesale to exactly mirror the
// remote state a successful pull just observed.
func (s *State) RewriteAfterPull(pullDigest string, remoteFiles map[string]digest.Digest, now time.Time) {
	s.LastSyncedFiles = copyDigestMap(remoteFiles)
	s.LastPullDigest = pullDigest
	s.UpdatedAt = now.UTC()
}

func copyDigestMap(m map[string]digest.Digest) map[string]digest.Digest {
	out := make(map[string]digest.Digest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
