// Package project implements the on-disk project directory layout: a
// directory containing .modelops-bundle/{config.yaml,tracked,state.json}
// and an optional .modelopsignore.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/InstituteforDiseaseModeling/modelops-bundle/internal/ignore"
)

// DirName is the marker directory that makes any directory a project root.
const DirName = ".modelops-bundle"

// IgnoreFileName is the project-root exclusion file.
const IgnoreFileName = ".modelopsignore"

// ProviderConfig carries the union of blob-store provider settings a
// project's config.yaml may specify.
type ProviderConfig struct {
	Root   string `yaml:"root,omitempty"` // fs backend: absolute directory root
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// StorageConfig is the project-level storage policy configuration.
type StorageConfig struct {
	Mode           string         `yaml:"mode"`
	ThresholdBytes int64          `yaml:"thresholdBytes,omitempty"`
	ForceOCI       []string       `yaml:"forceOCI,omitempty"`
	ForceBlob      []string       `yaml:"forceBlob,omitempty"`
	Provider       string         `yaml:"provider,omitempty"`
	ProviderConfig ProviderConfig `yaml:"providerConfig,omitempty"`
}

// Config is the decoded config.yaml.
type Config struct {
	Registry   string        `yaml:"registry"`
	Repository string        `yaml:"repository"`
	Tag        string        `yaml:"tag"`
	Storage    StorageConfig `yaml:"storage"`
}

// Project is an open project directory.
type Project struct {
	Root    string
	Config  Config
	Tracked []string
	Ignore  *ignore.Matcher
}

// Find walks upward from startDir looking for a directory containing
// DirName: a project is any directory containing .modelops-bundle/.
func Find(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("project: no %s found above %s", DirName, startDir)
		}
		dir = parent
	}
}

// Open loads config.yaml, tracked, and .modelopsignore from root.
func Open(root string) (*Project, error) {
	cfgPath := filepath.Join(root, DirName, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("project: reading %s: %w", cfgPath, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("project: decoding %s: %w", cfgPath, err)
	}

	tracked, err := loadTracked(trackedPath(root))
	if err != nil {
		return nil, err
	}

	ig, err := ignore.Load(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, fmt.Errorf("project: loading %s: %w", IgnoreFileName, err)
	}

	return &Project{Root: root, Config: cfg, Tracked: tracked, Ignore: ig}, nil
}

// StatePath returns the path to this project's sync-state file.
func (p *Project) StatePath() string {
	return filepath.Join(p.Root, DirName, "state.json")
}

func trackedPath(root string) string {
	return filepath.Join(root, DirName, "tracked")
}

func loadTracked(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("project: reading tracked file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	sort.Strings(out)
	return out, nil
}

// SaveTracked persists p.Tracked through the atomic write discipline,
// sorted for stable diffs.
func (p *Project) SaveTracked() error {
	sorted := append([]string(nil), p.Tracked...)
	sort.Strings(sorted)

	path := trackedPath(p.Root)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("project: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "tracked-"+uuid.NewString()+".tmp")
	if err != nil {
		return fmt.Errorf("project: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()

	content := strings.Join(sorted, "\n")
	if len(sorted) > 0 {
		content += "\n"
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("project: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("project: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("project: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("project: renaming into place: %w", err)
	}
	removed = true
	return nil
}

// AddTracked adds paths to the tracked set, deduplicating.
func (p *Project) AddTracked(paths ...string) {
	seen := make(map[string]bool, len(p.Tracked))
	for _, t := range p.Tracked {
		seen[t] = true
	}
	for _, np := range paths {
		if !seen[np] {
			p.Tracked = append(p.Tracked, np)
			seen[np] = true
		}
	}
	sort.Strings(p.Tracked)
}

// RemoveTracked drops paths from the tracked set.
func (p *Project) RemoveTracked(paths ...string) {
	drop := make(map[string]bool, len(paths))
	for _, dp := range paths {
		drop[dp] = true
	}
	kept := p.Tracked[:0]
	for _, t := range p.Tracked {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	p.Tracked = kept
}
