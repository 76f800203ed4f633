package project

import (
	"os"
	"path/filepath"
	"testing"
)

func setupProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := "registry: ghcr.io\nrepository: my-org/my-bundle\ntag: latest\nstorage:\n  mode: auto\n  thresholdBytes: 1024\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tracked"), []byte("b.txt\na.txt\n"), 0o644); err != nil {
		t.Fatalf("writing tracked: %v", err)
	}
	return root
}

func TestOpen(t *testing.T) {
	root := setupProject(t)
	p, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.Config.Registry != "ghcr.io" || p.Config.Repository != "my-org/my-bundle" {
		t.Errorf("config = %+v", p.Config)
	}
	if p.Config.Storage.ThresholdBytes != 1024 {
		t.Errorf("ThresholdBytes = %d", p.Config.Storage.ThresholdBytes)
	}
	want := []string{"a.txt", "b.txt"}
	if len(p.Tracked) != 2 || p.Tracked[0] != want[0] || p.Tracked[1] != want[1] {
		t.Errorf("Tracked = %v, want sorted %v", p.Tracked, want)
	}
}

func TestFind(t *testing.T) {
	root := setupProject(t)
	nested := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	found, err := Find(nested)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != root {
		t.Errorf("Find = %q, want %q", found, root)
	}
}

func TestFind_NotFound(t *testing.T) {
	if _, err := Find(t.TempDir()); err == nil {
		t.Fatalf("Find succeeded with no project directory present")
	}
}

func TestSaveTracked_RoundTrips(t *testing.T) {
	root := setupProject(t)
	p, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.AddTracked("c.txt", "a.txt")
	if err := p.SaveTracked(); err != nil {
		t.Fatalf("SaveTracked: %v", err)
	}
	reopened, err := Open(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	want := []string{"a.txt", "b.txt", "c.txt"}
	if len(reopened.Tracked) != len(want) {
		t.Fatalf("Tracked = %v, want %v", reopened.Tracked, want)
	}
	for i, w := range want {
		if reopened.Tracked[i] != w {
			t.Errorf("Tracked[%d] = %q, want %q", i, reopened.Tracked[i], w)
		}
	}
}

func TestRemoveTracked(t *testing.T) {
	root := setupProject(t)
	p, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.RemoveTracked("a.txt")
	if len(p.Tracked) != 1 || p.Tracked[0] != "b.txt" {
		t.Errorf("Tracked after remove = %v", p.Tracked)
	}
}
