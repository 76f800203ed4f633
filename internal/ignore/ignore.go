// Package ignore applies Git-wildmatch exclusion semantics to project paths
// via a project's .modelopsignore file.
package ignore

import (
	"os"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Matcher reports whether a path is excluded from scanning.
type Matcher struct {
	m *gitignore.GitIgnore
}

// Load reads .modelopsignore at path. A missing file is not an error: it is
// treated as an empty exclusion set.
func Load(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Matcher{m: gitignore.CompileIgnoreLines()}, nil
		}
		return nil, err
	}
	lines := splitLines(string(data))
	return &Matcher{m: gitignore.CompileIgnoreLines(lines...)}, nil
}

// Excludes reports whether p should be excluded from scanning/tracking.
func (m *Matcher) Excludes(p string) bool {
	if m == nil || m.m == nil {
		return false
	}
	return m.m.MatchesPath(p)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, trimCR(s[start:]))
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
