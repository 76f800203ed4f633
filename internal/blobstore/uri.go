package blobstore

import (
	"fmt"
	"net/url"
	"strings"
)

// ParsedURI is a decomposed blob URI: <scheme>://<container>/<key>.
type ParsedURI struct {
	Scheme    string
	Container string
	Key       string
}

// ParseBlobURI validates and decomposes a canonical blob URI. Query strings,
// fragments, and double slashes are rejected.
func ParseBlobURI(raw string) (ParsedURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ParsedURI{}, fmt.Errorf("blobstore: invalid URI %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return ParsedURI{}, fmt.Errorf("blobstore: URI %q missing scheme", raw)
	}
	if u.RawQuery != "" {
		return ParsedURI{}, fmt.Errorf("blobstore: URI %q must not have a query", raw)
	}
	if u.Fragment != "" {
		return ParsedURI{}, fmt.Errorf("blobstore: URI %q must not have a fragment", raw)
	}
	if strings.Contains(u.Host+u.Path, "//") {
		return ParsedURI{}, fmt.Errorf("blobstore: URI %q contains a double slash", raw)
	}

	if u.Scheme == "fs" {
		// fs://<absolute path> — everything after the scheme is the path;
		// url.Parse puts the leading component into Host when there's no
		// triple slash, so reassemble defensively.
		path := u.Host + u.Path
		if path == "" {
			return ParsedURI{}, fmt.Errorf("blobstore: fs URI %q missing path", raw)
		}
		return ParsedURI{Scheme: "fs", Container: "", Key: path}, nil
	}

	container := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if container == "" || key == "" {
		return ParsedURI{}, fmt.Errorf("blobstore: URI %q missing container or key", raw)
	}
	return ParsedURI{Scheme: u.Scheme, Container: container, Key: key}, nil
}

// BuildObjectURI builds a <provider>://<container>/<key> blob URI.
func BuildObjectURI(scheme, container, key string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, container, key)
}

// BuildFSURI builds an fs://<absolute path> blob URI.
func BuildFSURI(absPath string) string {
	return "fs://" + absPath
}
