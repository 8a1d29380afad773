package coverage

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ethereum-optimism/infra/op-testplan/matcher"
)

// NormalizeKey converts a file:// URL, an absolute path, an http(s) URL
// served from the root directory or a relative path into the canonical
// "./a/b.js" key. It returns false for URLs outside rootDir and for runtime
// internals such as "node:fs".
func NormalizeKey(rootDir, raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	p := raw
	switch {
	case strings.HasPrefix(p, "file://"):
		u, err := url.Parse(p)
		if err != nil {
			return "", false
		}
		p = u.Path
		if isWindowsDrivePath(strings.TrimPrefix(p, "/")) {
			p = strings.TrimPrefix(p, "/")
		}
	case strings.HasPrefix(p, "http://"), strings.HasPrefix(p, "https://"):
		u, err := url.Parse(p)
		if err != nil {
			return "", false
		}
		return matcher.Canonical(u.Path), u.Path != "" && u.Path != "/"
	case strings.Contains(p, ":") && !isWindowsDrivePath(p):
		// node:internal, webpack://, data: and friends
		return "", false
	}

	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) || isWindowsDrivePath(p) {
		if rootDir == "" {
			return "", false
		}
		rel, err := filepath.Rel(rootDir, p)
		if err != nil {
			return "", false
		}
		p = rel
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return matcher.Canonical(p), true
}

// KeyPath returns the filesystem path of a canonical key.
func KeyPath(rootDir, key string) string {
	return filepath.Join(rootDir, filepath.FromSlash(strings.TrimPrefix(key, "./")))
}

// FileURL returns the file:// URL of an absolute path.
func FileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

func isWindowsDrivePath(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '/' || p[2] == '\\') &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// Normalize rewrites the keys of m into canonical form, merging entries that
// collapse onto the same key. Entries outside rootDir are dropped.
func Normalize(rootDir string, m Map) Map {
	out := make(Map, len(m))
	for k, fc := range m {
		key, ok := NormalizeKey(rootDir, k)
		if !ok && fc.Path != "" {
			key, ok = NormalizeKey(rootDir, fc.Path)
		}
		if !ok {
			continue
		}
		c := fc.Clone()
		c.Path = key
		if prev, exists := out[key]; exists {
			out[key] = MergeFileCoverage(prev, c)
			continue
		}
		out[key] = c
	}
	return out
}
