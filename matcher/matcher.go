// Package matcher decides which root-relative file URLs belong to an ordered
// pattern list, and lists the matching files under a directory.
package matcher

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Rule associates a glob pattern with an inclusion decision.
type Rule struct {
	Pattern string
	Include bool
}

// Spec is an ordered list of rules. When several rules match a URL, the last
// one decides.
type Spec []Rule

// UnmarshalYAML decodes a mapping of pattern to boolean while preserving the
// declaration order.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: pattern spec must be a mapping", node.Line)
	}
	rules := make(Spec, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		include := false
		if value.Tag != "!!null" {
			if err := value.Decode(&include); err != nil {
				return fmt.Errorf("line %d: pattern %q: %w", value.Line, key.Value, err)
			}
		}
		rules = append(rules, Rule{Pattern: key.Value, Include: include})
	}
	*s = rules
	return nil
}

type compiledRule struct {
	Rule
	dir   bool
	files []glob.Glob
	dirs  []glob.Glob
}

// Matcher evaluates a compiled Spec.
type Matcher struct {
	rules []compiledRule
}

// Compile prepares spec for matching.
func Compile(spec Spec) (*Matcher, error) {
	m := &Matcher{rules: make([]compiledRule, 0, len(spec))}
	for _, rule := range spec {
		pattern := trimRelative(rule.Pattern)
		cr := compiledRule{Rule: rule, dir: strings.HasSuffix(pattern, "/")}
		if cr.dir {
			base := strings.TrimSuffix(pattern, "/")
			dirGlobs, err := compileVariants(base)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", rule.Pattern, err)
			}
			cr.dirs = dirGlobs
			pattern = base + "/**"
		}
		fileGlobs, err := compileVariants(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", rule.Pattern, err)
		}
		cr.files = fileGlobs
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

// MustCompile is Compile that panics on invalid patterns.
func MustCompile(spec Spec) *Matcher {
	m, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return m
}

// Matches reports whether the root-relative url is included by the spec.
func (m *Matcher) Matches(url string) bool {
	rel := trimRelative(url)
	included := false
	for _, r := range m.rules {
		if matchAny(r.files, rel) {
			included = r.Include
		}
	}
	return included
}

// ExcludesDir reports whether nothing under the root-relative directory can
// be included, so a walker may skip it.
func (m *Matcher) ExcludesDir(dir string) bool {
	rel := strings.TrimSuffix(trimRelative(dir), "/")
	excluded := false
	last := -1
	for i, r := range m.rules {
		if r.dir && matchAny(r.dirs, rel) {
			excluded = !r.Include
			last = i
		}
	}
	if !excluded {
		return false
	}
	for _, r := range m.rules[last+1:] {
		if r.Include {
			return false
		}
	}
	return true
}

// Walk lists every file under root matched by m, as sorted canonical URLs.
func Walk(root string, m *Matcher) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && m.ExcludesDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if m.Matches(rel) {
			out = append(out, Canonical(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

// Canonical converts a root-relative path into the "./a/b.js" form.
func Canonical(rel string) string {
	return "./" + trimRelative(rel)
}

func trimRelative(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for {
		switch {
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			return p
		}
	}
}

// compileVariants compiles pattern plus the variants where a "**/" segment
// matches zero directories, so "**/*.js" also matches "a.js".
func compileVariants(pattern string) ([]glob.Glob, error) {
	variants := []string{pattern}
	seen := map[string]bool{pattern: true}
	for i := 0; i < len(variants); i++ {
		v := variants[i]
		for idx := strings.Index(v, "**/"); idx >= 0; {
			next := v[:idx] + v[idx+3:]
			if !seen[next] {
				seen[next] = true
				variants = append(variants, next)
			}
			rest := strings.Index(v[idx+3:], "**/")
			if rest < 0 {
				break
			}
			idx += 3 + rest
		}
	}
	globs := make([]glob.Glob, 0, len(variants))
	for _, v := range variants {
		g, err := glob.Compile(v, '/')
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
