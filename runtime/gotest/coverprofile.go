package gotest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum-optimism/infra/op-testplan/coverage"
	"golang.org/x/mod/modfile"
)

// ModuleRoot finds the nearest go.mod at or above dir and returns its
// directory and module path.
func ModuleRoot(dir string) (string, string, error) {
	for d := dir; ; {
		data, err := os.ReadFile(filepath.Join(d, "go.mod"))
		if err == nil {
			path := modfile.ModulePath(data)
			if path == "" {
				return "", "", fmt.Errorf("%s/go.mod has no module directive", d)
			}
			return d, path, nil
		}
		if !os.IsNotExist(err) {
			return "", "", err
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", "", fmt.Errorf("no go.mod above %s", dir)
		}
		d = parent
	}
}

// ParseProfile converts a coverprofile into istanbul coverage keyed by
// absolute file path. Blocks are statements; columns become 0-based.
func ParseProfile(profile, moduleDir, modulePath string) (coverage.Map, error) {
	f, err := os.Open(profile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(coverage.Map)
	// block position -> statement key, per file
	seen := make(map[string]map[string]string)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "mode:") {
			continue
		}
		importPath, rng, count, err := parseProfileLine(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", profile, line, err)
		}
		rel, ok := strings.CutPrefix(importPath, modulePath+"/")
		if !ok {
			// files of other modules are not ours to report
			continue
		}
		path := filepath.Join(moduleDir, filepath.FromSlash(rel))
		fc, ok := out[path]
		if !ok {
			fc = coverage.NewFileCoverage(path)
			out[path] = fc
			seen[path] = make(map[string]string)
		}
		pos := fmt.Sprintf("%d:%d-%d:%d", rng.Start.Line, rng.Start.Column, rng.End.Line, rng.End.Column)
		if key, ok := seen[path][pos]; ok {
			fc.S[key] += count
			continue
		}
		seen[path][pos] = fc.AddStatement(rng, count)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseProfileLine parses "path/file.go:1.2,3.4 numStmts count".
func parseProfileLine(text string) (string, coverage.Range, int, error) {
	var rng coverage.Range
	colon := strings.LastIndex(text, ":")
	if colon < 0 {
		return "", rng, 0, fmt.Errorf("malformed line %q", text)
	}
	fields := strings.Fields(text[colon+1:])
	if len(fields) != 3 {
		return "", rng, 0, fmt.Errorf("malformed line %q", text)
	}
	start, end, ok := strings.Cut(fields[0], ",")
	if !ok {
		return "", rng, 0, fmt.Errorf("malformed block %q", fields[0])
	}
	var err error
	if rng.Start, err = parsePosition(start); err != nil {
		return "", rng, 0, err
	}
	if rng.End, err = parsePosition(end); err != nil {
		return "", rng, 0, err
	}
	count, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", rng, 0, fmt.Errorf("malformed count %q", fields[2])
	}
	return text[:colon], rng, count, nil
}

func parsePosition(s string) (coverage.Location, error) {
	l, c, ok := strings.Cut(s, ".")
	if !ok {
		return coverage.Location{}, fmt.Errorf("malformed position %q", s)
	}
	line, err := strconv.Atoi(l)
	if err != nil {
		return coverage.Location{}, fmt.Errorf("malformed position %q", s)
	}
	col, err := strconv.Atoi(c)
	if err != nil {
		return coverage.Location{}, fmt.Errorf("malformed position %q", s)
	}
	return coverage.Location{Line: line, Column: col - 1}, nil
}

// writeCoverage converts profile and writes it to dest as istanbul JSON.
func writeCoverage(dir, profile, dest string) error {
	moduleDir, modulePath, err := ModuleRoot(dir)
	if err != nil {
		return err
	}
	m, err := ParseProfile(profile, moduleDir, modulePath)
	if err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, b, 0o644)
}
