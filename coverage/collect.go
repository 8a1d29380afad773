package coverage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

const loadConcurrency = 8

// Artifacts holds the coverage collected from every execution of a run.
type Artifacts struct {
	V8       V8Document
	Istanbul Map
	// Files lists the artifacts that contributed.
	Files []string
}

type decoded struct {
	file     string
	v8       *V8Document
	istanbul Map
}

// ArtifactFiles lists the per-execution coverage files plus every JSON dump
// found in the V8 directories, deduplicated and in a stable order.
func ArtifactFiles(files []string, v8Dirs []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, f := range files {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, dir := range v8Dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("listing V8 coverage directory %s: %w", dir, err)
		}
		var dumps []string
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if !seen[p] {
				seen[p] = true
				dumps = append(dumps, p)
			}
		}
		sort.Strings(dumps)
		out = append(out, dumps...)
	}
	return out, nil
}

// LoadArtifacts decodes the given coverage files concurrently and folds them,
// in the given order, into one V8 document and one istanbul map. Unreadable
// files are logged and skipped.
func LoadArtifacts(ctx context.Context, rootDir string, files []string, logger log.Logger) (*Artifacts, error) {
	results := make([]*decoded, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := decodeArtifact(f)
			if err != nil {
				logger.Warn("Skipping unreadable coverage file", "file", f, "err", err)
				return nil
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Artifacts{Istanbul: make(Map)}
	for _, d := range results {
		if d == nil {
			continue
		}
		out.Files = append(out.Files, d.file)
		if d.v8 != nil {
			out.V8 = MergeV8Documents(out.V8, *d.v8)
			continue
		}
		out.Istanbul = MergeMaps(out.Istanbul, Normalize(rootDir, d.istanbul))
	}
	return out, nil
}

func decodeArtifact(file string) (*decoded, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty coverage file")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, fmt.Errorf("decoding coverage file: %w", err)
	}
	if raw, ok := probe["result"]; ok && strings.HasPrefix(string(bytes.TrimSpace(raw)), "[") {
		var doc V8Document
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("decoding V8 coverage: %w", err)
		}
		return &decoded{file: file, v8: &doc}, nil
	}
	m := make(Map, len(probe))
	for k, raw := range probe {
		var fc FileCoverage
		if err := json.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("decoding istanbul coverage of %s: %w", k, err)
		}
		m[k] = &fc
	}
	return &decoded{file: file, istanbul: m}, nil
}
