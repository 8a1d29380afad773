package coverage

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ethereum-optimism/infra/op-testplan/matcher"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// Config drives Generate.
type Config struct {
	RootDir string
	// Include decides which files belong in the final map. Nil keeps all.
	Include *matcher.Matcher
	// IncludeMissing synthesizes zeroed coverage for included files that no
	// execution touched.
	IncludeMissing bool
	// ConflictWarning logs once when both formats cover the same file.
	ConflictWarning bool
	// V8Dirs are directories of native V8 dumps (NODE_V8_COVERAGE).
	V8Dirs  []string
	Sources *SourceCache
	Logger  log.Logger
}

// Generate builds the final coverage map of a run from the per-execution
// coverage files.
func Generate(ctx context.Context, cfg Config, files []string) (Map, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	sources := cfg.Sources
	if sources == nil {
		sources = NewSourceCache(DefaultSourceCacheSize)
	}

	all, err := ArtifactFiles(files, cfg.V8Dirs)
	if err != nil {
		return nil, err
	}
	artifacts, err := LoadArtifacts(ctx, cfg.RootDir, all, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("Loaded coverage artifacts", "files", len(artifacts.Files), "scripts", len(artifacts.V8.Result), "instrumented", len(artifacts.Istanbul))

	conv := &Converter{RootDir: cfg.RootDir, Sources: sources, Logger: logger}
	fromV8 := conv.Convert(artifacts.V8)

	composed := Compose(fromV8, artifacts.Istanbul, func(conflicts []string) {
		if cfg.ConflictWarning {
			logger.Warn("Coverage reported by both V8 and instrumentation, keeping V8", "files", len(conflicts), "first", conflicts[0])
		}
	})

	if cfg.IncludeMissing && cfg.Include != nil {
		missing, err := SynthesizeMissing(ctx, cfg.RootDir, cfg.Include, composed, sources, logger)
		if err != nil {
			return nil, err
		}
		for k, fc := range missing {
			composed[k] = fc
		}
	}
	return Filter(composed, cfg.Include), nil
}

// Compose combines a V8-derived map with an instrumentation map. When both
// cover a file the V8 entry wins; onConflict is called once with every such
// file, if any.
func Compose(fromV8, istanbul Map, onConflict func(conflicts []string)) Map {
	out := make(Map, len(fromV8)+len(istanbul))
	for k, fc := range istanbul {
		out[k] = fc
	}
	var conflicts []string
	for _, k := range fromV8.Files() {
		if _, exists := out[k]; exists {
			conflicts = append(conflicts, k)
		}
		out[k] = fromV8[k]
	}
	if len(conflicts) > 0 && onConflict != nil {
		onConflict(conflicts)
	}
	return out
}

// Filter keeps the entries matched by include. A nil include keeps all.
func Filter(m Map, include *matcher.Matcher) Map {
	if include == nil {
		return m
	}
	out := make(Map, len(m))
	for k, fc := range m {
		if include.Matches(k) {
			out[k] = fc
		}
	}
	return out
}

// SynthesizeMissing instruments every file matched by include that covered
// does not mention, and returns their skeletons with all counters at zero.
// Files that cannot be instrumented are logged and left out.
func SynthesizeMissing(ctx context.Context, rootDir string, include *matcher.Matcher, covered Map, sources *SourceCache, logger log.Logger) (Map, error) {
	files, err := matcher.Walk(rootDir, include)
	if err != nil {
		return nil, fmt.Errorf("listing coverable files: %w", err)
	}
	var missing []string
	for _, f := range files {
		if _, ok := covered[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return Map{}, nil
	}
	logger.Debug("Synthesizing coverage for untouched files", "count", len(missing))

	skeletons := make([]*FileCoverage, len(missing))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, key := range missing {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := sources.Read(KeyPath(rootDir, key))
			if err != nil {
				logger.Warn("Cannot read uncovered file", "file", key, "err", err)
				return nil
			}
			fc, err := InstrumenterFor(key).Instrument(key, src)
			if err != nil {
				logger.Warn("Cannot instrument uncovered file", "file", key, "err", err)
				return nil
			}
			fc.ZeroCounts()
			skeletons[i] = fc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(Map, len(missing))
	for i, fc := range skeletons {
		if fc != nil {
			out[missing[i]] = fc
		}
	}
	return out, nil
}
