package coverage

import (
	"sort"
	"strconv"
)

// MergeFileCoverage sums the counters of a and b per location. Statements,
// functions and branches only present in one side are carried over. Neither
// input is modified.
func MergeFileCoverage(a, b *FileCoverage) *FileCoverage {
	if a == nil {
		return b.Clone()
	}
	out := a.Clone()
	if b == nil {
		return out
	}

	statements := make(map[string]string, len(out.StatementMap))
	for k, r := range out.StatementMap {
		statements[r.key()] = k
	}
	for _, k := range sortedKeys(b.StatementMap) {
		r := b.StatementMap[k]
		if existing, ok := statements[r.key()]; ok {
			out.S[existing] += b.S[k]
			continue
		}
		statements[r.key()] = out.AddStatement(r, b.S[k])
	}

	functions := make(map[string]string, len(out.FnMap))
	for k, fn := range out.FnMap {
		functions[fn.Decl.key()] = k
	}
	for _, k := range sortedKeys(b.FnMap) {
		fn := b.FnMap[k]
		if existing, ok := functions[fn.Decl.key()]; ok {
			out.F[existing] += b.F[k]
			continue
		}
		functions[fn.Decl.key()] = out.AddFunction(fn, b.F[k])
	}

	branches := make(map[string]string, len(out.BranchMap))
	for k, br := range out.BranchMap {
		branches[br.Type+"@"+br.Loc.key()] = k
	}
	for _, k := range sortedKeys(b.BranchMap) {
		br := b.BranchMap[k]
		id := br.Type + "@" + br.Loc.key()
		existing, ok := branches[id]
		if !ok {
			branches[id] = out.AddBranch(br, b.B[k])
			continue
		}
		counts := out.B[existing]
		for i, n := range b.B[k] {
			if i < len(counts) {
				counts[i] += n
				continue
			}
			counts = append(counts, n)
		}
		out.B[existing] = counts
		if len(br.Locations) > len(out.BranchMap[existing].Locations) {
			merged := out.BranchMap[existing]
			merged.Locations = append([]Range(nil), br.Locations...)
			out.BranchMap[existing] = merged
		}
	}
	return out
}

// MergeMaps merges b into a copy of a file by file.
func MergeMaps(a, b Map) Map {
	out := make(Map, len(a)+len(b))
	for k, fc := range a {
		out[k] = fc.Clone()
	}
	for k, fc := range b {
		out[k] = MergeFileCoverage(out[k], fc)
	}
	return out
}

// MergeV8Documents merges the scripts of b into a copy of a. Scripts are
// matched by URL, functions by name and root range, and block ranges by
// their offsets; matching counts are summed and everything else is appended.
func MergeV8Documents(a, b V8Document) V8Document {
	out := V8Document{Result: make([]V8Script, 0, len(a.Result)+len(b.Result))}
	index := make(map[string]int)
	for _, doc := range []V8Document{a, b} {
		for _, script := range doc.Result {
			i, ok := index[script.URL]
			if !ok {
				index[script.URL] = len(out.Result)
				out.Result = append(out.Result, cloneScript(script))
				continue
			}
			out.Result[i] = mergeScript(out.Result[i], script)
		}
		for url, entry := range doc.SourceMapCache {
			if out.SourceMapCache == nil {
				out.SourceMapCache = make(map[string]SourceMapCacheEntry)
			}
			if _, exists := out.SourceMapCache[url]; !exists {
				out.SourceMapCache[url] = entry
			}
		}
	}
	return out
}

func cloneScript(s V8Script) V8Script {
	out := s
	out.Functions = make([]V8Function, len(s.Functions))
	for i, fn := range s.Functions {
		out.Functions[i] = fn
		out.Functions[i].Ranges = append([]V8Range(nil), fn.Ranges...)
	}
	return out
}

func functionKey(fn V8Function) string {
	if len(fn.Ranges) == 0 {
		return fn.FunctionName
	}
	r := fn.Ranges[0]
	return fn.FunctionName + "@" + strconv.Itoa(r.StartOffset) + "-" + strconv.Itoa(r.EndOffset)
}

func mergeScript(a, b V8Script) V8Script {
	if a.Source == "" {
		a.Source = b.Source
	}
	functions := make(map[string]int, len(a.Functions))
	for i, fn := range a.Functions {
		functions[functionKey(fn)] = i
	}
	for _, fn := range b.Functions {
		i, ok := functions[functionKey(fn)]
		if !ok {
			functions[functionKey(fn)] = len(a.Functions)
			fn.Ranges = append([]V8Range(nil), fn.Ranges...)
			a.Functions = append(a.Functions, fn)
			continue
		}
		a.Functions[i] = mergeFunction(a.Functions[i], fn)
	}
	return a
}

func mergeFunction(a, b V8Function) V8Function {
	type span struct{ start, end int }
	ranges := make(map[span]int, len(a.Ranges))
	for i, r := range a.Ranges {
		ranges[span{r.StartOffset, r.EndOffset}] = i
	}
	for _, r := range b.Ranges {
		if i, ok := ranges[span{r.StartOffset, r.EndOffset}]; ok {
			a.Ranges[i].Count += r.Count
			continue
		}
		ranges[span{r.StartOffset, r.EndOffset}] = len(a.Ranges)
		a.Ranges = append(a.Ranges, r)
	}
	a.IsBlockCoverage = a.IsBlockCoverage || b.IsBlockCoverage
	if len(a.Ranges) > 2 {
		// the function range stays first, blocks are ordered outermost first
		blocks := a.Ranges[1:]
		sort.SliceStable(blocks, func(i, j int) bool {
			if blocks[i].StartOffset != blocks[j].StartOffset {
				return blocks[i].StartOffset < blocks[j].StartOffset
			}
			return blocks[i].EndOffset > blocks[j].EndOffset
		})
	}
	return a
}

// sortedKeys orders istanbul keys numerically so merges are deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, ei := strconv.Atoi(keys[i])
		nj, ej := strconv.Atoi(keys[j])
		if ei == nil && ej == nil {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	return keys
}
