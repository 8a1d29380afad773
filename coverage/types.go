// Package coverage collects, converts and merges V8 script coverage and
// istanbul instrumentation coverage into a single istanbul map keyed by
// canonical "./a/b.js" paths.
package coverage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Location is a position in a file: 1-based line, 0-based column
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range spans from Start to End
type Range struct {
	Start Location `json:"start"`
	End   Location `json:"end"`
}

func (r Range) key() string {
	return fmt.Sprintf("%d:%d-%d:%d", r.Start.Line, r.Start.Column, r.End.Line, r.End.Column)
}

// FunctionMapping describes a function of an istanbul file coverage
type FunctionMapping struct {
	Name string `json:"name"`
	Decl Range  `json:"decl"`
	Loc  Range  `json:"loc"`
	Line int    `json:"line"`
}

// BranchMapping describes a branch point and its alternatives
type BranchMapping struct {
	Type      string  `json:"type"`
	Loc       Range   `json:"loc"`
	Locations []Range `json:"locations"`
	Line      int     `json:"line"`
}

// FileCoverage is the istanbul coverage of one file
type FileCoverage struct {
	Path         string                     `json:"path"`
	StatementMap map[string]Range           `json:"statementMap"`
	FnMap        map[string]FunctionMapping `json:"fnMap"`
	BranchMap    map[string]BranchMapping   `json:"branchMap"`
	S            map[string]int             `json:"s"`
	F            map[string]int             `json:"f"`
	B            map[string][]int           `json:"b"`
}

// NewFileCoverage returns an empty coverage for path
func NewFileCoverage(path string) *FileCoverage {
	return &FileCoverage{
		Path:         path,
		StatementMap: make(map[string]Range),
		FnMap:        make(map[string]FunctionMapping),
		BranchMap:    make(map[string]BranchMapping),
		S:            make(map[string]int),
		F:            make(map[string]int),
		B:            make(map[string][]int),
	}
}

// UnmarshalJSON tolerates documents omitting some of the maps.
func (fc *FileCoverage) UnmarshalJSON(data []byte) error {
	type plain FileCoverage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*fc = FileCoverage(p)
	fc.ensureMaps()
	return nil
}

func (fc *FileCoverage) ensureMaps() {
	if fc.StatementMap == nil {
		fc.StatementMap = make(map[string]Range)
	}
	if fc.FnMap == nil {
		fc.FnMap = make(map[string]FunctionMapping)
	}
	if fc.BranchMap == nil {
		fc.BranchMap = make(map[string]BranchMapping)
	}
	if fc.S == nil {
		fc.S = make(map[string]int)
	}
	if fc.F == nil {
		fc.F = make(map[string]int)
	}
	if fc.B == nil {
		fc.B = make(map[string][]int)
	}
}

// AddStatement appends a statement and returns its key
func (fc *FileCoverage) AddStatement(r Range, count int) string {
	k := freeKey(fc.StatementMap)
	fc.StatementMap[k] = r
	fc.S[k] = count
	return k
}

// AddFunction appends a function and returns its key
func (fc *FileCoverage) AddFunction(fn FunctionMapping, count int) string {
	k := freeKey(fc.FnMap)
	if fn.Line == 0 {
		fn.Line = fn.Decl.Start.Line
	}
	fc.FnMap[k] = fn
	fc.F[k] = count
	return k
}

// AddBranch appends a branch and returns its key
func (fc *FileCoverage) AddBranch(br BranchMapping, counts []int) string {
	k := freeKey(fc.BranchMap)
	if br.Line == 0 {
		br.Line = br.Loc.Start.Line
	}
	fc.BranchMap[k] = br
	c := make([]int, len(br.Locations))
	copy(c, counts)
	fc.B[k] = c
	return k
}

// Clone returns a deep copy
func (fc *FileCoverage) Clone() *FileCoverage {
	out := NewFileCoverage(fc.Path)
	for k, v := range fc.StatementMap {
		out.StatementMap[k] = v
	}
	for k, v := range fc.FnMap {
		out.FnMap[k] = v
	}
	for k, v := range fc.BranchMap {
		locs := make([]Range, len(v.Locations))
		copy(locs, v.Locations)
		v.Locations = locs
		out.BranchMap[k] = v
	}
	for k, v := range fc.S {
		out.S[k] = v
	}
	for k, v := range fc.F {
		out.F[k] = v
	}
	for k, v := range fc.B {
		out.B[k] = append([]int(nil), v...)
	}
	return out
}

// ZeroCounts resets every counter
func (fc *FileCoverage) ZeroCounts() {
	for k := range fc.S {
		fc.S[k] = 0
	}
	for k := range fc.F {
		fc.F[k] = 0
	}
	for k, v := range fc.B {
		fc.B[k] = make([]int, len(v))
	}
}

// Counter is a covered/total pair
type Counter struct {
	Covered int `json:"covered"`
	Total   int `json:"total"`
}

// Pct is the covered percentage, 100 when there is nothing to cover
func (c Counter) Pct() float64 {
	if c.Total == 0 {
		return 100
	}
	return float64(c.Covered) * 100 / float64(c.Total)
}

// Summary aggregates coverage counters
type Summary struct {
	Statements Counter `json:"statements"`
	Functions  Counter `json:"functions"`
	Branches   Counter `json:"branches"`
}

// Summary counts covered statements, functions and branches
func (fc *FileCoverage) Summary() Summary {
	var s Summary
	for _, n := range fc.S {
		s.Statements.Total++
		if n > 0 {
			s.Statements.Covered++
		}
	}
	for _, n := range fc.F {
		s.Functions.Total++
		if n > 0 {
			s.Functions.Covered++
		}
	}
	for _, counts := range fc.B {
		for _, n := range counts {
			s.Branches.Total++
			if n > 0 {
				s.Branches.Covered++
			}
		}
	}
	return s
}

// Map is the istanbul coverage of a whole project, keyed by "./a/b.js"
type Map map[string]*FileCoverage

// Files returns the keys in sorted order
func (m Map) Files() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Summary aggregates every file
func (m Map) Summary() Summary {
	var total Summary
	for _, fc := range m {
		s := fc.Summary()
		total.Statements.Covered += s.Statements.Covered
		total.Statements.Total += s.Statements.Total
		total.Functions.Covered += s.Functions.Covered
		total.Functions.Total += s.Functions.Total
		total.Branches.Covered += s.Branches.Covered
		total.Branches.Total += s.Branches.Total
	}
	return total
}

// V8Range is a block of a V8 function coverage, in UTF-16 offsets
type V8Range struct {
	StartOffset int `json:"startOffset"`
	EndOffset   int `json:"endOffset"`
	Count       int `json:"count"`
}

// V8Function is the coverage of one function of a script
type V8Function struct {
	FunctionName    string    `json:"functionName"`
	Ranges          []V8Range `json:"ranges"`
	IsBlockCoverage bool      `json:"isBlockCoverage"`
}

// V8Script is the coverage of one script
type V8Script struct {
	ScriptID  string       `json:"scriptId,omitempty"`
	URL       string       `json:"url"`
	Functions []V8Function `json:"functions"`
	Source    string       `json:"source,omitempty"`
}

// SourceMapCacheEntry is what Node records for scripts with source maps
type SourceMapCacheEntry struct {
	LineLengths []int           `json:"lineLengths,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	URL         string          `json:"url,omitempty"`
}

// V8Document is a V8 coverage dump
type V8Document struct {
	Result         []V8Script                     `json:"result"`
	SourceMapCache map[string]SourceMapCacheEntry `json:"source-map-cache,omitempty"`
}

func freeKey[V any](m map[string]V) string {
	for n := len(m); ; n++ {
		k := strconv.Itoa(n)
		if _, taken := m[k]; !taken {
			return k
		}
	}
}
