package coverage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum-optimism/infra/op-testplan/matcher"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	writeFile(t, path, string(b))
}

func TestNormalizeKey(t *testing.T) {
	root := filepath.FromSlash("/repo")
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "a.js", want: "./a.js", ok: true},
		{raw: "./src/a.js", want: "./src/a.js", ok: true},
		{raw: "file:///repo/src/a.js", want: "./src/a.js", ok: true},
		{raw: "/repo/src/b.js", want: "./src/b.js", ok: true},
		{raw: "http://localhost:3000/src/c.js", want: "./src/c.js", ok: true},
		{raw: "/elsewhere/x.js", ok: false},
		{raw: "file:///elsewhere/x.js", ok: false},
		{raw: "node:internal/modules/run_main", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeKey(root, tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNormalizeMergesCollapsedKeys(t *testing.T) {
	a := NewFileCoverage("/repo/a.js")
	a.AddStatement(Range{Start: Location{1, 0}, End: Location{1, 5}}, 1)
	b := NewFileCoverage("a.js")
	b.AddStatement(Range{Start: Location{1, 0}, End: Location{1, 5}}, 2)

	out := Normalize("/repo", Map{"/repo/a.js": a, "./a.js": b, "/other/z.js": NewFileCoverage("/other/z.js")})
	require.Len(t, out, 1)
	assert.Equal(t, 3, out["./a.js"].S["0"])
	assert.Equal(t, "./a.js", out["./a.js"].Path)
}

func TestMergeFileCoverage(t *testing.T) {
	stmt := Range{Start: Location{1, 0}, End: Location{1, 10}}
	other := Range{Start: Location{2, 0}, End: Location{2, 4}}
	fn := FunctionMapping{Name: "f", Decl: Range{Start: Location{1, 9}, End: Location{1, 10}}}
	br := BranchMapping{Type: "if", Loc: stmt, Locations: []Range{stmt, other}}

	a := NewFileCoverage("./a.js")
	a.AddStatement(stmt, 1)
	a.AddFunction(fn, 1)
	a.AddBranch(br, []int{1, 0})

	b := NewFileCoverage("./a.js")
	b.AddStatement(other, 4)
	b.AddStatement(stmt, 2)
	b.AddFunction(fn, 3)
	b.AddBranch(br, []int{0, 5})

	merged := MergeFileCoverage(a, b)
	require.Len(t, merged.StatementMap, 2)
	assert.Equal(t, 3, merged.S["0"])
	assert.Equal(t, other, merged.StatementMap["1"])
	assert.Equal(t, 4, merged.S["1"])
	assert.Equal(t, 4, merged.F["0"])
	assert.Equal(t, []int{1, 5}, merged.B["0"])

	// inputs are untouched
	assert.Equal(t, 1, a.S["0"])
	assert.Len(t, a.StatementMap, 1)
	assert.Equal(t, []int{1, 0}, a.B["0"])

	assert.Equal(t, a.S, MergeFileCoverage(a, nil).S)
	assert.Equal(t, b.S, MergeFileCoverage(nil, b).S)
}

func TestAddStatementAvoidsKeyCollisions(t *testing.T) {
	fc := NewFileCoverage("./a.js")
	fc.StatementMap["1"] = Range{}
	fc.S["1"] = 7
	k := fc.AddStatement(Range{Start: Location{3, 0}}, 1)
	assert.Equal(t, "2", k)
	assert.Equal(t, 7, fc.S["1"])
}

func TestMergeV8Documents(t *testing.T) {
	a := V8Document{Result: []V8Script{{
		URL: "file:///repo/a.js",
		Functions: []V8Function{
			{FunctionName: "", Ranges: []V8Range{{StartOffset: 0, EndOffset: 100, Count: 1}}},
			{FunctionName: "f", IsBlockCoverage: true, Ranges: []V8Range{
				{StartOffset: 10, EndOffset: 50, Count: 1},
				{StartOffset: 30, EndOffset: 40, Count: 0},
			}},
		},
	}}}
	b := V8Document{
		Result: []V8Script{
			{
				URL:    "file:///repo/a.js",
				Source: "src",
				Functions: []V8Function{
					{FunctionName: "f", IsBlockCoverage: true, Ranges: []V8Range{
						{StartOffset: 10, EndOffset: 50, Count: 2},
						{StartOffset: 30, EndOffset: 40, Count: 1},
						{StartOffset: 20, EndOffset: 25, Count: 2},
					}},
					{FunctionName: "g", Ranges: []V8Range{{StartOffset: 60, EndOffset: 70, Count: 1}}},
				},
			},
			{URL: "file:///repo/b.js", Functions: []V8Function{{Ranges: []V8Range{{Count: 1}}}}},
		},
		SourceMapCache: map[string]SourceMapCacheEntry{"file:///repo/b.js": {LineLengths: []int{1}}},
	}

	merged := MergeV8Documents(a, b)
	require.Len(t, merged.Result, 2)
	script := merged.Result[0]
	assert.Equal(t, "src", script.Source)
	require.Len(t, script.Functions, 3)
	f := script.Functions[1]
	assert.Equal(t, []V8Range{
		{StartOffset: 10, EndOffset: 50, Count: 3},
		{StartOffset: 20, EndOffset: 25, Count: 2},
		{StartOffset: 30, EndOffset: 40, Count: 1},
	}, f.Ranges)
	assert.Equal(t, "g", script.Functions[2].FunctionName)
	assert.Contains(t, merged.SourceMapCache, "file:///repo/b.js")

	// a is not mutated
	assert.Equal(t, 1, a.Result[0].Functions[1].Ranges[0].Count)
	assert.Len(t, a.Result[0].Functions, 2)
}

func TestConvertLineCounts(t *testing.T) {
	root := t.TempDir()
	src := "function f() {\n  return 1\n}\nconst x = 1\n"
	writeFile(t, filepath.Join(root, "a.js"), src)
	doc := V8Document{Result: []V8Script{{
		URL: FileURL(filepath.Join(root, "a.js")),
		Functions: []V8Function{
			{FunctionName: "", Ranges: []V8Range{{StartOffset: 0, EndOffset: 40, Count: 1}}},
			{FunctionName: "f", IsBlockCoverage: true, Ranges: []V8Range{{StartOffset: 0, EndOffset: 27, Count: 0}}},
		},
	}}}

	conv := &Converter{RootDir: root, Sources: NewSourceCache(4), Logger: testLogger()}
	out := conv.Convert(doc)
	fc := out["./a.js"]
	require.NotNil(t, fc)
	require.Len(t, fc.StatementMap, 4)
	assert.Equal(t, map[string]int{"0": 0, "1": 0, "2": 0, "3": 1}, fc.S)
	assert.Equal(t, Range{Start: Location{2, 2}, End: Location{2, 10}}, fc.StatementMap["1"])

	require.Len(t, fc.FnMap, 1)
	assert.Equal(t, "f", fc.FnMap["0"].Name)
	assert.Equal(t, Location{3, 1}, fc.FnMap["0"].Decl.End)
	assert.Equal(t, 0, fc.F["0"])
	assert.Empty(t, fc.BranchMap)

	s := fc.Summary()
	assert.Equal(t, Counter{Covered: 1, Total: 4}, s.Statements)
	assert.Equal(t, Counter{Covered: 0, Total: 1}, s.Functions)
}

func TestConvertUTF16Offsets(t *testing.T) {
	root := t.TempDir()
	// the emoji takes two UTF-16 units
	src := "s = \"😀\"\nx()\n"
	writeFile(t, filepath.Join(root, "u.js"), src)
	doc := V8Document{Result: []V8Script{{
		URL: "u.js",
		Functions: []V8Function{
			{FunctionName: "", Ranges: []V8Range{{StartOffset: 0, EndOffset: 13, Count: 1}}},
			{FunctionName: "", IsBlockCoverage: true, Ranges: []V8Range{
				{StartOffset: 0, EndOffset: 13, Count: 1},
				{StartOffset: 9, EndOffset: 12, Count: 0},
			}},
		},
	}}}
	out := (&Converter{RootDir: root, Logger: testLogger()}).Convert(doc)
	fc := out["./u.js"]
	require.NotNil(t, fc)
	assert.Equal(t, Range{Start: Location{1, 0}, End: Location{1, 8}}, fc.StatementMap["0"])
	assert.Equal(t, 1, fc.S["0"])
	assert.Equal(t, 0, fc.S["1"])
	require.Len(t, fc.BranchMap, 1)
	assert.Equal(t, Location{2, 0}, fc.BranchMap["0"].Loc.Start)
}

func TestConvertFallsBackToLineLengths(t *testing.T) {
	root := t.TempDir()
	url := FileURL(filepath.Join(root, "gone.js"))
	doc := V8Document{
		Result: []V8Script{{
			URL:       url,
			Functions: []V8Function{{Ranges: []V8Range{{StartOffset: 0, EndOffset: 10, Count: 1}}}},
		}},
		SourceMapCache: map[string]SourceMapCacheEntry{url: {LineLengths: []int{3, 0, 5}}},
	}
	out := (&Converter{RootDir: root, Logger: testLogger()}).Convert(doc)
	fc := out["./gone.js"]
	require.NotNil(t, fc)
	require.Len(t, fc.StatementMap, 2)
	assert.Equal(t, 3, fc.StatementMap["1"].Start.Line)
	assert.Equal(t, map[string]int{"0": 1, "1": 1}, fc.S)
}

func TestConvertInlineSourceMap(t *testing.T) {
	root := t.TempDir()
	sm := `{"version":3,"file":"a.js","sources":["src/a.ts"],"names":[],"mappings":"AAAA;AACA"}`
	src := "var a = 1;\nvar b = 2;\n//# sourceMappingURL=data:application/json;base64," +
		base64.StdEncoding.EncodeToString([]byte(sm)) + "\n"
	writeFile(t, filepath.Join(root, "dist", "a.js"), src)
	doc := V8Document{Result: []V8Script{{
		URL:       FileURL(filepath.Join(root, "dist", "a.js")),
		Functions: []V8Function{{Ranges: []V8Range{{StartOffset: 0, EndOffset: len(src), Count: 1}}}},
	}}}

	out := (&Converter{RootDir: root, Logger: testLogger()}).Convert(doc)
	assert.NotContains(t, out, "./dist/a.js")
	fc := out["./dist/src/a.ts"]
	require.NotNil(t, fc, "coverage attributed to the original source, got %v", out.Files())
	require.Len(t, fc.StatementMap, 2)
	lines := []int{fc.StatementMap["0"].Start.Line, fc.StatementMap["1"].Start.Line}
	assert.ElementsMatch(t, []int{1, 2}, lines)
	assert.Equal(t, 1, fc.S["0"])
}

func TestComposePrefersV8(t *testing.T) {
	root := t.TempDir()
	doc := V8Document{Result: []V8Script{{
		URL:       "a.js",
		Functions: []V8Function{{FunctionName: "f", Ranges: []V8Range{{Count: 1}}}},
	}}}
	fromV8 := (&Converter{RootDir: root, Logger: testLogger()}).Convert(doc)

	b := NewFileCoverage("./b.js")
	b.AddStatement(Range{Start: Location{1, 0}, End: Location{1, 3}}, 0)
	istanbul := Map{"./b.js": b}

	calls := 0
	composed := Compose(fromV8, istanbul, func([]string) { calls++ })
	require.Contains(t, composed, "./a.js")
	require.Contains(t, composed, "./b.js")
	assert.Equal(t, 1, composed["./a.js"].F["0"])
	assert.Same(t, b, composed["./b.js"])
	assert.Equal(t, 0, calls)

	shadow := NewFileCoverage("./a.js")
	shadow.AddStatement(Range{}, 9)
	var conflicts []string
	composed = Compose(fromV8, Map{"./a.js": shadow, "./b.js": b}, func(c []string) {
		calls++
		conflicts = c
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"./a.js"}, conflicts)
	assert.Same(t, fromV8["./a.js"], composed["./a.js"])
}

func TestInstrumenters(t *testing.T) {
	goSrc := "package lib\n\nfunc C(x int) int {\n\tif x > 0 {\n\t\treturn 1\n\t}\n\treturn 0\n}\n"
	fc, err := InstrumenterFor("./lib/c.go").Instrument("./lib/c.go", goSrc)
	require.NoError(t, err)
	assert.Len(t, fc.StatementMap, 3)
	require.Len(t, fc.FnMap, 1)
	assert.Equal(t, "C", fc.FnMap["0"].Name)
	require.Len(t, fc.BranchMap, 1)
	assert.Equal(t, []int{0, 0}, fc.B["0"])

	_, err = GoInstrumenter{}.Instrument("./bad.go", "package")
	assert.Error(t, err)

	jsSrc := "/* header\n * more\n */\nexport function b() {\n  // comment\n  if (x) {\n    return 2\n  }\n}\nconst c = (y) => y\n"
	fc, err = InstrumenterFor("./src/b.js").Instrument("./src/b.js", jsSrc)
	require.NoError(t, err)
	assert.Len(t, fc.StatementMap, 4)
	require.Len(t, fc.FnMap, 2)
	assert.Equal(t, "b", fc.FnMap["0"].Name)
	assert.Equal(t, "c", fc.FnMap["1"].Name)
	assert.Len(t, fc.BranchMap, 1)
}

func TestJSInstrumenterHandlesModules(t *testing.T) {
	src := "import { a } from \"./a.js\"\nimport \"./side.js\";\nconst re = /[{}]/g\nexport const pick = (x) => x > 1 ? a : re\nexport default function () {\n  return a && pick(2)\n}\nexport { pick as p }\n"
	fc, err := JSInstrumenter{}.Instrument("./src/m.js", src)
	require.NoError(t, err)

	assert.Len(t, fc.StatementMap, 5)
	lines := make(map[int]Range)
	for _, r := range fc.StatementMap {
		lines[r.Start.Line] = r
	}
	assert.Equal(t, Location{Line: 3, Column: 0}, lines[3].Start)
	assert.Equal(t, Location{Line: 6, Column: 2}, lines[6].Start)

	require.Len(t, fc.FnMap, 2)
	assert.Equal(t, "pick", fc.FnMap["0"].Name)
	assert.Equal(t, "(anonymous_0)", fc.FnMap["1"].Name)
	assert.Equal(t, 5, fc.FnMap["1"].Line)

	require.Len(t, fc.BranchMap, 2)
	assert.Equal(t, "cond-expr", fc.BranchMap["0"].Type)
	assert.Equal(t, "binary-expr", fc.BranchMap["1"].Type)
	assert.Equal(t, []int{0, 0}, fc.B["1"])
}

func TestLowerModuleSyntaxKeepsOffsets(t *testing.T) {
	src := "import x from 'x'\nexport default {\n  a: 1,\n}\nexport * from 'y';\nconst s = \"export { no }\"\n"
	out, err := lowerModuleSyntax(src)
	require.NoError(t, err)
	require.Len(t, out, len(src))
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 7)
	assert.Empty(t, strings.TrimSpace(lines[0]))
	assert.True(t, strings.HasPrefix(lines[1], "void "))
	assert.Empty(t, strings.TrimSpace(lines[4]))
	assert.Equal(t, "const s = \"export { no }\"", lines[5])
}

func TestJSInstrumenterRejectsInvalidSource(t *testing.T) {
	_, err := JSInstrumenter{}.Instrument("./bad.js", "function (")
	assert.Error(t, err)
	_, err = InstrumenterFor("./bad.js").Instrument("./bad.js", "const = 1")
	assert.Error(t, err)
}

func TestGenerateSynthesizesMissingFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "a.js"), "export const a = 1\n")
	writeFile(t, filepath.Join(root, "src", "b.js"), "export function b() {\n  return 2\n}\n")
	writeFile(t, filepath.Join(root, "lib", "c.go"), "package lib\n\nfunc C() int {\n\treturn 1\n}\n")
	writeFile(t, filepath.Join(root, "node_modules", "x", "index.js"), "module.exports = 1\n")

	tmp := t.TempDir()
	v8File := filepath.Join(tmp, "node", "1.json")
	writeJSON(t, v8File, V8Document{Result: []V8Script{
		{
			URL:       FileURL(filepath.Join(root, "src", "a.js")),
			Functions: []V8Function{{Ranges: []V8Range{{StartOffset: 0, EndOffset: 19, Count: 1}}}},
		},
		{
			URL:       FileURL(filepath.Join(root, "node_modules", "x", "index.js")),
			Functions: []V8Function{{Ranges: []V8Range{{StartOffset: 0, EndOffset: 19, Count: 1}}}},
		},
	}})

	include := matcher.MustCompile(matcher.Spec{
		{Pattern: "./src/**", Include: true},
		{Pattern: "./lib/**/*.go", Include: true},
	})
	m, err := Generate(context.Background(), Config{
		RootDir:        root,
		Include:        include,
		IncludeMissing: true,
		Logger:         testLogger(),
	}, []string{v8File, filepath.Join(tmp, "never-written.json")})
	require.NoError(t, err)

	assert.Equal(t, []string{"./lib/c.go", "./src/a.js", "./src/b.js"}, m.Files())
	assert.Equal(t, 1, m["./src/a.js"].S["0"])
	for _, key := range []string{"./src/b.js", "./lib/c.go"} {
		fc := m[key]
		require.NotEmpty(t, fc.S, key)
		for _, n := range fc.S {
			assert.Zero(t, n, key)
		}
	}
}

func TestLoadArtifactsMixedFormats(t *testing.T) {
	root := filepath.FromSlash("/repo")
	dir := t.TempDir()

	first := NewFileCoverage("/repo/b.js")
	first.AddStatement(Range{Start: Location{1, 0}, End: Location{1, 2}}, 1)
	writeJSON(t, filepath.Join(dir, "1.json"), Map{"/repo/b.js": first})
	writeJSON(t, filepath.Join(dir, "2.json"), Map{"./b.js": first})
	writeFile(t, filepath.Join(dir, "3.json"), "{not json")

	v8Dir := filepath.Join(dir, "v8")
	writeJSON(t, filepath.Join(v8Dir, "coverage-1.json"), V8Document{Result: []V8Script{{URL: "file:///repo/a.js"}}})
	writeFile(t, filepath.Join(v8Dir, "notes.txt"), "ignored")

	files, err := ArtifactFiles([]string{
		filepath.Join(dir, "1.json"),
		filepath.Join(dir, "2.json"),
		filepath.Join(dir, "3.json"),
		filepath.Join(dir, "1.json"),
	}, []string{v8Dir, filepath.Join(dir, "absent")})
	require.NoError(t, err)
	require.Len(t, files, 4)

	artifacts, err := LoadArtifacts(context.Background(), root, files, testLogger())
	require.NoError(t, err)
	assert.Len(t, artifacts.Files, 3)
	require.Contains(t, artifacts.Istanbul, "./b.js")
	assert.Equal(t, 2, artifacts.Istanbul["./b.js"].S["0"])
	require.Len(t, artifacts.V8.Result, 1)
	assert.Equal(t, "file:///repo/a.js", artifacts.V8.Result[0].URL)
}

func TestSourceCache(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.js")
	writeFile(t, p, "one")
	c := NewSourceCache(1)
	src, err := c.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "one", src)

	writeFile(t, p, "two")
	src, err = c.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "one", src, "served from cache")
	assert.Equal(t, 1, c.Len())

	_, err = c.Read(filepath.Join(dir, "missing.js"))
	assert.Error(t, err)
}
