package coverage

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-sourcemap/sourcemap"
)

var sourceMappingURLRe = regexp.MustCompile(`(?m)^[ \t]*//[#@][ \t]*sourceMappingURL=(\S+)[ \t]*$`)

// Converter turns V8 script coverage into istanbul file coverage.
type Converter struct {
	RootDir string
	Sources *SourceCache
	Logger  log.Logger
}

// sourceLine is one line of a script, in UTF-16 offsets. start and end
// exclude leading and trailing whitespace.
type sourceLine struct {
	lineStart int
	start     int
	end       int
	blank     bool
}

// Convert converts every script of doc whose URL lives under the root
// directory. Scripts with a source map are attributed to their original
// sources.
func (c *Converter) Convert(doc V8Document) Map {
	out := make(Map)
	for _, script := range doc.Result {
		key, ok := NormalizeKey(c.RootDir, script.URL)
		if !ok {
			continue
		}
		converted := c.convertScript(key, script, doc.SourceMapCache[script.URL])
		for k, fc := range converted {
			out[k] = MergeFileCoverage(out[k], fc)
		}
	}
	return out
}

func (c *Converter) logger() log.Logger {
	if c.Logger == nil {
		return log.Root()
	}
	return c.Logger
}

func (c *Converter) convertScript(key string, script V8Script, cacheEntry SourceMapCacheEntry) Map {
	scriptPath := KeyPath(c.RootDir, key)
	source, approximate := c.scriptSource(scriptPath, script, cacheEntry)
	lines := splitLines(source, approximate)

	e := &emitter{
		rootDir:    c.RootDir,
		scriptKey:  key,
		scriptPath: scriptPath,
		files:      make(Map),
	}
	if consumer, err := c.sourceMap(scriptPath, source, cacheEntry); err != nil {
		c.logger().Warn("Ignoring unreadable source map", "file", key, "err", err)
	} else {
		e.consumer = consumer
	}

	counts := lineCounts(lines, script.Functions)
	for i, ln := range lines {
		if ln.blank {
			continue
		}
		r := Range{
			Start: Location{Line: i + 1, Column: ln.start - ln.lineStart},
			End:   Location{Line: i + 1, Column: ln.end - ln.lineStart},
		}
		if fc, mapped, ok := e.target(r); ok {
			fc.AddStatement(mapped, counts[i])
		}
	}

	anonymous := 0
	for _, fn := range script.Functions {
		if len(fn.Ranges) == 0 {
			continue
		}
		root := fn.Ranges[0]
		if !isRootFunction(fn) {
			name := fn.FunctionName
			if name == "" {
				name = fmt.Sprintf("(anonymous_%d)", anonymous)
				anonymous++
			}
			r := offsetRange(lines, root.StartOffset, root.EndOffset)
			if fc, mapped, ok := e.target(r); ok {
				fc.AddFunction(FunctionMapping{Name: name, Decl: mapped, Loc: mapped}, root.Count)
			}
		}
		if !fn.IsBlockCoverage {
			continue
		}
		for _, block := range fn.Ranges[1:] {
			r := offsetRange(lines, block.StartOffset, block.EndOffset)
			if fc, mapped, ok := e.target(r); ok {
				fc.AddBranch(BranchMapping{Type: "branch", Loc: mapped, Locations: []Range{mapped}}, []int{block.Count})
			}
		}
	}

	if len(e.files) == 0 && e.consumer == nil {
		e.files[key] = NewFileCoverage(key)
	}
	return e.files
}

// scriptSource returns the script source, or an approximation rebuilt from
// the recorded line lengths when the source is unavailable.
func (c *Converter) scriptSource(scriptPath string, script V8Script, entry SourceMapCacheEntry) (string, bool) {
	if script.Source != "" {
		return script.Source, false
	}
	if src, err := c.Sources.Read(scriptPath); err == nil {
		return src, false
	}
	if len(entry.LineLengths) > 0 {
		var b strings.Builder
		for i, n := range entry.LineLengths {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(strings.Repeat(" ", n))
		}
		return b.String(), true
	}
	return "", false
}

func (c *Converter) sourceMap(scriptPath, source string, entry SourceMapCacheEntry) (*sourcemap.Consumer, error) {
	mapURL := FileURL(scriptPath)
	if len(entry.Data) > 0 && string(entry.Data) != "null" {
		return sourcemap.Parse(mapURL, entry.Data)
	}
	matches := sourceMappingURLRe.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	ref := matches[len(matches)-1][1]
	if strings.HasPrefix(ref, "data:") {
		data, err := decodeDataURL(ref)
		if err != nil {
			return nil, err
		}
		return sourcemap.Parse(mapURL, data)
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Scheme != "file" {
		return nil, nil
	}
	mapPath := ref
	if strings.HasPrefix(ref, "file://") {
		u, _ := url.Parse(ref)
		mapPath = u.Path
	} else if !filepath.IsAbs(ref) {
		mapPath = filepath.Join(filepath.Dir(scriptPath), filepath.FromSlash(ref))
	}
	data, err := c.Sources.Read(mapPath)
	if err != nil {
		return nil, err
	}
	return sourcemap.Parse(FileURL(mapPath), []byte(data))
}

func decodeDataURL(ref string) ([]byte, error) {
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data url")
	}
	meta, payload := ref[len("data:"):comma], ref[comma+1:]
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func isRootFunction(fn V8Function) bool {
	return fn.FunctionName == "" && len(fn.Ranges) > 0 && fn.Ranges[0].StartOffset == 0
}

// splitLines indexes src by line in UTF-16 offsets, the unit V8 reports.
func splitLines(src string, approximate bool) []sourceLine {
	if src == "" {
		return nil
	}
	var lines []sourceLine
	offset := 0
	cur := sourceLine{start: -1}
	flush := func() {
		if cur.start < 0 {
			cur.start, cur.end, cur.blank = offset, offset, true
		}
		if approximate {
			cur.blank = offset == cur.lineStart
			cur.start, cur.end = cur.lineStart, offset
		}
		lines = append(lines, cur)
	}
	for _, r := range src {
		if r == '\n' {
			flush()
			offset++
			cur = sourceLine{lineStart: offset, start: -1}
			continue
		}
		width := utf16.RuneLen(r)
		if width < 0 {
			width = 1
		}
		if !unicode.IsSpace(r) {
			if cur.start < 0 {
				cur.start = offset
			}
			cur.end = offset + width
		}
		offset += width
	}
	flush()
	return lines
}

// lineCounts gives every line the count of the innermost range fully
// containing it. Lines outside every range count 0.
func lineCounts(lines []sourceLine, functions []V8Function) []int {
	counts := make([]int, len(lines))
	var ranges []V8Range
	for _, fn := range functions {
		ranges = append(ranges, fn.Ranges...)
	}
	sort.SliceStable(ranges, func(i, j int) bool {
		return ranges[i].EndOffset-ranges[i].StartOffset > ranges[j].EndOffset-ranges[j].StartOffset
	})
	for _, r := range ranges {
		first := sort.Search(len(lines), func(i int) bool { return lines[i].start >= r.StartOffset })
		for i := first; i < len(lines) && lines[i].end <= r.EndOffset; i++ {
			if lines[i].blank {
				continue
			}
			counts[i] = r.Count
		}
	}
	return counts
}

func offsetLocation(lines []sourceLine, offset int) Location {
	if len(lines) == 0 {
		return Location{Line: 1, Column: offset}
	}
	i := sort.Search(len(lines), func(i int) bool { return lines[i].lineStart > offset }) - 1
	if i < 0 {
		i = 0
	}
	return Location{Line: i + 1, Column: offset - lines[i].lineStart}
}

func offsetRange(lines []sourceLine, start, end int) Range {
	return Range{Start: offsetLocation(lines, start), End: offsetLocation(lines, end)}
}

// emitter routes generated ranges to the file coverage they belong to.
type emitter struct {
	rootDir    string
	scriptKey  string
	scriptPath string
	consumer   *sourcemap.Consumer
	files      Map
}

func (e *emitter) file(key string) *FileCoverage {
	fc, ok := e.files[key]
	if !ok {
		fc = NewFileCoverage(key)
		e.files[key] = fc
	}
	return fc
}

func (e *emitter) target(r Range) (*FileCoverage, Range, bool) {
	if e.consumer == nil {
		return e.file(e.scriptKey), r, true
	}
	src, _, line, col, ok := e.consumer.Source(r.Start.Line, r.Start.Column)
	if !ok {
		return nil, Range{}, false
	}
	key, ok := e.resolve(src)
	if !ok {
		return nil, Range{}, false
	}
	mapped := Range{Start: Location{Line: line, Column: col}, End: Location{Line: line, Column: col}}
	endSrc, _, endLine, endCol, ok := e.consumer.Source(r.End.Line, r.End.Column)
	if ok && endSrc == src && (endLine > line || (endLine == line && endCol >= col)) {
		mapped.End = Location{Line: endLine, Column: endCol}
	}
	return e.file(key), mapped, true
}

func (e *emitter) resolve(src string) (string, bool) {
	if strings.Contains(src, "://") || filepath.IsAbs(src) {
		return NormalizeKey(e.rootDir, src)
	}
	joined := path.Join(path.Dir(filepath.ToSlash(e.scriptPath)), src)
	return NormalizeKey(e.rootDir, filepath.FromSlash(joined))
}
