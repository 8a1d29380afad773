package coverage

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf16"

	gojaast "github.com/dop251/goja/ast"
	gojafile "github.com/dop251/goja/file"
	gojaparser "github.com/dop251/goja/parser"
	gojatoken "github.com/dop251/goja/token"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

// JSInstrumenter instruments JavaScript sources, scripts and ES modules.
//
// Module syntax is lowered in place first, keeping every byte offset of the
// source, then the result is parsed into a positioned tree.
type JSInstrumenter struct{}

func (JSInstrumenter) Instrument(key, src string) (*FileCoverage, error) {
	script, err := lowerModuleSyntax(src)
	if err != nil {
		return nil, fmt.Errorf("tokenizing %s: %w", key, err)
	}
	prog, err := gojaparser.ParseFile(nil, key, script, 0, gojaparser.WithDisableSourceMaps)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	w := &jsWalker{
		fc:    NewFileCoverage(key),
		src:   src,
		base:  prog.File.Base(),
		lines: lineStarts(src),
	}
	w.statements(prog.Body)
	return w.fc, nil
}

type jsToken struct {
	tt         js.TokenType
	text       string
	start, end int
}

// lowerModuleSyntax blanks import and export declarations so the source
// parses as a script. Newlines are kept and every other byte keeps its
// offset. `export default` becomes `void`, turning the default export into
// an expression statement.
func lowerModuleSyntax(src string) (string, error) {
	toks, err := significantTokens(src)
	if err != nil {
		return "", err
	}
	out := []byte(src)
	blank := func(from, to int) {
		for i := from; i < to; i++ {
			if out[i] != '\n' && out[i] != '\r' {
				out[i] = ' '
			}
		}
	}
	withSemicolon := func(i int) int {
		if i+1 < len(toks) && toks[i+1].tt == js.SemicolonToken {
			return i + 1
		}
		return i
	}
	nextString := func(i int) int {
		for ; i < len(toks); i++ {
			if toks[i].tt == js.StringToken {
				return i
			}
		}
		return len(toks) - 1
	}

	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.tt {
		case js.OpenBraceToken, js.OpenParenToken, js.OpenBracketToken:
			depth++
			continue
		case js.CloseBraceToken, js.CloseParenToken, js.CloseBracketToken:
			depth--
			continue
		}
		if depth != 0 || i+1 >= len(toks) || i > 0 && toks[i-1].text == "." {
			continue
		}
		next := toks[i+1]
		switch t.text {
		case "import":
			// import() and import.meta are expressions
			if next.tt == js.OpenParenToken || next.text == "." {
				continue
			}
			last := withSemicolon(nextString(i + 1))
			blank(t.start, toks[last].end)
			i = last
		case "export":
			switch {
			case next.text == "default":
				blank(t.start, next.end)
				copy(out[t.start:], "void")
				i++
			case next.text == "*":
				last := withSemicolon(nextString(i + 1))
				blank(t.start, toks[last].end)
				i = last
			case next.tt == js.OpenBraceToken:
				last := i + 1
				for last < len(toks) && toks[last].tt != js.CloseBraceToken {
					last++
				}
				if last+1 < len(toks) && toks[last+1].text == "from" {
					last = nextString(last + 1)
				}
				if last >= len(toks) {
					last = len(toks) - 1
				}
				last = withSemicolon(last)
				blank(t.start, toks[last].end)
				i = last
			default:
				blank(t.start, t.end)
			}
		}
	}
	return string(out), nil
}

// significantTokens lexes src, dropping whitespace and comments.
func significantTokens(src string) ([]jsToken, error) {
	input := parse.NewInputString(src)
	l := js.NewLexer(input)
	var toks []jsToken
	for {
		tt, data := l.Next()
		if tt == js.ErrorToken {
			if err := l.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return toks, nil
		}
		if (tt == js.DivToken || tt == js.DivEqToken) && regexpAllowed(toks) {
			tt, data = l.RegExp()
		}
		switch tt {
		case js.WhitespaceToken, js.LineTerminatorToken, js.CommentToken, js.CommentLineTerminatorToken:
			continue
		}
		end := input.Offset()
		toks = append(toks, jsToken{tt: tt, text: string(data), start: end - len(data), end: end})
	}
}

var jsOperandKeywords = map[string]bool{
	"this": true, "super": true, "null": true, "true": true, "false": true,
}

// regexpAllowed reports whether a slash after toks starts a regular
// expression literal rather than a division.
func regexpAllowed(toks []jsToken) bool {
	if len(toks) == 0 {
		return true
	}
	prev := toks[len(toks)-1]
	switch prev.tt {
	case js.CloseParenToken, js.CloseBracketToken, js.CloseBraceToken,
		js.StringToken, js.TemplateToken, js.TemplateEndToken, js.RegExpToken:
		return false
	}
	c := prev.text[len(prev.text)-1]
	isWord := c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
	if !isWord {
		return true
	}
	if prev.tt == js.IdentifierToken {
		return false
	}
	// keywords such as return or typeof are followed by an operand
	return !jsOperandKeywords[prev.text] && !(prev.text[0] >= '0' && prev.text[0] <= '9')
}

func lineStarts(src string) []int {
	starts := []int{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

type jsWalker struct {
	fc        *FileCoverage
	src       string
	base      int
	lines     []int
	anonymous int
}

// location converts a tree index into a line and a UTF-16 column.
func (w *jsWalker) location(idx gojafile.Idx) Location {
	off := min(max(int(idx)-w.base, 0), len(w.src))
	line := sort.Search(len(w.lines), func(i int) bool { return w.lines[i] > off }) - 1
	line = max(line, 0)
	col := 0
	for _, r := range w.src[w.lines[line]:off] {
		col += max(utf16.RuneLen(r), 1)
	}
	return Location{Line: line + 1, Column: col}
}

func (w *jsWalker) rng(n gojaast.Node) Range {
	return Range{Start: w.location(n.Idx0()), End: w.location(n.Idx1())}
}

func (w *jsWalker) point(idx gojafile.Idx) Range {
	loc := w.location(idx)
	return Range{Start: loc, End: loc}
}

func (w *jsWalker) statements(list []gojaast.Statement) {
	for _, s := range list {
		w.statement(s)
	}
}

func (w *jsWalker) statement(s gojaast.Statement) {
	if s == nil {
		return
	}
	switch n := s.(type) {
	case *gojaast.BlockStatement:
		w.statements(n.List)
		return
	case *gojaast.EmptyStatement:
		return
	case *gojaast.FunctionDeclaration:
		w.function(n.Function, "")
		return
	case *gojaast.ClassDeclaration:
		w.class(n.Class)
		return
	}
	w.fc.AddStatement(w.rng(s), 0)

	switch n := s.(type) {
	case *gojaast.ExpressionStatement:
		w.expression(n.Expression, "")
	case *gojaast.VariableStatement:
		w.bindings(n.List)
	case *gojaast.LexicalDeclaration:
		w.bindings(n.List)
	case *gojaast.ReturnStatement:
		w.expression(n.Argument, "")
	case *gojaast.ThrowStatement:
		w.expression(n.Argument, "")
	case *gojaast.IfStatement:
		alternate := w.point(n.Idx1())
		if n.Alternate != nil {
			alternate = w.rng(n.Alternate)
		}
		w.fc.AddBranch(BranchMapping{Type: "if", Loc: w.rng(n), Locations: []Range{w.rng(n.Consequent), alternate}}, nil)
		w.expression(n.Test, "")
		w.statement(n.Consequent)
		w.statement(n.Alternate)
	case *gojaast.SwitchStatement:
		locations := make([]Range, 0, len(n.Body))
		for _, c := range n.Body {
			locations = append(locations, w.rng(c))
		}
		if len(locations) > 0 {
			w.fc.AddBranch(BranchMapping{Type: "switch", Loc: w.rng(n), Locations: locations}, nil)
		}
		w.expression(n.Discriminant, "")
		for _, c := range n.Body {
			w.statements(c.Consequent)
		}
	case *gojaast.ForStatement:
		w.expression(n.Test, "")
		w.expression(n.Update, "")
		w.statement(n.Body)
	case *gojaast.ForInStatement:
		w.expression(n.Source, "")
		w.statement(n.Body)
	case *gojaast.ForOfStatement:
		w.expression(n.Source, "")
		w.statement(n.Body)
	case *gojaast.WhileStatement:
		w.expression(n.Test, "")
		w.statement(n.Body)
	case *gojaast.DoWhileStatement:
		w.statement(n.Body)
		w.expression(n.Test, "")
	case *gojaast.TryStatement:
		w.statement(n.Body)
		if n.Catch != nil {
			w.statement(n.Catch.Body)
		}
		if n.Finally != nil {
			w.statement(n.Finally)
		}
	case *gojaast.LabelledStatement:
		w.statement(n.Statement)
	}
}

func (w *jsWalker) bindings(list []*gojaast.Binding) {
	for _, b := range list {
		name := ""
		if id, ok := b.Target.(*gojaast.Identifier); ok {
			name = string(id.Name)
		}
		w.expression(b.Initializer, name)
	}
}

// expression walks e looking for functions and branches. name is the
// binding e is assigned to, used for anonymous functions.
func (w *jsWalker) expression(e gojaast.Expression, name string) {
	if e == nil {
		return
	}
	switch n := e.(type) {
	case *gojaast.FunctionLiteral:
		w.function(n, name)
	case *gojaast.ArrowFunctionLiteral:
		w.arrow(n, name)
	case *gojaast.ClassLiteral:
		w.class(n)
	case *gojaast.ConditionalExpression:
		w.fc.AddBranch(BranchMapping{Type: "cond-expr", Loc: w.rng(n), Locations: []Range{w.rng(n.Consequent), w.rng(n.Alternate)}}, nil)
		w.expression(n.Test, "")
		w.expression(n.Consequent, "")
		w.expression(n.Alternate, "")
	case *gojaast.BinaryExpression:
		if n.Operator == gojatoken.LOGICAL_AND || n.Operator == gojatoken.LOGICAL_OR {
			w.fc.AddBranch(BranchMapping{Type: "binary-expr", Loc: w.rng(n), Locations: []Range{w.rng(n.Left), w.rng(n.Right)}}, nil)
		}
		w.expression(n.Left, "")
		w.expression(n.Right, "")
	case *gojaast.AssignExpression:
		w.expression(n.Right, "")
	case *gojaast.CallExpression:
		w.expression(n.Callee, "")
		for _, arg := range n.ArgumentList {
			w.expression(arg, "")
		}
	case *gojaast.NewExpression:
		w.expression(n.Callee, "")
		for _, arg := range n.ArgumentList {
			w.expression(arg, "")
		}
	case *gojaast.SequenceExpression:
		for _, s := range n.Sequence {
			w.expression(s, "")
		}
	case *gojaast.ArrayLiteral:
		for _, v := range n.Value {
			w.expression(v, "")
		}
	case *gojaast.ObjectLiteral:
		for _, p := range n.Value {
			if kp, ok := p.(*gojaast.PropertyKeyed); ok {
				key := ""
				if s, ok := kp.Key.(*gojaast.StringLiteral); ok {
					key = string(s.Value)
				}
				w.expression(kp.Value, key)
			}
		}
	case *gojaast.UnaryExpression:
		w.expression(n.Operand, name)
	case *gojaast.DotExpression:
		w.expression(n.Left, "")
	case *gojaast.AwaitExpression:
		w.expression(n.Argument, "")
	}
}

func (w *jsWalker) functionName(id *gojaast.Identifier, name string) string {
	if id != nil {
		return string(id.Name)
	}
	if name != "" {
		return name
	}
	name = fmt.Sprintf("(anonymous_%d)", w.anonymous)
	w.anonymous++
	return name
}

func (w *jsWalker) function(f *gojaast.FunctionLiteral, name string) {
	if f == nil {
		return
	}
	decl := Range{Start: w.location(f.Idx0()), End: w.location(f.Idx0())}
	if f.Name != nil {
		decl = w.rng(f.Name)
	}
	w.fc.AddFunction(FunctionMapping{Name: w.functionName(f.Name, name), Decl: decl, Loc: w.rng(f)}, 0)
	if f.Body != nil {
		w.statements(f.Body.List)
	}
}

func (w *jsWalker) arrow(f *gojaast.ArrowFunctionLiteral, name string) {
	w.fc.AddFunction(FunctionMapping{Name: w.functionName(nil, name), Decl: w.point(f.Idx0()), Loc: w.rng(f)}, 0)
	switch body := f.Body.(type) {
	case *gojaast.BlockStatement:
		w.statements(body.List)
	case *gojaast.ExpressionBody:
		w.fc.AddStatement(w.rng(body.Expression), 0)
		w.expression(body.Expression, "")
	}
}

func (w *jsWalker) class(c *gojaast.ClassLiteral) {
	if c == nil {
		return
	}
	for _, el := range c.Body {
		if m, ok := el.(*gojaast.MethodDefinition); ok && m.Body != nil {
			key := ""
			if id, ok := m.Key.(*gojaast.StringLiteral); ok {
				key = string(id.Value)
			}
			w.function(m.Body, key)
		}
	}
}
