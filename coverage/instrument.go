package coverage

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
)

// Instrumenter derives the structural coverage skeleton of a file without
// executing it. Counters of the returned coverage are all zero.
type Instrumenter interface {
	Instrument(key, src string) (*FileCoverage, error)
}

// InstrumenterFor picks the instrumenter suited to the file extension.
func InstrumenterFor(key string) Instrumenter {
	if filepath.Ext(key) == ".go" {
		return GoInstrumenter{}
	}
	return JSInstrumenter{}
}

// GoInstrumenter instruments Go sources using the go/ast tree.
type GoInstrumenter struct{}

func (GoInstrumenter) Instrument(key, src string) (*FileCoverage, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, key, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	fc := NewFileCoverage(key)
	rng := func(n ast.Node) Range {
		start, end := fset.Position(n.Pos()), fset.Position(n.End())
		return Range{
			Start: Location{Line: start.Line, Column: start.Column - 1},
			End:   Location{Line: end.Line, Column: end.Column - 1},
		}
	}
	anonymous := 0
	ast.Inspect(file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncDecl:
			if n.Body == nil {
				return false
			}
			name := n.Name.Name
			if n.Recv != nil && len(n.Recv.List) > 0 {
				name = receiverName(n.Recv.List[0].Type) + "." + name
			}
			fc.AddFunction(FunctionMapping{Name: name, Decl: rng(n.Name), Loc: rng(n)}, 0)
		case *ast.FuncLit:
			fc.AddFunction(FunctionMapping{Name: fmt.Sprintf("(anonymous_%d)", anonymous), Decl: rng(n.Type), Loc: rng(n)}, 0)
			anonymous++
		case *ast.BlockStmt:
			for _, stmt := range n.List {
				switch stmt.(type) {
				case *ast.BlockStmt, *ast.CaseClause, *ast.CommClause:
					continue
				}
				fc.AddStatement(rng(stmt), 0)
			}
		case *ast.CaseClause:
			for _, stmt := range n.Body {
				fc.AddStatement(rng(stmt), 0)
			}
		case *ast.CommClause:
			for _, stmt := range n.Body {
				fc.AddStatement(rng(stmt), 0)
			}
		case *ast.IfStmt:
			locations := []Range{rng(n.Body)}
			if n.Else != nil {
				locations = append(locations, rng(n.Else))
			} else {
				end := rng(n).End
				locations = append(locations, Range{Start: end, End: end})
			}
			fc.AddBranch(BranchMapping{Type: "if", Loc: rng(n), Locations: locations}, nil)
		case *ast.SwitchStmt:
			addCaseBranch(fc, "switch", rng(n), n.Body, rng)
		case *ast.TypeSwitchStmt:
			addCaseBranch(fc, "switch", rng(n), n.Body, rng)
		case *ast.BinaryExpr:
			if n.Op == token.LAND || n.Op == token.LOR {
				fc.AddBranch(BranchMapping{Type: "binary-expr", Loc: rng(n), Locations: []Range{rng(n.X), rng(n.Y)}}, nil)
			}
		}
		return true
	})
	return fc, nil
}

func addCaseBranch(fc *FileCoverage, typ string, loc Range, body *ast.BlockStmt, rng func(ast.Node) Range) {
	if body == nil || len(body.List) == 0 {
		return
	}
	locations := make([]Range, 0, len(body.List))
	for _, clause := range body.List {
		locations = append(locations, rng(clause))
	}
	fc.AddBranch(BranchMapping{Type: typ, Loc: loc, Locations: locations}, nil)
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return "(*" + receiverName(t.X) + ")"
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return "?"
}
