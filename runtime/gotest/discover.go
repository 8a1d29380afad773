package gotest

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"unicode"
	"unicode/utf8"
)

// DiscoverTests lists the top-level test functions declared in a _test.go
// file, in declaration order.
func DiscoverTests(file string) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, file, nil, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", file, err)
	}
	var tests []string
	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || !isTestName(fn.Name.Name) {
			continue
		}
		if fn.Type.Params == nil || len(fn.Type.Params.List) != 1 {
			continue
		}
		tests = append(tests, fn.Name.Name)
	}
	return tests, nil
}

// isTestName follows the go test rule: "Test" followed by nothing or by a
// character that is not a lower case letter. TestMain is not a test.
func isTestName(name string) bool {
	if name == "TestMain" || len(name) < 4 || name[:4] != "Test" {
		return false
	}
	if len(name) == 4 {
		return true
	}
	r, _ := utf8.DecodeRuneInString(name[4:])
	return !unicode.IsLower(r)
}
