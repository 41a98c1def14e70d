// Package testutil holds import-boundary assertions shared by package
// tests.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// Module is the import path prefix of this module.
const Module = "virtool"

// Under returns a predicate matching import paths equal to or nested under
// one of the given module-relative packages, e.g. Under("internal/adapters").
func Under(rel ...string) func(string) bool {
	prefixes := make([]string, len(rel))
	for i, r := range rel {
		prefixes[i] = Module + "/" + strings.Trim(r, "/")
	}
	return func(path string) bool {
		for _, p := range prefixes {
			if path == p || strings.HasPrefix(path, p+"/") {
				return true
			}
		}
		return false
	}
}

// Internal matches any package under internal/.
func Internal(path string) bool { return Under("internal")(path) }

// AssertNoDirectImports fails t when a non-test Go file in dir imports a
// path matching forbidden.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(string) bool, reason string) {
	t.Helper()
	viols, err := directImports(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	if len(viols) > 0 {
		t.Fatalf("forbidden imports (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}

// AssertNoTransitiveDependency loads pattern with its dependency graph and
// fails t when any reachable package matches forbidden. The test is skipped
// when packages cannot be loaded, as happens without a module cache.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(string) bool, reason string) {
	t.Helper()
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	roots, err := packages.Load(cfg, pattern)
	if err != nil {
		t.Skipf("packages.Load unavailable: %v", err)
	}
	if packages.PrintErrors(roots) > 0 {
		t.Skipf("package errors while loading %s", pattern)
	}
	if viols := reachable(roots, forbidden); len(viols) > 0 {
		t.Fatalf("forbidden dependencies of %s (%s):\n%s", pattern, reason, strings.Join(viols, "\n"))
	}
}

func reachable(roots []*packages.Package, forbidden func(string) bool) []string {
	seen := make(map[string]bool)
	var viols []string
	var walk func(p *packages.Package)
	walk = func(p *packages.Package) {
		if seen[p.PkgPath] {
			return
		}
		seen[p.PkgPath] = true
		if forbidden(p.PkgPath) {
			viols = append(viols, p.PkgPath)
		}
		for _, dep := range p.Imports {
			walk(dep)
		}
	}
	for _, root := range roots {
		seen[root.PkgPath] = true
		for _, dep := range root.Imports {
			walk(dep)
		}
	}
	sort.Strings(viols)
	return viols
}

func directImports(dir string, forbidden func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			path, err := strconv.Unquote(imp.Path.Value)
			if err != nil {
				continue
			}
			if forbidden(path) {
				viols = append(viols, path+" ("+name+")")
			}
		}
	}
	return viols, nil
}
