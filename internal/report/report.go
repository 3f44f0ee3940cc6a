// Package report emits the generated artifacts named in spec.md §6:
// compile_commands.json, package-depends, include-paths and
// files-of-interest. None of these feed back into the build; they are
// pure read-outs of the finished graph, written once scheduling
// completes, grounded on thought-machine/please's
// tools/build_langserver-adjacent compile_commands support and
// src/core/graph.go's package dependency walk (generalised here into a
// plain text listing instead of please's in-memory query-only form).
package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/plower-build/plower/internal/graph"
)

// compileCommand mirrors the JSON shape documented in spec.md §6: a
// directory, a shell command, and the file it compiles.
type compileCommand struct {
	Directory string `json:"directory"`
	Command   string `json:"command"`
	File      string `json:"file"`
}

// CompileCommands writes path as a JSON array of {directory, command,
// file} objects, one per IsCompile action, using each action's first
// input as "file".
func CompileCommands(e *graph.Engine, path string) error {
	var out []compileCommand
	for _, a := range e.AllActions() {
		if !a.IsCompile {
			continue
		}
		var file string
		if inputs := e.PathsOf(a.Inputs); len(inputs) > 0 {
			file = inputs[0]
		}
		out = append(out, compileCommand{
			Directory: a.Dir,
			Command:   a.ResolvedCommand,
			File:      file,
		})
	}
	if out == nil {
		out = []compileCommand{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// PackageDepends writes path as a text listing of each package's direct
// package dependencies, one package per line, topologically ordered
// (a package's dependencies are listed before the package that needs
// them, matching the order the graph discovered them in).
func PackageDepends(e *graph.Engine, path string) error {
	deps := map[string]map[string]bool{}
	var order []string
	seen := map[string]bool{}

	addPkg := func(trail string) {
		if !seen[trail] {
			seen[trail] = true
			order = append(order, trail)
			deps[trail] = map[string]bool{}
		}
	}

	for _, a := range e.AllActions() {
		outPkgs := map[string]bool{}
		for _, id := range a.Outputs {
			if f := e.File(id); f != nil {
				if pkg := f.OwningPkg(); pkg != nil {
					outPkgs[pkg.Trail] = true
					addPkg(pkg.Trail)
				}
			}
		}
		for _, id := range a.Deps {
			f := e.File(id)
			if f == nil {
				continue
			}
			depPkg := f.OwningPkg()
			if depPkg == nil {
				continue
			}
			addPkg(depPkg.Trail)
			for pkg := range outPkgs {
				if pkg != depPkg.Trail {
					deps[pkg][depPkg.Trail] = true
				}
			}
		}
	}

	lines := topoSort(order, deps)
	var buf []byte
	for _, pkg := range lines {
		others := sortedKeys(deps[pkg])
		line := pkg
		for _, o := range others {
			line += " " + o
		}
		buf = append(buf, []byte(line+"\n")...)
	}
	return writeFile(path, buf)
}

// topoSort orders pkgs so that every package appears after all of its
// dependencies, falling back to the discovery order for any tie (and
// breaking cycles by leaving the remainder in discovery order, since a
// dependency cycle between packages is a configuration error caught
// earlier by visibility checks, not something this reporter needs to
// reject).
func topoSort(pkgs []string, deps map[string]map[string]bool) []string {
	visited := map[string]bool{}
	var out []string
	var visit func(string)
	visit = func(p string) {
		if visited[p] {
			return
		}
		visited[p] = true
		for _, d := range sortedKeys(deps[p]) {
			visit(d)
		}
		out = append(out, p)
	}
	for _, p := range pkgs {
		visit(p)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IncludePaths writes path as a newline-delimited list of search paths:
// the directory of every known source file that has an owning package,
// deduplicated and sorted.
func IncludePaths(e *graph.Engine, path string) error {
	seen := map[string]bool{}
	for _, f := range e.AllFiles() {
		if f.Built {
			continue
		}
		pkg := f.OwningPkg()
		if pkg == nil {
			continue
		}
		seen[filepath.Dir(f.Path)] = true
	}
	dirs := sortedKeys(seen)
	var buf []byte
	for _, d := range dirs {
		buf = append(buf, []byte(d+"\n")...)
	}
	return writeFile(path, buf)
}

// binaryExtensions are file extensions files-of-interest excludes, since
// it is meant as a list of paths worth indexing for source navigation.
var binaryExtensions = map[string]bool{
	".o": true, ".a": true, ".so": true, ".dylib": true, ".exe": true,
}

// FilesOfInterest writes path as a sorted, newline-delimited list of every
// known non-binary file's path.
func FilesOfInterest(e *graph.Engine, path string) error {
	var paths []string
	for _, f := range e.AllFiles() {
		if binaryExtensions[filepath.Ext(f.Path)] || f.Augmenter != nil {
			continue
		}
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	var buf []byte
	for _, p := range paths {
		buf = append(buf, []byte(p+"\n")...)
	}
	return writeFile(path, buf)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
