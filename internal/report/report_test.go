package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plower-build/plower/internal/depcache"
	"github.com/plower-build/plower/internal/graph"
	"github.com/plower-build/plower/internal/node"
	"github.com/plower-build/plower/internal/options"
)

func newTestEngine(t *testing.T) (*graph.Engine, *node.Node) {
	t.Helper()
	tree := node.NewTree()
	opts := options.New()
	dc, err := depcache.New(filepath.Join(t.TempDir(), "depcache"))
	if err != nil {
		t.Fatalf("depcache.New: %v", err)
	}
	e := graph.NewEngine(tree, opts, dc)
	pkg, err := tree.NewNode(tree.Root(), "pkg", node.KindPkg, node.Public)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return e, pkg
}

// Scenario 1 from spec.md §8: a single compile action produces exactly one
// compile_commands.json entry.
func TestCompileCommandsOneEntryPerCompileAction(t *testing.T) {
	dir := t.TempDir()
	e, pkg := newTestEngine(t)

	srcPath := filepath.Join(dir, "foo.c")
	os.WriteFile(srcPath, []byte("int main(){}\n"), 0644)
	src, _ := e.NewSourceFile(pkg, srcPath)

	a, _ := e.NewAction(pkg, "compile foo.c", "cc -c ${INPUT} -o ${OUTPUT}", graph.KindShell, false)
	a.IsCompile = true
	a.Dir = dir
	a.ResolvedCommand = "cc -c foo.c -o foo.o"
	obj, _ := e.NewBuiltFile(pkg, filepath.Join(dir, "foo.o"))
	_ = e.AddOutput(a, obj)
	_ = e.AddInput(a, src)

	link, _ := e.NewAction(pkg, "link foo", "cc ${INPUT} -o ${OUTPUT}", graph.KindShell, false)
	link.ResolvedCommand = "cc foo.o -o foo"

	out := filepath.Join(dir, "compile_commands.json")
	if err := CompileCommands(e, out); err != nil {
		t.Fatalf("CompileCommands: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var entries []compileCommand
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if entries[0].File != srcPath {
		t.Fatalf("expected file %q, got %q", srcPath, entries[0].File)
	}
}

func TestFilesOfInterestExcludesBinaries(t *testing.T) {
	dir := t.TempDir()
	e, pkg := newTestEngine(t)

	srcPath := filepath.Join(dir, "foo.c")
	os.WriteFile(srcPath, []byte("x"), 0644)
	e.NewSourceFile(pkg, srcPath)

	objPath := filepath.Join(dir, "foo.o")
	e.NewBuiltFile(pkg, objPath)

	out := filepath.Join(dir, "files-of-interest")
	if err := FilesOfInterest(e, out); err != nil {
		t.Fatalf("FilesOfInterest: %v", err)
	}
	data, _ := os.ReadFile(out)
	content := string(data)
	if !strings.Contains(content, srcPath) {
		t.Fatalf("expected source file listed, got %q", content)
	}
	if strings.Contains(content, objPath) {
		t.Fatalf("expected object file excluded, got %q", content)
	}
}
