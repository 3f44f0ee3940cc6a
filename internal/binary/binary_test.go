package binary

import (
	"testing"

	"github.com/plower-build/plower/internal/depcache"
	"github.com/plower-build/plower/internal/graph"
	"github.com/plower-build/plower/internal/node"
	"github.com/plower-build/plower/internal/options"
)

func newTestEngine(t *testing.T) (*graph.Engine, *node.Tree) {
	t.Helper()
	tree := node.NewTree()
	opts := options.New()
	dc, err := depcache.New(t.TempDir())
	if err != nil {
		t.Fatalf("depcache.New: %v", err)
	}
	return graph.NewEngine(tree, opts, dc), tree
}

// Scenario 4 from spec.md §8: exe E's contained objects depend on static
// lib S1; a DynamicLib D contains [S1, S2] and has a lower creation number
// than E. The resolved link list must be exactly [D] (S1 and S2 absorbed),
// and library order numbers must be strictly decreasing.
func TestLibraryRollupAbsorbsContainedStaticLibs(t *testing.T) {
	e, tree := newTestEngine(t)
	pkg, _ := tree.NewNode(tree.Root(), "pkg", node.KindPkg, node.Public)
	reg := NewRegistry()

	s1h, _ := e.NewSourceFile(pkg, "src/s1.h")
	s1o, _ := e.NewBuiltFile(pkg, "obj/s1.o")
	s1File, _ := e.NewBuiltFile(pkg, "priv/libs1.a")
	s1Action, _ := e.NewAction(pkg, "static-lib s1", "ar rcs ${OUTPUT}", graph.KindShell, false)
	_ = e.AddOutput(s1Action, s1File)
	e.MarkIssued(s1Action)
	if _, err := e.Updated(s1Action); err != nil {
		t.Fatalf("Updated(s1Action): %v", err)
	}
	s1Lib := NewLib(s1File, KindStaticLib, ".c", reg)
	reg.AddContainedObjects(s1Lib, s1h.ID, s1o.ID)

	s2h, _ := e.NewSourceFile(pkg, "src/s2.h")
	s2o, _ := e.NewBuiltFile(pkg, "obj/s2.o")
	s2File, _ := e.NewBuiltFile(pkg, "priv/libs2.a")
	s2Action, _ := e.NewAction(pkg, "static-lib s2", "ar rcs ${OUTPUT}", graph.KindShell, false)
	_ = e.AddOutput(s2Action, s2File)
	e.MarkIssued(s2Action)
	if _, err := e.Updated(s2Action); err != nil {
		t.Fatalf("Updated(s2Action): %v", err)
	}
	s2Lib := NewLib(s2File, KindStaticLib, ".c", reg)
	reg.AddContainedObjects(s2Lib, s2h.ID, s2o.ID)

	dFile, _ := e.NewBuiltFile(pkg, "dist/libd.so")
	dAction, _ := e.NewAction(pkg, "dynamic-lib d", "ld -shared -o ${OUTPUT}", graph.KindShell, false)
	_ = e.AddOutput(dAction, dFile)
	e.MarkIssued(dAction)
	if _, err := e.Updated(dAction); err != nil {
		t.Fatalf("Updated(dAction): %v", err)
	}
	dLib := NewLib(dFile, KindDynamicLib, ".c", reg)
	reg.AddContainedLibs(dLib, s1File.ID, s2File.ID)

	eo, _ := e.NewBuiltFile(pkg, "obj/e.o")
	eFile, _ := e.NewBuiltFile(pkg, "dist/e")
	eAction, _ := e.NewAction(pkg, "exe e", "ld ${INPUT} ${LIBS} -o ${OUTPUT}", graph.KindShell, false)
	_ = e.AddOutput(eAction, eFile)
	eLib := NewLib(eFile, KindExe, ".c", reg)
	reg.AddContainedObjects(eLib, eo.ID)

	if dFile.CreationNumber >= eFile.CreationNumber {
		t.Fatalf("test setup invariant broken: D must be created before E")
	}

	if err := e.DepCache.Update(eo.Path, []string{s1h.Path}); err != nil {
		t.Fatalf("seed dep cache: %v", err)
	}

	satisfied, err := eLib.Augment(e, eFile)
	if err != nil {
		t.Fatalf("Augment: %v", err)
	}
	if !satisfied {
		t.Fatalf("expected augment to be satisfied: S1 and D have already completed")
	}

	if len(eAction.Libs) != 1 || eAction.Libs[0] != dFile.Path {
		t.Fatalf("expected exactly [%s], got %v", dFile.Path, eAction.Libs)
	}

	for i := 1; i < len(eAction.Libs); i++ {
		prevNum := mustFileByPath(t, e, eAction.Libs[i-1]).CreationNumber
		curNum := mustFileByPath(t, e, eAction.Libs[i]).CreationNumber
		if !(prevNum > curNum) {
			t.Fatalf("library order numbers must be strictly decreasing")
		}
	}
}

func mustFileByPath(t *testing.T, e *graph.Engine, path string) *graph.File {
	t.Helper()
	f, ok := e.FileByPath(path)
	if !ok {
		t.Fatalf("no file registered for %s", path)
	}
	return f
}

func TestCombineFlagsKeepsLastOccurrence(t *testing.T) {
	a := &Lib{RequiredExternalLibs: []string{"-lm", "-lz"}}
	b := &Lib{RequiredExternalLibs: []string{"-lm"}}
	got := combineFlags([]*Lib{a, b})
	want := []string{"-lz", "-lm"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestDynamicLibCannotLinkNonEmptyStaticLibDirectly(t *testing.T) {
	e, tree := newTestEngine(t)
	pkg, _ := tree.NewNode(tree.Root(), "pkg", node.KindPkg, node.Public)
	reg := NewRegistry()

	s1o, _ := e.NewBuiltFile(pkg, "obj/s1.o")
	s1File, _ := e.NewBuiltFile(pkg, "priv/libs1.a")
	s1Action, _ := e.NewAction(pkg, "static-lib s1", "ar rcs ${OUTPUT}", graph.KindShell, false)
	_ = e.AddOutput(s1Action, s1File)
	e.MarkIssued(s1Action)
	if _, err := e.Updated(s1Action); err != nil {
		t.Fatalf("Updated: %v", err)
	}
	s1Lib := NewLib(s1File, KindStaticLib, ".c", reg)
	reg.AddContainedObjects(s1Lib, s1o.ID)

	d2o, _ := e.NewBuiltFile(pkg, "obj/d2.o")
	d2File, _ := e.NewBuiltFile(pkg, "dist/libd2.so")
	d2Action, _ := e.NewAction(pkg, "dynamic-lib d2", "ld -shared -o ${OUTPUT}", graph.KindShell, false)
	_ = e.AddOutput(d2Action, d2File)
	d2Lib := NewLib(d2File, KindDynamicLib, ".c", reg)
	reg.AddContainedObjects(d2Lib, d2o.ID)

	if err := e.DepCache.Update(d2o.Path, []string{"obj/s1.o"}); err != nil {
		t.Fatalf("seed dep cache: %v", err)
	}

	if _, err := d2Lib.Augment(e, d2File); err == nil {
		t.Fatalf("expected an error: a dynamic lib may not directly link a non-empty, unabsorbed static lib")
	}
}
