package load

import (
	"testing"

	"github.com/plower-build/plower/internal/binary"
	"github.com/plower-build/plower/internal/depcache"
	"github.com/plower-build/plower/internal/graph"
	"github.com/plower-build/plower/internal/node"
	"github.com/plower-build/plower/internal/options"
)

func newTestLoader(t *testing.T) (*Loader, *graph.Engine) {
	t.Helper()
	tree := node.NewTree()
	opts := options.New()
	dc, err := depcache.New(t.TempDir())
	if err != nil {
		t.Fatalf("depcache.New: %v", err)
	}
	opts.DefineRule(".c", options.Compile, "cc -c ${INPUT} -o ${OUTPUT} -MD -MF ${DEPS}")
	opts.DefineRule(".c", options.StaticLib, "ar rcs ${OUTPUT} ${INPUT}")
	opts.DefineRule(".c", options.DynamicLib, "cc -shared -o ${OUTPUT} ${INPUT}")
	opts.DefineRule(".c", options.Exe, "cc -o ${OUTPUT} ${INPUT}")
	opts.DefineRule(".proto", options.Generate, "protoc ${INPUT} -o ${OUTPUT}", ".pb.h")

	e := graph.NewEngine(tree, opts, dc)
	reg := binary.NewRegistry()
	return NewLoader(e, opts, reg, tree, t.TempDir()), e
}

// Scenario 1 from spec.md §8, driven end-to-end through Loader.Load rather
// than the raw graph.Engine API: a static-lib statement must produce exactly
// one compile action and one link action.
func TestLoadBinaryStaticLibProducesOneCompileAndOneLinkAction(t *testing.T) {
	l, e := newTestLoader(t)
	stmts, err := ParseStatements(`static-lib pkg/foo : foo.c ;`, nil)
	if err != nil {
		t.Fatalf("ParseStatements: %v", err)
	}
	if err := l.Load(stmts); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var compiles, links int
	for _, a := range e.AllActions() {
		switch {
		case a.IsCompile:
			compiles++
		case len(a.Outputs) > 0:
			links++
		}
	}
	if compiles != 1 {
		t.Fatalf("got %d compile actions, want 1", compiles)
	}
	if links != 1 {
		t.Fatalf("got %d link-ish actions, want 1", links)
	}
}

// This is the maintainer's centerpiece regression: two binary targets in the
// same package must not share a Node, so a later statement's privacy can
// never clobber an earlier target's.
func TestLoadBinaryMultiTargetPrivacyIsNotAliased(t *testing.T) {
	l, e := newTestLoader(t)
	stmts, err := ParseStatements(`
		static-lib pkg/foo : foo.c ;
		public-lib pkg/bar : bar.c ;
	`, nil)
	if err != nil {
		t.Fatalf("ParseStatements: %v", err)
	}
	if err := l.Load(stmts); err != nil {
		t.Fatalf("Load: %v", err)
	}

	fooPath := l.guessBinaryPath("pkg/foo")
	barPath := l.guessBinaryPath("pkg/bar")
	if fooPath == "" || barPath == "" {
		t.Fatalf("expected both binaries to be registered, got foo=%q bar=%q", fooPath, barPath)
	}
	foo, ok := e.FileByPath(fooPath)
	if !ok {
		t.Fatalf("foo binary not found at %q", fooPath)
	}
	bar, ok := e.FileByPath(barPath)
	if !ok {
		t.Fatalf("bar binary not found at %q", barPath)
	}

	if foo.Node == bar.Node {
		t.Fatalf("foo and bar must not share the same underlying Node")
	}
	if foo.Privacy != node.Protected {
		t.Fatalf("foo (static-lib) privacy = %v, want Protected; public-lib bar must not have clobbered it", foo.Privacy)
	}
	if bar.Privacy != node.Public {
		t.Fatalf("bar (public-lib) privacy = %v, want Public", bar.Privacy)
	}

	pkg, ok := l.pkgs["pkg"]
	if !ok {
		t.Fatalf("expected package node \"pkg\" to be registered")
	}
	if pkg.Privacy != node.Public {
		t.Fatalf("pkg's own ambient privacy = %v, want Public (unaffected by either target's rule privacy)", pkg.Privacy)
	}
}

func TestLoadGenerateCreatesSuffixedOutputs(t *testing.T) {
	l, e := newTestLoader(t)
	stmts, err := ParseStatements(`generate pkg/thing : thing.proto ;`, nil)
	if err != nil {
		t.Fatalf("ParseStatements: %v", err)
	}
	if err := l.Load(stmts); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var gen *graph.Action
	for _, a := range e.AllActions() {
		if a.Generator {
			gen = a
		}
	}
	if gen == nil {
		t.Fatalf("expected a generator action to be created")
	}
	if len(gen.Outputs) != 1 {
		t.Fatalf("got %d outputs, want 1 (.pb.h)", len(gen.Outputs))
	}
	out := e.File(gen.Outputs[0])
	if out == nil {
		t.Fatalf("output file missing from engine")
	}
	if got := out.Path; got == "" {
		t.Fatalf("output file has empty path")
	}
	if len(gen.Inputs) != 1 {
		t.Fatalf("got %d inputs, want 1", len(gen.Inputs))
	}
}

func TestLoadTranslateCreatesPairedCopyActions(t *testing.T) {
	l, e := newTestLoader(t)
	stmts, err := ParseStatements(`translate pkg/assets : a.txt a-out.txt b.txt b-out.txt ;`, nil)
	if err != nil {
		t.Fatalf("ParseStatements: %v", err)
	}
	if err := l.Load(stmts); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var copies int
	for _, a := range e.AllActions() {
		if a.Kind == graph.KindCopy {
			copies++
		}
	}
	if copies != 2 {
		t.Fatalf("got %d copy actions, want 2", copies)
	}
}

func TestLoadContainWiresAbsorbedStaticLibs(t *testing.T) {
	l, e := newTestLoader(t)
	stmts, err := ParseStatements(`
		static-lib pkg/stat1 : s1.c ;
		static-lib pkg/stat2 : s2.c ;
		dynamic-lib pkg/dynlib : d.c ;
		contain pkg/dynlib : pkg/stat1 pkg/stat2 ;
	`, nil)
	if err != nil {
		t.Fatalf("ParseStatements: %v", err)
	}
	if err := l.Load(stmts); err != nil {
		t.Fatalf("Load: %v", err)
	}

	dynPath := l.guessBinaryPath("pkg/dynlib")
	dynFile, ok := e.FileByPath(dynPath)
	if !ok {
		t.Fatalf("dynlib not found at %q", dynPath)
	}
	lib, ok := l.Registry.LibFor(dynFile.ID)
	if !ok {
		t.Fatalf("expected dynlib to be registered in the binary registry")
	}
	if len(lib.ContainedLibs) != 2 {
		t.Fatalf("got %d contained libs, want 2", len(lib.ContainedLibs))
	}
}

func TestLoadContainUnknownTargetErrors(t *testing.T) {
	l, _ := newTestLoader(t)
	stmts, err := ParseStatements(`contain pkg/nope : pkg/alsonope ;`, nil)
	if err != nil {
		t.Fatalf("ParseStatements: %v", err)
	}
	if err := l.Load(stmts); err == nil {
		t.Fatalf("expected an error containing into an undefined binary")
	}
}
