// Package load's Loader walks the []Statement slice grammar.go parses and
// drives it into graph.Engine and binary.Registry calls, one statement at
// a time, in document order — exactly the "control flow" spec.md §2
// describes: "statements from the parser are consumed top-down; each
// statement creates nodes and actions." The per-verb binding of rule
// names to output roots and privacy levels is this package's own design
// decision (the build-file grammar in spec.md §6 names the nine rule
// verbs but not their semantics in detail); see DESIGN.md for the
// reasoning.
package load

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/plower-build/plower/internal/binary"
	"github.com/plower-build/plower/internal/graph"
	"github.com/plower-build/plower/internal/node"
	"github.com/plower-build/plower/internal/options"
)

// Loader drives the node/file/action graph from a parsed statement stream.
type Loader struct {
	Engine   *graph.Engine
	Options  *options.Store
	Registry *binary.Registry
	Tree     *node.Tree
	BuildDir string

	pkgs map[string]*node.Node
}

// NewLoader constructs a Loader over an already-created Engine/Registry.
func NewLoader(e *graph.Engine, opts *options.Store, reg *binary.Registry, tree *node.Tree, buildDir string) *Loader {
	return &Loader{
		Engine:   e,
		Options:  opts,
		Registry: reg,
		Tree:     tree,
		BuildDir: buildDir,
		pkgs:     map[string]*node.Node{"": tree.Root()},
	}
}

// binaryRule captures the per-verb mapping this loader applies: which
// binary.Kind the statement produces, what privacy its output node gets,
// which output root it lands under, and the conventional output suffix.
type binaryRule struct {
	kind    binary.Kind
	privacy node.Privacy
	root    string
	suffix  string
}

var binaryRules = map[string]binaryRule{
	// static-lib is package-private by convention (Protected): only files
	// of its own package may depend on it, whereas public-lib is the
	// explicitly exported variant of the same StaticLib kind.
	"static-lib":  {binary.KindStaticLib, node.Protected, "obj", ".a"},
	"public-lib":  {binary.KindStaticLib, node.Public, "obj", ".a"},
	"dynamic-lib": {binary.KindDynamicLib, node.Public, "obj", ".so"},
	"dist-exe":    {binary.KindExe, node.Public, "dist", ""},
	// priv-exe and test-exe both land under priv/ and are Private: no
	// other file may depend on them, matching the priv/ output root named in
	// spec.md §6's build directory layout.
	"priv-exe": {binary.KindExe, node.Private, "priv", ""},
	"test-exe": {binary.KindExe, node.Private, "priv", ""},
}

// Load processes every statement in order.
func (l *Loader) Load(stmts []Statement) error {
	for _, st := range stmts {
		if err := l.loadOne(st); err != nil {
			return fmt.Errorf("line %d: %w", st.Line, err)
		}
	}
	return nil
}

func (l *Loader) loadOne(st Statement) error {
	if rule, ok := binaryRules[st.Rule]; ok {
		return l.loadBinary(st, rule)
	}
	switch st.Rule {
	case "contain":
		return l.loadContain(st)
	case "translate":
		return l.loadTranslate(st)
	case "generate":
		return l.loadGenerate(st)
	default:
		return fmt.Errorf("unrecognised rule %q", st.Rule)
	}
}

// ensurePkg returns the package node for trail, creating any missing
// ancestor package nodes (always Public; only the leaf binary output File
// created under a package carries the rule-implied privacy, per
// DESIGN.md's resolution of where privacy attaches in this grammar).
func (l *Loader) ensurePkg(trail string) (*node.Node, error) {
	if n, ok := l.pkgs[trail]; ok {
		return n, nil
	}
	parent, err := l.ensurePkg(node.PkgTrailOf(trail))
	if err != nil {
		return nil, err
	}
	name := trail
	if i := strings.LastIndex(trail, "/"); i >= 0 {
		name = trail[i+1:]
	}
	n, err := l.Tree.NewNode(parent, name, node.KindPkg, node.Public)
	if err != nil {
		return nil, err
	}
	l.pkgs[trail] = n

	// Every package depends on its own build file, per spec.md §3's Pkg
	// definition; since this loader's statement stream isn't split per
	// package on disk, it registers one synthetic build-file path per
	// package instead, which still participates in modtime-based
	// dirtiness and dependency auto-wiring exactly as a real one would.
	buildFile, err := l.Engine.NewSourceFile(n, filepath.Join(l.BuildDir, "src", trail, "BUILD"))
	if err != nil {
		return nil, err
	}
	l.Engine.RegisterBuildFile(n, buildFile)
	return n, nil
}

func (l *Loader) loadBinary(st Statement, rule binaryRule) error {
	if len(st.Targets) != 1 {
		return fmt.Errorf("%s expects exactly one target, got %d", st.Rule, len(st.Targets))
	}
	name := st.Targets[0]
	pkgTrail := node.PkgTrailOf(name)
	pkg, err := l.ensurePkg(pkgTrail)
	if err != nil {
		return err
	}
	sources := firstArg(st)
	if len(sources) == 0 {
		return fmt.Errorf("%s %s has no source files", st.Rule, name)
	}
	sourceExt := filepath.Ext(sources[0])

	kind := optionsKindFor(rule.kind)
	linkRule, ok := l.Options.RuleFor(sourceExt, kind)
	if !ok {
		return fmt.Errorf("%s %s: no link rule registered for extension %q", st.Rule, name, sourceExt)
	}

	// Compile every source before creating the link target's File: the
	// target must have a higher CreationNumber than each object it links
	// against, per checkCanDepend's "a dependency must be older than its
	// dependent" clause.
	objFiles := make([]*graph.File, len(sources))
	for i, src := range sources {
		objFile, err := l.compileSource(pkg, src)
		if err != nil {
			return err
		}
		objFiles[i] = objFile
	}

	outPath := filepath.Join(l.BuildDir, rule.root, name+rule.suffix)
	outFile, err := l.Engine.NewBuiltFile(pkg, outPath)
	if err != nil {
		return err
	}
	outFile.Privacy = rule.privacy

	lib := binary.NewLib(outFile, rule.kind, sourceExt, l.Registry)

	linkAction, err := l.Engine.NewAction(pkg, st.Rule+" "+name, linkRule.Template, graph.KindShell, false)
	if err != nil {
		return err
	}
	linkAction.Dir = l.BuildDir
	if err := l.Engine.AddOutput(linkAction, outFile); err != nil {
		return err
	}

	for _, objFile := range objFiles {
		l.Registry.AddContainedObjects(lib, objFile.ID)
		if err := l.Engine.AddInput(linkAction, objFile); err != nil {
			return err
		}
	}

	// arg2, when present, names external system libraries (e.g. "m" for
	// -lm) this target explicitly requires.
	if len(st.Args) > 1 {
		for _, extLib := range st.Args[1] {
			lib.RequiredExternalLibs = append(lib.RequiredExternalLibs, "-l"+extLib)
		}
	}
	return nil
}

func optionsKindFor(k binary.Kind) options.Kind {
	switch k {
	case binary.KindStaticLib:
		return options.StaticLib
	case binary.KindDynamicLib:
		return options.DynamicLib
	default:
		return options.Exe
	}
}

// compileSource ensures a source file and its compile action exist, and
// returns the produced object file. A repeated compile of the same source
// from a different binary reuses the existing object file and its compile
// action, so a built path is still defined exactly once.
func (l *Loader) compileSource(pkg *node.Node, src string) (*graph.File, error) {
	srcPath := filepath.Join(l.BuildDir, "src", pkg.Trail, src)
	srcFile, err := l.Engine.NewSourceFile(pkg, srcPath)
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(src)
	rule, ok := l.Options.RuleFor(ext, options.Compile)
	if !ok {
		return nil, fmt.Errorf("no compile rule registered for extension %q", ext)
	}

	objPath := filepath.Join(l.BuildDir, "obj", pkg.Trail, strings.TrimSuffix(src, ext)+".o")
	if existing, ok := l.Engine.FileByPath(objPath); ok {
		return existing, nil
	}
	objFile, err := l.Engine.NewBuiltFile(pkg, objPath)
	if err != nil {
		return nil, err
	}

	compileAction, err := l.Engine.NewAction(pkg, "compile "+filepath.Join(pkg.Trail, src), rule.Template, graph.KindShell, false)
	if err != nil {
		return nil, err
	}
	compileAction.IsCompile = true
	compileAction.Dir = l.BuildDir
	compileAction.DepsFilePath = filepath.Join(l.BuildDir, "tmp", pkg.Trail, filepath.Base(src)+".d")
	if err := l.Engine.AddOutput(compileAction, objFile); err != nil {
		return nil, err
	}
	if err := l.Engine.AddInput(compileAction, srcFile); err != nil {
		return nil, err
	}
	return objFile, nil
}

// loadContain implements the "contain" statement: the target dynamic lib
// (or exe) absorbs the already-defined static libs named in arg1.
func (l *Loader) loadContain(st Statement) error {
	if len(st.Targets) != 1 {
		return fmt.Errorf("contain expects exactly one target, got %d", len(st.Targets))
	}
	container := st.Targets[0]
	outFile, ok := l.Engine.FileByPath(l.guessBinaryPath(container))
	if !ok {
		return fmt.Errorf("contain: %q is not a previously defined binary", container)
	}
	lib, ok := l.Registry.LibFor(outFile.ID)
	if !ok {
		return fmt.Errorf("contain: %q is not a registered binary", container)
	}
	for _, contained := range firstArg(st) {
		containedFile, ok := l.Engine.FileByPath(l.guessBinaryPath(contained))
		if !ok {
			return fmt.Errorf("contain: %q is not a previously defined binary", contained)
		}
		l.Registry.AddContainedLibs(lib, containedFile.ID)
	}
	return nil
}

// guessBinaryPath tries each known output root in turn, since "contain"
// statements name a target by its build label, not its on-disk output
// path, and this loader doesn't keep a label->path index beyond what's
// already in the graph.
func (l *Loader) guessBinaryPath(label string) string {
	for _, rule := range binaryRules {
		candidate := filepath.Join(l.BuildDir, rule.root, label+rule.suffix)
		if _, ok := l.Engine.FileByPath(candidate); ok {
			return candidate
		}
	}
	return ""
}

// loadTranslate implements a batch copy/rename: arg1 is a flat list of
// (src, dst) pairs sharing one translate group, so the graph's ordering
// rule treats them as mutually unordered siblings (spec.md §3's
// "translate group" relaxation).
func (l *Loader) loadTranslate(st Statement) error {
	if len(st.Targets) != 1 {
		return fmt.Errorf("translate expects exactly one group name, got %d", len(st.Targets))
	}
	pairs := firstArg(st)
	if len(pairs)%2 != 0 {
		return fmt.Errorf("translate %s: arg1 must be src,dst pairs", st.Targets[0])
	}
	pkgTrail := node.PkgTrailOf(st.Targets[0])
	pkg, err := l.ensurePkg(pkgTrail)
	if err != nil {
		return err
	}
	group := l.Engine.NextTranslateGroup()
	for i := 0; i < len(pairs); i += 2 {
		src, dst := pairs[i], pairs[i+1]
		srcPath := filepath.Join(l.BuildDir, "src", pkg.Trail, src)
		dstPath := filepath.Join(l.BuildDir, "dist", pkg.Trail, dst)
		srcFile, err := l.Engine.NewSourceFile(pkg, srcPath)
		if err != nil {
			return err
		}
		srcFile.TranslateGroup = group
		a, err := l.Engine.NewAction(pkg, "translate "+filepath.Join(pkg.Trail, src), "", graph.KindCopy, false)
		if err != nil {
			return err
		}
		a.CopySrc, a.CopyDst = srcPath, dstPath
		dstFile, err := l.Engine.NewBuiltFile(pkg, dstPath)
		if err != nil {
			return err
		}
		dstFile.TranslateGroup = group
		if err := l.Engine.AddOutput(a, dstFile); err != nil {
			return err
		}
		if err := l.Engine.AddInput(a, srcFile); err != nil {
			return err
		}
	}
	return nil
}

// loadGenerate implements a generator action: arg1 names its input
// source(s); the output suffixes come from the Generate rule registered
// for the first input's extension, and the produced files become sources
// future compile actions may reference once the generator has run.
func (l *Loader) loadGenerate(st Statement) error {
	if len(st.Targets) != 1 {
		return fmt.Errorf("generate expects exactly one target, got %d", len(st.Targets))
	}
	name := st.Targets[0]
	pkgTrail := node.PkgTrailOf(name)
	pkg, err := l.ensurePkg(pkgTrail)
	if err != nil {
		return err
	}
	inputs := firstArg(st)
	if len(inputs) == 0 {
		return fmt.Errorf("generate %s has no inputs", name)
	}
	ext := filepath.Ext(inputs[0])
	rule, ok := l.Options.RuleFor(ext, options.Generate)
	if !ok {
		return fmt.Errorf("no generate rule registered for extension %q", ext)
	}

	a, err := l.Engine.NewAction(pkg, "generate "+name, rule.Template, graph.KindShell, true)
	if err != nil {
		return err
	}
	a.Dir = l.BuildDir

	// Input files are created (and so receive their CreationNumber) before
	// the outputs they feed, matching checkCanDepend's ordering clause
	// that a dependency must be older than the action's primary output;
	// the AddOutput/AddInput linking calls below are then issued in the
	// opposite order, since AddInput validates via AddDependency, which
	// anchors its visibility check on the action's primary output and
	// errors if no output has been registered yet.
	inFiles := make([]*graph.File, len(inputs))
	for i, in := range inputs {
		inPath := filepath.Join(l.BuildDir, "src", pkg.Trail, in)
		inFile, err := l.Engine.NewSourceFile(pkg, inPath)
		if err != nil {
			return err
		}
		inFiles[i] = inFile
	}
	outFiles := make([]*graph.File, len(rule.Suffixes))
	for i, suffix := range rule.Suffixes {
		outPath := filepath.Join(l.BuildDir, "obj", pkg.Trail, name+suffix)
		outFile, err := l.Engine.NewBuiltFile(pkg, outPath)
		if err != nil {
			return err
		}
		outFiles[i] = outFile
	}

	for _, outFile := range outFiles {
		if err := l.Engine.AddOutput(a, outFile); err != nil {
			return err
		}
	}
	for _, inFile := range inFiles {
		if err := l.Engine.AddInput(a, inFile); err != nil {
			return err
		}
	}
	return nil
}

// firstArg returns st.Args[0], or nil if the statement had no arg groups.
func firstArg(st Statement) []string {
	if len(st.Args) == 0 {
		return nil
	}
	return st.Args[0]
}
