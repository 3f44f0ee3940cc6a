// Package graph implements the bipartite File/Action dependency graph:
// files point at the action that produces them, actions point at their
// inputs and outputs. It owns every index named as "global mutable state"
// in spec.md §9 (byPath, creation-number counter, the generator queue) as
// fields of one Engine instance rather than package-level globals, exactly
// as the redesign note asks for, and it is grounded throughout on
// thought-machine/please's src/core/graph.go (BuildGraph: mutex-protected
// maps, AddDependency, ReverseDependencies) and src/build/incrementality.go
// (needsBuilding's dirty computation), generalised from please's
// hash-based incrementality to this engine's mtime-based one.
package graph

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/plower-build/plower/internal/climisc"
	"github.com/plower-build/plower/internal/depcache"
	"github.com/plower-build/plower/internal/node"
	"github.com/plower-build/plower/internal/options"
	"github.com/plower-build/plower/internal/plerr"
)

var log = climisc.Log

// Engine owns the whole File/Action graph plus its collaborating stores.
// An engine is created once per build and never shared as a global.
type Engine struct {
	Tree     *node.Tree
	Options  *options.Store
	DepCache *depcache.Cache

	mu sync.Mutex

	files              map[FileID]*File
	byPath             map[string]*File
	nextFileID         FileID
	nextActionID       ActionID
	nextOrder          int
	nextTranslateGroup int

	actions map[ActionID]*Action

	buildFiles  map[*node.Node]*File
	optionsFile *File

	// generators is the pending generator queue in ascending Order; the
	// head is the current generate fence.
	generators []*Action

	// sysModTimes is the per-process cache of system (outside-project)
	// file modtimes sampled while importing cached dependencies.
	sysModTimes map[string]int64
}

// NewEngine constructs an empty Engine over the given collaborators.
func NewEngine(tree *node.Tree, opts *options.Store, dc *depcache.Cache) *Engine {
	return &Engine{
		Tree:        tree,
		Options:     opts,
		DepCache:    dc,
		files:       map[FileID]*File{},
		byPath:      map[string]*File{},
		actions:     map[ActionID]*Action{},
		buildFiles:  map[*node.Node]*File{},
		sysModTimes: map[string]int64{},
	}
}

// RegisterBuildFile records the File that represents pkg's build file, so
// that every Action subsequently created under pkg automatically depends
// on it.
func (e *Engine) RegisterBuildFile(pkg *node.Node, f *File) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buildFiles[pkg] = f
}

// SetOptionsFile records the File representing the global options file, so
// every Action automatically depends on it.
func (e *Engine) SetOptionsFile(f *File) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFile = f
}

// NewSourceFile returns the File for path, creating it lazily the first
// time it is referenced, as spec.md §3 requires for source files.
func (e *Engine) NewSourceFile(owner *node.Node, path string) (*File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.byPath[path]; ok {
		return f, nil
	}
	return e.newFileLocked(owner, path)
}

// NewBuiltFile creates the File for a build target's output. Built files
// are created by the statement that defines them, so a duplicate path is a
// configuration error (the path-uniqueness invariant of spec.md §3).
func (e *Engine) NewBuiltFile(owner *node.Node, path string) (*File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byPath[path]; ok {
		return nil, plerr.Configf(path, 0, "output %q is already defined", path)
	}
	f, err := e.newFileLocked(owner, path)
	if err != nil {
		return nil, err
	}
	f.Built = true
	return f, nil
}

// newFileLocked creates a dedicated node.KindFile child of owner for path,
// rather than aliasing owner directly: a File's Privacy field lives on
// this child node, so giving every file its own node is what keeps one
// target's privacy from aliasing its package's (or a sibling target's).
// The child's name is the full path rather than its base name, since two
// sources or outputs in the same package can otherwise share a base name
// (e.g. two subdirectories both contributing a "foo.c"), which would
// collide under the tree's trail-uniqueness check even though their paths
// differ.
func (e *Engine) newFileLocked(owner *node.Node, path string) (*File, error) {
	fileNode, err := e.Tree.NewNode(owner, path, node.KindFile, node.Public)
	if err != nil {
		return nil, err
	}
	e.nextFileID++
	e.nextOrder++
	f := newFile(fileNode, e.nextFileID, path, e.nextOrder)
	f.ModTime = diskModTime(path)
	e.files[f.ID] = f
	e.byPath[path] = f
	return f, nil
}

// diskModTime reports a File's real on-disk modtime in Unix seconds, so
// that dirtiness reflects actual filesystem state rather than synthetic
// in-memory defaults — this is what lets a freshly constructed Engine (as
// after a process restart) agree with the previous run about what is
// already built, and what lets a never-built output (absent on disk) come
// out dirty purely from comparison with a real, already-existing input's
// modtime. A missing or zero-length file reports 0, per the zero-length
// boundary rule.
func diskModTime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return 0
	}
	return info.ModTime().Unix()
}

// FileByPath looks up a previously created File by its project path.
func (e *Engine) FileByPath(path string) (*File, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.byPath[path]
	return f, ok
}

// File returns the File for id.
func (e *Engine) File(id FileID) *File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.files[id]
}

// Action returns the Action for id.
func (e *Engine) Action(id ActionID) *Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions[id]
}

// AllActions returns every Action the engine knows about, in creation
// order. The report package uses this to walk the whole graph once
// scheduling has finished.
func (e *Engine) AllActions() []*Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Action, 0, len(e.actions))
	for _, a := range e.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// AllFiles returns every File the engine knows about, in creation order.
func (e *Engine) AllFiles() []*File {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*File, 0, len(e.files))
	for _, f := range e.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreationNumber < out[j].CreationNumber })
	return out
}

// NewAction creates an Action under pkg. Per spec.md §4.4 it automatically
// gains a dependency on pkg's build file and on the global options file
// (when registered), and any command-template token beginning with
// "dist/bin/" or "priv/" is resolved as an in-project tool reference and
// added as a dependency; an unresolvable tool reference is a configuration
// error. These automatic dependencies are added before the action has any
// output to anchor a visibility check against, so — unlike AddDependency —
// they are not passed through checkCanDepend: build files, the options
// file and declared tools are implicitly visible to everything that can
// reference them at all.
func (e *Engine) NewAction(pkg *node.Node, name, template string, kind Kind, generator bool) (*Action, error) {
	e.mu.Lock()
	e.nextActionID++
	e.nextOrder++
	a := newAction(e.nextActionID, e.nextOrder, name, template, kind, generator)
	e.actions[a.ID] = a
	if generator {
		e.generators = append(e.generators, a)
	}
	bf := e.buildFiles[pkg]
	of := e.optionsFile
	e.mu.Unlock()

	if bf != nil {
		e.addRawDep(a, bf, false)
	}
	if of != nil {
		e.addRawDep(a, of, false)
	}

	for _, tok := range strings.Fields(template) {
		if strings.HasPrefix(tok, "dist/bin/") || strings.HasPrefix(tok, "priv/") {
			tool, ok := e.FileByPath(tok)
			if !ok {
				return nil, plerr.Configf(name, 0, "unknown tool reference %q", tok)
			}
			e.addRawDep(a, tool, false)
		}
	}
	return a, nil
}

func (e *Engine) addRawDep(a *Action, dep *File, weak bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a.hasDep(dep.ID) {
		return
	}
	a.addDep(dep.ID, weak)
	dep.addRevDep(a.ID)
}

// AddOutput registers f as one of a's outputs.
func (e *Engine) AddOutput(a *Action, f *File) error {
	if a.Issued {
		return fmt.Errorf("cannot add output to action %s after it has been issued", a.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a.Outputs = append(a.Outputs, f.ID)
	f.ProducingAction = a.ID
	return nil
}

// AddInput registers f as one of a's ${INPUT} bindings and, unless already
// present, as a (validated, non-weak) dependency.
func (e *Engine) AddInput(a *Action, f *File) error {
	if err := e.AddDependency(a, f, false); err != nil {
		return err
	}
	e.mu.Lock()
	a.Inputs = append(a.Inputs, f.ID)
	e.mu.Unlock()
	return nil
}

// AddDependency adds dep as a dependency of a, validating via
// checkCanDepend against a's primary output (spec.md §4.4: "validates via
// check_can_depend" on the "(output, dependency) pair"). It is idempotent
// per (output, dependency) and forbidden once a has been issued.
func (e *Engine) AddDependency(a *Action, dep *File, weak bool) error {
	if a.Issued {
		return fmt.Errorf("cannot add dependency to action %s after it has been issued", a.Name)
	}
	if a.hasDep(dep.ID) {
		return nil
	}
	out := e.File(a.PrimaryOutput())
	if out == nil {
		return fmt.Errorf("action %s has no primary output to anchor a visibility check", a.Name)
	}
	if err := e.checkCanDepend(out, dep); err != nil {
		return err
	}
	e.addRawDep(a, dep, weak)
	return nil
}

// checkCanDepend implements the three clauses of spec.md §3: a may depend
// on b iff (a) a was created later than b, or they share a non-zero
// translate group, or b is an ancestor of a; (b) a's owning package is not
// a strict descendant of b's owning package; (c) b is a visible descendant
// of the lowest common ancestor of a and b.
func (e *Engine) checkCanDepend(a, b *File) error {
	sameGroup := a.TranslateGroup != 0 && a.TranslateGroup == b.TranslateGroup
	if !(a.CreationNumber > b.CreationNumber || sameGroup || a.Node.IsStrictDescendantOf(b.Node)) {
		return plerr.Visibilityf(a.Path, 0, "%s cannot depend on %s, which was not created before it", a.Path, b.Path)
	}
	aPkg := a.Node.OwningPkg()
	bPkg := b.Node.OwningPkg()
	if aPkg != nil && bPkg != nil && aPkg.IsStrictDescendantOf(bPkg) {
		return plerr.Visibilityf(a.Path, 0, "%s cannot depend on %s, owned by an ancestor package", a.Path, b.Path)
	}
	lca := a.Node.CommonAncestorWith(b.Node)
	if lca == nil || !b.Node.IsVisibleDescendantOf(lca) {
		trail := "?"
		if lca != nil {
			trail = lca.Trail
		}
		return plerr.Visibilityf(a.Path, 0, "%s cannot depend on %s, which isn't visible via %s", a.Path, b.Path, trail)
	}
	return nil
}

// AddCachedDependencies implements spec.md §4.4's add_cached_dependencies:
// it imports the dependency cache's last-known input list for a's primary
// output and folds each entry into the action as a silent (unvalidated)
// dependency, since the cache may be stale — validation happens only when
// the action next actually runs and re-derives its deps from tool output.
func (e *Engine) AddCachedDependencies(a *Action) error {
	out := e.File(a.PrimaryOutput())
	if out == nil {
		return nil
	}
	deps, ok := e.DepCache.Lookup(out.Path)
	if !ok {
		if len(a.Inputs) > 0 {
			a.Newest = modTimeInfinite
		}
		return nil
	}
	for _, path := range deps {
		if isSystemPath(path) {
			mtime := e.sampleSystemModTime(path)
			if mtime > a.Newest {
				a.Newest = mtime
			}
			continue
		}
		f, known := e.FileByPath(path)
		if !known {
			a.Newest = modTimeInfinite
			return nil
		}
		e.addRawDep(a, f, false)
	}
	return nil
}

// isSystemPath reports whether p should be treated as a system file: an
// absolute path, or one with no directory component at all.
func isSystemPath(p string) bool {
	return strings.HasPrefix(p, "/") || !strings.Contains(p, "/")
}

func (e *Engine) sampleSystemModTime(path string) int64 {
	e.mu.Lock()
	if t, ok := e.sysModTimes[path]; ok {
		e.mu.Unlock()
		return t
	}
	e.mu.Unlock()

	var mtime int64
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime().Unix()
	}
	e.mu.Lock()
	e.sysModTimes[path] = mtime
	e.mu.Unlock()
	return mtime
}

// fenceBoundary returns the Order of the head of the pending generator
// queue, or an unbounded sentinel if the queue is empty.
func (e *Engine) fenceBoundary() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.generators) > 0 && e.generators[0].Done {
		e.generators = e.generators[1:]
	}
	if len(e.generators) == 0 {
		return int(^uint(0) >> 1)
	}
	return e.generators[0].Order
}

// IssueIfReady implements the issueIfReady algorithm of spec.md §4.4. It
// returns ready=true once the action has been completed (command
// resolved) and is fit to be pushed onto the scheduler's priority queue;
// dirty tells the scheduler whether a worker must actually run it.
func (e *Engine) IssueIfReady(a *Action) (ready, dirty bool, err error) {
	if a.Issued {
		return false, false, nil
	}
	fence := e.fenceBoundary()
	if a.Order > fence {
		return false, false, nil
	}

	for _, id := range a.Deps {
		dep := e.File(id)
		if dep == nil {
			continue
		}
		if producer := e.Action(dep.ProducingAction); producer != nil && producer.Running {
			return false, false, nil
		}
	}

	dirty, culprit := e.computeDirty(a)

	if len(a.Outputs) > 0 {
		file := e.File(a.Outputs[0])
		if file != nil && file.Augmenter != nil && !file.Augmented {
			satisfied, augErr := file.Augmenter.Augment(e, file)
			if augErr != nil {
				return false, false, augErr
			}
			if !satisfied {
				return false, false, nil
			}
			file.Augmented = true
			dirty, culprit = e.computeDirty(a)
		}
	}

	a.Culprit = culprit
	if err := e.Complete(a); err != nil {
		return false, false, err
	}
	return true, dirty, nil
}

// computeDirty implements step 4 of issueIfReady: an action with no
// recorded output, or whose output doesn't yet exist on disk or is
// zero-length, is always dirty (nothing to compare against); otherwise
// dirty iff Newest is newer
// than the action's own last-produced modtime, or any non-weak dependency
// has a newer modtime. The first such dependency's path is returned as the
// culprit.
func (e *Engine) computeDirty(a *Action) (dirty bool, culprit string) {
	if len(a.Outputs) == 0 {
		return true, "<no recorded output>"
	}
	for _, id := range a.Outputs {
		f := e.File(id)
		if f == nil {
			continue
		}
		if info, err := os.Stat(f.Path); err != nil || info.Size() == 0 {
			return true, "<output does not yet exist: " + f.Path + ">"
		}
	}
	self := e.selfModTime(a)
	if a.Newest > self {
		return true, "<cached system dependency>"
	}
	for _, id := range a.Deps {
		if a.WeakDeps[id] {
			continue
		}
		dep := e.File(id)
		if dep == nil {
			continue
		}
		if dep.ModTime > self {
			return true, dep.Path
		}
	}
	return false, ""
}

// selfModTime is the conservative (oldest) modtime across an action's
// outputs: if any output is missing or empty, it is treated as having
// modtime zero, guaranteeing re-execution per spec.md §8's boundary rule.
func (e *Engine) selfModTime(a *Action) int64 {
	if len(a.Outputs) == 0 {
		return 0
	}
	min := modTimeInfinite
	for _, id := range a.Outputs {
		f := e.File(id)
		if f == nil || f.ModTime < min {
			if f == nil {
				return 0
			}
			min = f.ModTime
		}
	}
	return min
}

// Complete resolves the action's command template with live
// INPUT/OUTPUT/LIBS/DEPS bindings, per step 6 of issueIfReady.
func (e *Engine) Complete(a *Action) error {
	extras := map[string][]string{
		"INPUT":  e.pathsOf(a.Inputs),
		"OUTPUT": e.pathsOf(a.Outputs),
		"LIBS":   a.Libs,
	}
	if a.DepsFilePath != "" {
		extras["DEPS"] = []string{a.DepsFilePath}
	}
	cmd, err := e.Options.ResolveCommand(a.Template, extras, a.ExtraFlags)
	if err != nil {
		return err
	}
	a.ResolvedCommand = cmd
	return nil
}

// PathsOf returns the project paths of the given files, in order, skipping
// any identifier the engine does not recognise.
func (e *Engine) PathsOf(ids []FileID) []string {
	return e.pathsOf(ids)
}

// NextTranslateGroup allocates a fresh translate group identifier, used to
// mark a batch of files added together by a single translate statement so
// the ordering invariant (spec.md §3 clause (a)) treats same-group
// siblings as mutually unordered.
func (e *Engine) NextTranslateGroup() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextTranslateGroup++
	return e.nextTranslateGroup
}

// KnownPaths returns the set of every path the engine has a File object
// for, source or built. The dir cleaner (spec.md §4.8) uses this to decide
// whether an on-disk file under an output root is still wanted.
func (e *Engine) KnownPaths() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.byPath))
	for p := range e.byPath {
		out[p] = true
	}
	return out
}

func (e *Engine) pathsOf(ids []FileID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if f := e.File(id); f != nil {
			out = append(out, f.Path)
		}
	}
	return out
}

// MarkIssued flips the action into the issued state, after which its
// dependency set is frozen (spec.md §3's Action invariant).
func (e *Engine) MarkIssued(a *Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a.Issued = true
	a.Running = true
}

// Updated implements the `updated(inputs)` callback of spec.md §4.4: it
// refreshes the action's output modtimes from disk, re-derives the
// dependency-cache entry from the tool-emitted deps file (filtering out
// absolute paths, paths with no directory, paths already in the input set,
// and self-references), validates every freshly discovered in-project
// include against checkCanDepend, and marks the action done, returning the
// set of dependent actions that should be re-checked for readiness.
func (e *Engine) Updated(a *Action) ([]ActionID, error) {
	e.mu.Lock()
	a.Running = false
	a.Done = true
	e.mu.Unlock()

	var primary *File
	for i, id := range a.Outputs {
		f := e.File(id)
		if f == nil {
			continue
		}
		f.ModTime = diskModTime(f.Path)
		if i == 0 {
			primary = f
		}
	}

	if primary != nil && a.DepsFilePath != "" {
		emitted, err := readDepsEmission(a.DepsFilePath)
		if err == nil {
			inputSet := map[string]bool{}
			for _, id := range a.Inputs {
				if f := e.File(id); f != nil {
					inputSet[f.Path] = true
				}
			}
			var kept []string
			for _, p := range emitted {
				if isSystemPath(p) || inputSet[p] || p == primary.Path {
					continue
				}
				kept = append(kept, p)
				if f, ok := e.FileByPath(p); ok {
					if err := e.checkCanDepend(primary, f); err != nil {
						return nil, err
					}
					e.addRawDep(a, f, false)
				}
			}
			if err := e.DepCache.Update(primary.Path, append(append([]string{}, a.pathsOfInputsAndDiscovered(e)...), kept...)); err != nil {
				log.Warning("failed to persist dependency cache entry for %s: %s", primary.Path, err)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	seen := map[ActionID]struct{}{}
	var dependents []ActionID
	for _, id := range a.Outputs {
		f := e.files[id]
		if f == nil {
			continue
		}
		for depID := range f.RevDeps {
			if _, ok := seen[depID]; !ok {
				seen[depID] = struct{}{}
				dependents = append(dependents, depID)
			}
		}
	}
	return dependents, nil
}

// pathsOfInputsAndDiscovered returns the paths of the action's declared
// inputs, used to seed the persisted dependency-cache entry alongside
// freshly discovered includes.
func (a *Action) pathsOfInputsAndDiscovered(e *Engine) []string {
	out := make([]string, 0, len(a.Inputs))
	for _, id := range a.Inputs {
		if f := e.File(id); f != nil {
			out = append(out, f.Path)
		}
	}
	return out
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func readDepsEmission(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
