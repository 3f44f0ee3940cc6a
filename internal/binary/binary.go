// Package binary implements the Binary/Library specializations of
// spec.md §4.5: StaticLib, DynamicLib and Exe all share one augment()
// algorithm that turns "I depend on these object files" into "I link with
// these libraries," including transitive static-lib absorption into an
// intermediate dynamic lib and count-down flag deduplication.
//
// This is grounded on thought-machine/please's link-time handling in
// src/build/build_step.go (buildLinksOfType/buildLinks, which similarly
// walks a target's transitive library dependencies once its own objects
// are ready) and on the tagged-variant capability design spec.md §9 asks
// for: Lib implements graph.Augmenter so the engine never branches on
// concrete file type outside that one hook.
package binary

import (
	"fmt"
	"sort"
	"sync"

	"github.com/plower-build/plower/internal/graph"
)

// Kind distinguishes the three Binary specializations.
type Kind int

const (
	KindStaticLib Kind = iota
	KindDynamicLib
	KindExe
)

// Lib is a graph.File augmented with the fields spec.md §3 describes for
// Binary: contained objects, the set of explicitly required
// external libraries (flags, not in-project files) and the canonical
// source extension. It implements graph.Augmenter.
type Lib struct {
	File      *graph.File
	Kind      Kind
	SourceExt string

	ContainedObjects []graph.FileID
	// ContainedLibs is populated only for targets built from an explicit
	// "contain" statement naming other Binary targets (typically a
	// dynamic lib absorbing a set of static libs); it records which
	// libraries this one has already subsumed.
	ContainedLibs []graph.FileID

	// RequiredExternalLibs are linker flags for system libraries this
	// target explicitly names (e.g. "-lm"), in declaration order.
	RequiredExternalLibs []string

	registry *Registry

	mu                 sync.Mutex
	requiredStaticLibs []graph.FileID
	seen               map[graph.FileID]bool
}

// NewLib constructs a Lib wrapper for an already-created output File.
func NewLib(f *graph.File, kind Kind, sourceExt string, reg *Registry) *Lib {
	l := &Lib{
		File:      f,
		Kind:      kind,
		SourceExt: sourceExt,
		registry:  reg,
		seen:      map[graph.FileID]bool{},
	}
	f.Augmenter = l
	reg.register(l)
	return l
}

// Registry is the global content index named in spec.md §3: which Binary
// contains a given object file, and which dynamic lib (if any) has
// absorbed a given static lib via an explicit "contain" statement. It is
// owned by the caller that drives statement loading, never a package
// global.
type Registry struct {
	mu          sync.Mutex
	libs        map[graph.FileID]*Lib
	ownerOf     map[graph.FileID]*Lib
	containedBy map[graph.FileID]*Lib
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		libs:        map[graph.FileID]*Lib{},
		ownerOf:     map[graph.FileID]*Lib{},
		containedBy: map[graph.FileID]*Lib{},
	}
}

func (r *Registry) register(l *Lib) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libs[l.File.ID] = l
}

// AddContainedObjects records that objs are compiled as part of l, making
// l their owner in the content index.
func (r *Registry) AddContainedObjects(l *Lib, objs ...graph.FileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.ContainedObjects = append(l.ContainedObjects, objs...)
	for _, o := range objs {
		r.ownerOf[o] = l
	}
}

// AddContainedLibs records that a dynamic lib l has explicitly absorbed
// the given (already-built) static libs via a "contain" statement.
func (r *Registry) AddContainedLibs(l *Lib, libs ...graph.FileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.ContainedLibs = append(l.ContainedLibs, libs...)
	for _, s := range libs {
		r.containedBy[s] = l
	}
}

// OwnerOf returns the Lib that contains the given object file.
func (r *Registry) OwnerOf(obj graph.FileID) (*Lib, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ownerOf[obj]
	return l, ok
}

// LibFor returns the Lib wrapping the given Binary output file.
func (r *Registry) LibFor(id graph.FileID) (*Lib, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.libs[id]
	return l, ok
}

// ContainingDynamicLib returns the dynamic lib (if any) that has absorbed
// the static lib identified by id.
func (r *Registry) ContainingDynamicLib(id graph.FileID) (*Lib, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.containedBy[id]
	return l, ok
}

// Augment implements graph.Augmenter per the algorithm in spec.md §4.5.
func (l *Lib) Augment(e *graph.Engine, f *graph.File) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	action := e.Action(f.ProducingAction)
	if action == nil {
		return false, fmt.Errorf("binary %s has no producing action to attach link info to", f.Path)
	}

	// Step 1: discover direct library dependencies from the cached deps
	// of each contained object.
	for _, objID := range l.ContainedObjects {
		obj := e.File(objID)
		if obj == nil {
			continue
		}
		deps, ok := e.DepCache.Lookup(obj.Path)
		if !ok {
			continue
		}
		for _, depPath := range deps {
			depFile, known := e.FileByPath(depPath)
			if !known {
				continue
			}
			owner, ok := l.registry.OwnerOf(depFile.ID)
			if !ok || owner == l {
				continue
			}
			if l.seen[owner.File.ID] {
				continue
			}
			l.seen[owner.File.ID] = true
			weak := l.Kind == KindStaticLib
			if err := e.AddDependency(action, owner.File, weak); err != nil {
				return false, err
			}
			l.requiredStaticLibs = append(l.requiredStaticLibs, owner.File.ID)
		}
	}

	// Step 2: if any newly added lib dependency is still being produced,
	// the scheduler must call augment again once it completes.
	for _, id := range l.requiredStaticLibs {
		dep := e.File(id)
		if dep == nil {
			continue
		}
		if producer := e.Action(dep.ProducingAction); producer != nil && !producer.Done {
			return false, nil
		}
	}

	// Step 3: transitive rollup.
	finalLibs, err := l.rollup()
	if err != nil {
		return false, err
	}

	// Step 4: descending creation-number order (linker-safe: leaf libs
	// last).
	sort.SliceStable(finalLibs, func(i, j int) bool {
		fi, fj := e.File(finalLibs[i]), e.File(finalLibs[j])
		return fi.CreationNumber > fj.CreationNumber
	})

	// Step 5: combine external-library flags with count-down dedup.
	libs := make([]*Lib, 0, len(finalLibs))
	for _, id := range finalLibs {
		if lib, ok := l.registry.LibFor(id); ok {
			libs = append(libs, lib)
		}
	}
	flags := combineFlags(libs)

	// Step 6: attach to the producing action.
	names := make([]string, len(finalLibs))
	for i, id := range finalLibs {
		if fl := e.File(id); fl != nil {
			names[i] = fl.Path
		}
	}
	action.Libs = names
	action.ExtraFlags = flags
	return true, nil
}

// rollup implements step 3: walking each direct static lib's dependency
// set, substituting an absorbing dynamic lib (created before this target)
// in its place and recursing into what it has already absorbed, or
// keeping the static lib as-is when no such substitution applies. A
// dynamic-lib target may not keep a non-empty static lib directly — it
// must link the absorbing dynamic lib, or the static lib must be empty.
func (l *Lib) rollup() ([]graph.FileID, error) {
	var result []graph.FileID
	seen := map[graph.FileID]bool{}

	var walk func(id graph.FileID) error
	walk = func(id graph.FileID) error {
		if seen[id] {
			return nil
		}
		direct, ok := l.registry.LibFor(id)
		if !ok {
			seen[id] = true
			result = append(result, id)
			return nil
		}
		if direct.Kind == KindStaticLib {
			if dyn, ok := l.registry.ContainingDynamicLib(id); ok && dyn.File.CreationNumber < l.File.CreationNumber {
				if !seen[dyn.File.ID] {
					seen[dyn.File.ID] = true
					result = append(result, dyn.File.ID)
				}
				seen[id] = true
				for _, sub := range dyn.ContainedLibs {
					seen[sub] = true
				}
				return nil
			}
			if l.Kind == KindDynamicLib && len(direct.ContainedObjects) > 0 {
				return fmt.Errorf("dynamic lib %s cannot link static lib %s directly; it must be absorbed by an intermediate dynamic lib or be empty", l.File.Path, direct.File.Path)
			}
		}
		seen[id] = true
		result = append(result, id)
		if direct.Kind == KindStaticLib {
			direct.mu.Lock()
			subs := append([]graph.FileID(nil), direct.requiredStaticLibs...)
			direct.mu.Unlock()
			for _, sub := range subs {
				if err := walk(sub); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, id := range l.requiredStaticLibs {
		if err := walk(id); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// combineFlags implements step 5: flags are concatenated from every lib in
// the given (already highest-to-lowest ordered) sequence, then deduped by
// keeping only each flag's last occurrence in that sequence.
func combineFlags(libs []*Lib) []string {
	var all []string
	for _, lib := range libs {
		all = append(all, lib.RequiredExternalLibs...)
	}
	lastIndex := make(map[string]int, len(all))
	for i, f := range all {
		lastIndex[f] = i
	}
	out := make([]string, 0, len(all))
	for i, f := range all {
		if lastIndex[f] == i {
			out = append(out, f)
		}
	}
	return out
}
