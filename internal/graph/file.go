package graph

import "github.com/plower-build/plower/internal/node"

// FileID identifies a File without Files holding pointers to each other
// directly; this keeps the File/Action ownership acyclic per the redesign
// note in spec.md §9 (Files reference their producing Action, and their
// dependent Actions via reverse edges, by identifier rather than by owning
// pointer).
type FileID int

// ActionID identifies an Action, for the same reason.
type ActionID int

// Augmenter is the capability hook a Binary-kind File plugs in. The engine
// never branches on concrete file type outside this hook, matching the
// tagged-variant design in
// spec.md §9: Source/Binary/StaticLib/DynamicLib/Exe share one File shape
// with a small, swappable capability set.
type Augmenter interface {
	// Augment runs the one-shot "turn object-file deps into library
	// deps" step described in spec.md §4.5. It returns satisfied=false
	// if it introduced a dependency whose producing action has not yet
	// completed; the scheduler will call it again once that clears.
	Augment(e *Engine, f *File) (satisfied bool, err error)
}

// File is a Node extended with the fields described in spec.md §3.
type File struct {
	*node.Node

	ID   FileID
	Path string

	// CreationNumber is the monotonically assigned order in which this
	// File was created; it doubles as the tie-breaker for visibility
	// clause (a) and for library link ordering.
	CreationNumber int

	Built bool

	// ProducingAction is zero for source files (nothing produces them);
	// non-zero for built files.
	ProducingAction ActionID

	// ModTime is the last-known modification time, in Unix seconds. A
	// value of modTimeInfinite forces any dependent to be considered
	// dirty; zero means "not observed yet" (and, per spec.md boundary
	// rules, a zero-length output file is treated as having this
	// modtime, guaranteeing re-execution).
	ModTime int64

	// RevDeps is the set of Actions that depend on this file, i.e. the
	// ones that must be re-checked for readiness when this file updates.
	// An action may have several outputs (a generate rule can produce
	// more than one), so the reverse edge is anchored on the dependent
	// Action rather than on a single dependent File.
	RevDeps map[ActionID]struct{}

	// TranslateGroup marks files added together by a batch
	// copy/translate statement; zero means "not part of a group".
	TranslateGroup int

	// Augmenter is non-nil for Binary-kind files (StaticLib, DynamicLib,
	// Exe); Augmented records whether Augment has already run.
	Augmenter Augmenter
	Augmented bool
}

// modTimeInfinite represents "+∞" for dirtiness purposes: always newer than
// any real modtime, forcing a rebuild.
const modTimeInfinite = int64(1<<63 - 1)

func newFile(n *node.Node, id FileID, path string, creationNumber int) *File {
	return &File{
		Node:           n,
		ID:             id,
		Path:           path,
		CreationNumber: creationNumber,
		RevDeps:        map[ActionID]struct{}{},
	}
}

// addRevDep records that the given action depends on f.
func (f *File) addRevDep(dependent ActionID) {
	f.RevDeps[dependent] = struct{}{}
}
