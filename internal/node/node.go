// Package node implements the ownership tree of packages and files and the
// per-node privacy levels that gate which nodes may depend on which.
package node

import (
	"fmt"
	"strings"
	"sync"
)

// Privacy is the four-level visibility attribute on a node. Values are ordered
// from least to most restrictive; comparisons (">"), below, rely on that order.
type Privacy int

const (
	Public Privacy = iota
	SemiProtected
	Protected
	Private
)

func (p Privacy) String() string {
	switch p {
	case Public:
		return "public"
	case SemiProtected:
		return "semi-protected"
	case Protected:
		return "protected"
	case Private:
		return "private"
	default:
		return fmt.Sprintf("privacy(%d)", int(p))
	}
}

// tighten advances a privacy level one step toward Private, saturating there.
func (p Privacy) tighten() Privacy {
	if p < Private {
		return p + 1
	}
	return p
}

// Kind distinguishes the two concrete node flavours without resorting to
// type assertions outside this package; the rest of the engine never
// branches on it directly.
type Kind int

const (
	KindPkg Kind = iota
	KindFile
)

// Node is the base entity shared by packages and files: a name, a
// slash-joined trail from the tree root, a parent, a privacy level and an
// ordered list of children.
type Node struct {
	Name     string
	Trail    string
	Kind     Kind
	Parent   *Node
	Privacy  Privacy
	Children []*Node
}

// OwningPkg walks toward the root and returns the nearest ancestor (or self)
// whose Kind is KindPkg. Every File is expected to live under some Pkg.
func (n *Node) OwningPkg() *Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Kind == KindPkg {
			return cur
		}
	}
	return nil
}

// IsDescendantOf reports whether n is other, or a descendant of other.
func (n *Node) IsDescendantOf(other *Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == other {
			return true
		}
	}
	return false
}

// IsStrictDescendantOf reports whether n is a proper descendant of other.
func (n *Node) IsStrictDescendantOf(other *Node) bool {
	return n != other && n.IsDescendantOf(other)
}

// CommonAncestorWith returns the lowest common ancestor of n and other, or
// nil if they belong to disjoint trees.
func (n *Node) CommonAncestorWith(other *Node) *Node {
	ancestors := make(map[*Node]bool, 8)
	for cur := n; cur != nil; cur = cur.Parent {
		ancestors[cur] = true
	}
	for cur := other; cur != nil; cur = cur.Parent {
		if ancestors[cur] {
			return cur
		}
	}
	return nil
}

// IsVisibleDescendantOf implements the precise visibility walk of §4.3:
// starting from n with effective privacy Public, for each step toward the
// root: fail if effective is Private; succeed if the current node is
// ancestor; otherwise, once effective has already been tightened past
// Public, tighten it one further step, then adopt the node's own privacy if
// it is stricter than the current effective level. Reaching the root
// without encountering ancestor fails.
func (n *Node) IsVisibleDescendantOf(ancestor *Node) bool {
	effective := Public
	for cur := n; cur != nil; cur = cur.Parent {
		if effective == Private {
			return false
		}
		if cur == ancestor {
			return true
		}
		if effective > Public {
			effective = effective.tighten()
		}
		if cur.Privacy > effective {
			effective = cur.Privacy
		}
	}
	return false
}

// Tree owns the full node set and the global trail index. It is a field of
// the owning engine, never a package-level global, per the redesign note
// that global mutable indices belong to an engine instance.
type Tree struct {
	mutex   sync.RWMutex
	byTrail map[string]*Node
	root    *Node
}

// NewTree creates an empty tree with a synthetic root package node.
func NewTree() *Tree {
	root := &Node{Name: "", Trail: "", Kind: KindPkg, Privacy: Public}
	return &Tree{
		byTrail: map[string]*Node{"": root},
		root:    root,
	}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node {
	return t.root
}

// NewNode creates and registers a node under parent with the given local
// name, kind and privacy. It errors if the resulting trail already exists,
// preserving the tree invariant that trails are unique.
func (t *Tree) NewNode(parent *Node, name string, kind Kind, privacy Privacy) (*Node, error) {
	trail := name
	if parent != nil && parent.Trail != "" {
		trail = parent.Trail + "/" + name
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if _, present := t.byTrail[trail]; present {
		return nil, fmt.Errorf("duplicate trail %q", trail)
	}
	n := &Node{Name: name, Trail: trail, Kind: kind, Parent: parent, Privacy: privacy}
	t.byTrail[trail] = n
	if parent != nil {
		parent.Children = append(parent.Children, n)
	}
	return n, nil
}

// ByTrail looks up a node by its root-relative trail.
func (t *Tree) ByTrail(trail string) *Node {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.byTrail[trail]
}

// PkgTrailOf returns the package trail that would own a file at the given
// slash-separated path, i.e. everything but the final component.
func PkgTrailOf(trail string) string {
	i := strings.LastIndex(trail, "/")
	if i < 0 {
		return ""
	}
	return trail[:i]
}
