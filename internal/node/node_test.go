package node

import "testing"

func mustNode(t *testing.T, tree *Tree, parent *Node, name string, kind Kind, privacy Privacy) *Node {
	t.Helper()
	n, err := tree.NewNode(parent, name, kind, privacy)
	if err != nil {
		t.Fatalf("NewNode(%s): %v", name, err)
	}
	return n
}

// Scenario 2 from spec.md §8: sibling packages a (public) and b (protected);
// a file under a may not see a private file under b's subtree.
func TestVisibilityRejection(t *testing.T) {
	tree := NewTree()
	a := mustNode(t, tree, tree.Root(), "a", KindPkg, Public)
	b := mustNode(t, tree, tree.Root(), "b", KindPkg, Protected)
	ax := mustNode(t, tree, a, "x.c", KindFile, Public)
	by := mustNode(t, tree, b, "y.h", KindFile, Private)

	lca := ax.CommonAncestorWith(by)
	if lca != tree.Root() {
		t.Fatalf("expected root as LCA, got %v", lca)
	}
	if by.IsVisibleDescendantOf(lca) {
		t.Fatalf("private b/y.h should not be visible from the root")
	}
}

func TestVisibilityAllowedWithinSamePackage(t *testing.T) {
	tree := NewTree()
	a := mustNode(t, tree, tree.Root(), "a", KindPkg, Protected)
	ax := mustNode(t, tree, a, "x.c", KindFile, Public)
	ay := mustNode(t, tree, a, "y.h", KindFile, Public)

	lca := ax.CommonAncestorWith(ay)
	if lca != a {
		t.Fatalf("expected package a as LCA, got %v", lca)
	}
	if !ay.IsVisibleDescendantOf(lca) {
		t.Fatalf("files within the same package should see each other")
	}
}

func TestPublicLibVisibleAcrossPackages(t *testing.T) {
	tree := NewTree()
	root := tree.Root()
	a := mustNode(t, tree, root, "a", KindPkg, Public)
	b := mustNode(t, tree, root, "b", KindPkg, Public)
	pub := mustNode(t, tree, b, "lib.h", KindFile, Public)
	_ = a

	if !pub.IsVisibleDescendantOf(root) {
		t.Fatalf("a public file should be visible from its package's siblings")
	}
}

func TestOwningPkg(t *testing.T) {
	tree := NewTree()
	a := mustNode(t, tree, tree.Root(), "a", KindPkg, Public)
	f := mustNode(t, tree, a, "x.c", KindFile, Public)
	if f.OwningPkg() != a {
		t.Fatalf("expected owning package a")
	}
}

func TestDuplicateTrailRejected(t *testing.T) {
	tree := NewTree()
	a := mustNode(t, tree, tree.Root(), "a", KindPkg, Public)
	if _, err := tree.NewNode(a, "x.c", KindFile, Public); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := tree.NewNode(a, "x.c", KindFile, Public); err == nil {
		t.Fatalf("expected duplicate trail error")
	}
}
