package clean

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/plower-build/plower/internal/options"
)

func TestSweepRemovesUnknownFileButKeepsCompanion(t *testing.T) {
	base := t.TempDir()
	objDir := filepath.Join(base, "obj")
	if err := os.MkdirAll(objDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	known := filepath.Join(objDir, "foo.o")
	companion := filepath.Join(objDir, "foo.o.d")
	stale := filepath.Join(objDir, "bar.o")

	for _, p := range []string{known, companion, stale} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	rules := []options.Rule{{Suffixes: []string{".o", ".o.d"}}}
	knownSet := map[string]bool{known: true}

	if err := Sweep(base, Roots, knownSet, rules); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(known); err != nil {
		t.Fatalf("expected known output to survive: %v", err)
	}
	if _, err := os.Stat(companion); err != nil {
		t.Fatalf("expected companion file to survive: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed, stat err = %v", err)
	}
}

func TestSweepRemovesEmptyDirectoriesBottomUp(t *testing.T) {
	base := t.TempDir()
	nested := filepath.Join(base, "obj", "pkg", "sub")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	stale := filepath.Join(nested, "stale.o")
	if err := os.WriteFile(stale, []byte("x"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := Sweep(base, Roots, map[string]bool{}, nil); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(filepath.Join(base, "obj")); !os.IsNotExist(err) {
		t.Fatalf("expected emptied obj root to be removed, stat err = %v", err)
	}
}

func TestSweepSkipsMissingRoots(t *testing.T) {
	base := t.TempDir()
	if err := Sweep(base, Roots, map[string]bool{}, nil); err != nil {
		t.Fatalf("Sweep on empty base: %v", err)
	}
}
