// Package clean implements the dir cleaner of spec.md §4.8: after loading
// the build statements but before scheduling, it walks each output root and
// removes any file that no File object points at and that is not a
// companion of one that does, then removes any directory left empty,
// bottom-up.
//
// Grounded on thought-machine/please's src/clean/clean.go, which also
// renames-then-removes whole output trees — generalised here from
// "delete everything under plz-out" to "delete only the files the graph no
// longer recognises", since this engine's roots are shared with sources
// under the same package tree and can't simply be nuked wholesale.
package clean

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/plower-build/plower/internal/climisc"
	"github.com/plower-build/plower/internal/options"
)

var log = climisc.Log

// Roots names the output directories the cleaner walks, per spec.md §4.8.
var Roots = []string{"obj", "priv", "dist"}

// Sweep walks each of roots (resolved under base) and removes every file
// not present in known and not a companion (per rules' declared suffixes)
// of one that is. It then removes any directory left empty, deepest first.
// Only the given roots are swept; the dependency-cache directory is not.
func Sweep(base string, roots []string, known map[string]bool, rules []options.Rule) error {
	primaries := primarySuffixes(rules)
	for _, root := range roots {
		dir := filepath.Join(base, root)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := sweepDir(dir, known, primaries); err != nil {
			return err
		}
		removeEmptyDirs(dir)
	}
	return nil
}

// primarySuffixes collects every rule's PrimarySuffix and all of its
// declared Suffixes, so companion
// detection can recognise e.g. ".o.d" as belonging to a known ".o".
func primarySuffixes(rules []options.Rule) []string {
	var out []string
	for _, r := range rules {
		if p := r.PrimarySuffix(); p != "" {
			out = append(out, p)
		}
		out = append(out, r.Suffixes...)
	}
	return out
}

func sweepDir(dir string, known map[string]bool, primaries []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := sweepDir(path, known, primaries); err != nil {
				return err
			}
			continue
		}
		if known[path] {
			continue
		}
		if isCompanion(path, known, primaries) {
			continue
		}
		log.Info("removing stale output %s", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// isCompanion reports whether path is a companion file of some known
// output: stripping one of the declared primary suffixes from path's name
// yields a path that the graph does know about with a different suffix.
// e.g. "foo.o.d" is a companion of a known "foo.o" when ".d" follows ".o"
// in the same rule's suffix list.
func isCompanion(path string, known map[string]bool, primaries []string) bool {
	for _, suffix := range primaries {
		if !strings.HasSuffix(path, suffix) {
			continue
		}
		stem := strings.TrimSuffix(path, suffix)
		if stem == "" {
			continue
		}
		for k := range known {
			if strings.HasPrefix(k, stem) {
				return true
			}
		}
	}
	return false
}

// removeEmptyDirs removes dir and any of its now-empty subdirectories,
// deepest first; a directory that still has entries is left in place.
func removeEmptyDirs(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			removeEmptyDirs(filepath.Join(dir, entry.Name()))
		}
	}
	entries, err = os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
