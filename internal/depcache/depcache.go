// Package depcache implements the Dependency cache: a persistent
// per-built-file record of the last known set of input paths a build tool
// actually consumed, stored as one file per output under a dedicated cache
// directory (the per-target mirror format spec.md §9 recommends over a
// single flat file, since it permits removing one entry without rewriting
// the whole cache).
//
// Atomic persistence is grounded on github.com/google/renameio (pulled
// from the distr1-distri example repo's build pipeline, which uses it
// throughout for write-temp-then-rename output staging) rather than a
// hand-rolled temp-file dance.
package depcache

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"

	"github.com/plower-build/plower/internal/climisc"
)

var log = climisc.Log

// Cache is the Dependency cache described in spec.md §4.2. It is always a
// field of the owning engine; construction sweeps the cache directory once
// at startup.
type Cache struct {
	dir   string
	mutex sync.RWMutex
	deps  map[string][]string
}

// New constructs a Cache rooted at dir, loading every persisted entry and
// deleting any leftover per-action temporary files left behind by an
// aborted previous run (renameio stages its writes as dotfiles beside the
// final name; anything still present at startup did not complete).
func New(dir string) (*Cache, error) {
	c := &Cache{dir: dir, deps: map[string][]string{}}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(p), ".") {
			log.Info("removing stale dependency-cache temp file %s", p)
			return os.Remove(p)
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		deps, err := readDepsFile(p)
		if err != nil {
			return err
		}
		c.deps[filepath.ToSlash(rel)] = deps
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func readDepsFile(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var deps []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			deps = append(deps, line)
		}
	}
	return deps, scanner.Err()
}

// Lookup returns the last known ordered list of input paths for path, and
// whether an entry exists at all.
func (c *Cache) Lookup(path string) ([]string, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	deps, ok := c.deps[path]
	return deps, ok
}

// Remove deletes the cache record for path, e.g. before an action re-runs.
func (c *Cache) Remove(path string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.deps, path)
	if err := os.Remove(c.mirrorPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Update atomically replaces the cache entry for path with deps, filtering
// out path itself from its own deps list (a tool occasionally reports its
// own output as a dependency of itself; that must never be recorded).
func (c *Cache) Update(path string, deps []string) error {
	filtered := make([]string, 0, len(deps))
	for _, d := range deps {
		if d != path {
			filtered = append(filtered, d)
		}
	}

	mirror := c.mirrorPath(path)
	if err := os.MkdirAll(filepath.Dir(mirror), 0755); err != nil {
		return err
	}
	content := strings.Join(filtered, "\n")
	if len(filtered) > 0 {
		content += "\n"
	}
	if err := renameio.WriteFile(mirror, []byte(content), 0644); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.deps[path] = filtered
	return nil
}

func (c *Cache) mirrorPath(path string) string {
	return filepath.Join(c.dir, filepath.FromSlash(path))
}
