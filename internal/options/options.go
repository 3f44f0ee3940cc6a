// Package options implements the read-only Options store: a mapping from
// variable name to token list, and the per-extension build rules (compile,
// static-lib, dynamic-lib, exe, generate).
//
// Template expansion is grounded on thought-machine/please's
// src/core/command_replacements.go, which resolves $(location ...)-style
// placeholders via a sequence of lazily-compiled regexes
// (github.com/peterebden/go-deferred-regex). The ${NAME} cross-product
// algorithm here is a distinct, simpler grammar specific to this engine, so
// only the "defer compilation, replace sequentially" shape is borrowed, not
// the placeholder set itself.
package options

import (
	"fmt"
	"os"
	"strings"

	deferredregex "github.com/peterebden/go-deferred-regex"
)

// Kind identifies which build rule an extension maps to.
type Kind int

const (
	Compile Kind = iota
	StaticLib
	DynamicLib
	Exe
	Generate
)

// Rule is a single per-extension build rule: its command template and, for
// generate rules, the output suffixes it may produce.
type Rule struct {
	Template string
	Suffixes []string
}

// PrimarySuffix returns the suffix that cleanup's companion-file detection
// treats as the primary output: the first declared entry when none is
// marked explicitly, per spec.md §9's Open Question resolution.
func (r Rule) PrimarySuffix() string {
	if len(r.Suffixes) == 0 {
		return ""
	}
	return r.Suffixes[0]
}

type ruleKey struct {
	ext  string
	kind Kind
}

// Store is the read-only (after setup) mapping of option variables and
// per-extension rules. It is always a field of the owning engine, never a
// package-level global, matching the redesign note in spec.md §9.
type Store struct {
	vars  map[string][]string
	rules map[ruleKey]Rule
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		vars:  map[string][]string{},
		rules: map[ruleKey]Rule{},
	}
}

// SetOption records a variable binding; tokens are whitespace-split words,
// exactly as consumed from an options-file "KEY = tokens…" line.
func (s *Store) SetOption(name string, tokens []string) {
	s.vars[name] = tokens
}

// DefineRule registers the build rule for an extension/kind pair, e.g.
// (".c", Compile, "cc -c ${INPUT} -o ${OUTPUT} -MD -MF ${DEPS}").
func (s *Store) DefineRule(ext string, kind Kind, template string, suffixes ...string) {
	s.rules[ruleKey{ext, kind}] = Rule{Template: template, Suffixes: suffixes}
}

// RuleFor returns the command template and, for generate rules, output
// suffixes registered for the given extension/kind.
func (s *Store) RuleFor(ext string, kind Kind) (Rule, bool) {
	r, ok := s.rules[ruleKey{ext, kind}]
	return r, ok
}

// Option returns the token list bound to name, or an empty list if unbound.
func (s *Store) Option(name string) []string {
	return s.vars[name]
}

// GenerateRules returns every registered Generate-kind rule, for the dir
// cleaner's companion-suffix detection (spec.md §4.8).
func (s *Store) GenerateRules() []Rule {
	var out []Rule
	for key, rule := range s.rules {
		if key.kind == Generate {
			out = append(out, rule)
		}
	}
	return out
}

// placeholder matches a single ${NAME} token; used only to validate that a
// captured NAME is well-formed once a "${" .. "}" span has been located.
var placeholder = deferredregex.DeferredRegex{Re: `^[A-Za-z_][A-Za-z0-9_]*$`}

// ResolveCommand expands template per the algorithm in spec.md §4.1: words
// are whitespace-split, each ${NAME} token is looked up first in extras,
// then in the store, then in the process environment, its value is split
// on whitespace and the word is replaced by the cross product of
// "prefix value suffix" for every value, and the whole pass repeats to a
// fixed point. extraFlags, if any, are appended verbatim at the end (this
// is how augment()-derived link flags reach the final command line).
func (s *Store) ResolveCommand(template string, extras map[string][]string, extraFlags []string) (string, error) {
	lookup := func(name string) []string {
		if v, ok := extras[name]; ok {
			return v
		}
		if v, ok := s.vars[name]; ok {
			return v
		}
		if v := os.Getenv(name); v != "" {
			return strings.Fields(v)
		}
		return nil
	}

	words := strings.Fields(template)
	const maxPasses = 64
	for pass := 0; pass < maxPasses; pass++ {
		next := make([]string, 0, len(words))
		changed := false
		for _, w := range words {
			expanded, err := expandWord(w, lookup)
			if err != nil {
				return "", err
			}
			if len(expanded) != 1 || expanded[0] != w {
				changed = true
			}
			next = append(next, expanded...)
		}
		words = next
		if !changed {
			cmd := strings.Join(words, " ")
			if len(extraFlags) > 0 {
				if cmd != "" {
					cmd += " "
				}
				cmd += strings.Join(extraFlags, " ")
			}
			return cmd, nil
		}
	}
	return "", fmt.Errorf("unterminated variable expansion (cyclic ${...} reference?) in %q", template)
}

// expandWord finds the first ${NAME} token in word, if any, and returns the
// cross product of "prefix value suffix" over NAME's looked-up values. A
// word with no placeholder but containing a stray '{' or '}' is rejected,
// matching "unmatched { or } is fatal".
func expandWord(word string, lookup func(string) []string) ([]string, error) {
	start := strings.Index(word, "${")
	if start == -1 {
		if strings.ContainsAny(word, "{}") {
			return nil, fmt.Errorf("unterminated variable reference in %q", word)
		}
		return []string{word}, nil
	}
	rest := word[start+2:]
	end := strings.IndexByte(rest, '}')
	if end == -1 {
		return nil, fmt.Errorf("unterminated variable reference in %q", word)
	}
	name := rest[:end]
	if placeholder.FindStringSubmatch(name) == nil {
		return nil, fmt.Errorf("invalid variable name %q in %q", name, word)
	}
	prefix := word[:start]
	suffix := rest[end+1:]

	values := lookup(name)
	if len(values) == 0 {
		return []string{prefix + suffix}, nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = prefix + v + suffix
	}
	return out, nil
}
