// Package load implements the two out-of-scope "consumed" readers named in
// spec.md §1 and §6: the build-file statement stream and the options-file
// key/value format. The core never re-derives these from raw C/C++ source;
// it only walks an already-tokenized statement list, exactly as spec.md's
// Non-goals require. This package supplies a minimal reader for the exact
// textual grammar spec.md §6 documents, since something has to produce the
// []Statement slice the loader in load.go consumes, and grounds its
// tokenizing approach on thought-machine/please's src/parse tokenizer
// shape (line-oriented scan, comment stripping, nothing cleverer).
package load

import (
	"fmt"
	"strings"

	"github.com/plower-build/plower/internal/options"
)

// Statement is one parsed build-file rule invocation: `rule target… [:
// arg1… [: arg2… [: arg3…]]] ;`. Args holds one argument group per colon,
// in declaration order; the parser does not limit how many groups a
// statement has.
type Statement struct {
	Rule    string
	Targets []string
	Args    [][]string
	Line    int
}

type token struct {
	text string
	line int
}

// tokenize splits src into words and the grammar's punctuation tokens
// ("{", "}", "[", "]", ":", ";"), stripping "#" line comments.
func tokenize(src string) []token {
	var toks []token
	line := 1
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			for i < n && src[i] != '\n' {
				i++
			}
		case strings.ContainsRune("{}[]:;", rune(c)):
			toks = append(toks, token{string(c), line})
			i++
		default:
			start := i
			for i < n && !strings.ContainsRune(" \t\r\n{}[]:;#", rune(src[i])) {
				i++
			}
			toks = append(toks, token{src[start:i], line})
		}
	}
	return toks
}

// ParseStatements tokenizes src and expands conditional `[tag] { … }`
// blocks whose tag is present in arch, producing a flat statement list in
// document order.
func ParseStatements(src string, arch []string) ([]Statement, error) {
	active := make(map[string]bool, len(arch))
	for _, a := range arch {
		active[a] = true
	}
	p := &parser{toks: tokenize(src), active: active}
	stmts, err := p.parseBlock(false)
	if err != nil {
		return nil, err
	}
	return stmts, nil
}

type parser struct {
	toks   []token
	pos    int
	active map[string]bool
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

// parseBlock parses statements and conditional blocks until EOF (inBlock
// false) or a closing "}" (inBlock true, which is consumed by the caller).
func (p *parser) parseBlock(inBlock bool) ([]Statement, error) {
	var out []Statement
	for {
		t, ok := p.peek()
		if !ok {
			if inBlock {
				return nil, fmt.Errorf("unterminated conditional block (missing '}')")
			}
			return out, nil
		}
		if t.text == "}" {
			if !inBlock {
				return nil, fmt.Errorf("line %d: unexpected '}'", t.line)
			}
			return out, nil
		}
		if t.text == "[" {
			inner, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
			continue
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
	}
}

func (p *parser) parseConditional() ([]Statement, error) {
	open, _ := p.next() // consume "["
	tagTok, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("line %d: expected tag after '['", open.line)
	}
	if closeBr, ok := p.next(); !ok || closeBr.text != "]" {
		return nil, fmt.Errorf("line %d: expected ']' after tag %q", tagTok.line, tagTok.text)
	}
	if brace, ok := p.next(); !ok || brace.text != "{" {
		return nil, fmt.Errorf("line %d: expected '{' to open conditional block", tagTok.line)
	}
	body, err := p.parseBlock(true)
	if err != nil {
		return nil, err
	}
	if _, ok := p.next(); !ok { // consume "}"
		return nil, fmt.Errorf("line %d: expected '}' to close conditional block", tagTok.line)
	}
	if !p.active[tagTok.text] {
		return nil, nil
	}
	return body, nil
}

func (p *parser) parseStatement() (Statement, error) {
	ruleTok, ok := p.next()
	if !ok {
		return Statement{}, fmt.Errorf("expected rule name")
	}
	stmt := Statement{Rule: ruleTok.text, Line: ruleTok.line}
	for {
		t, ok := p.peek()
		if !ok {
			return Statement{}, fmt.Errorf("line %d: unterminated statement (missing ';')", ruleTok.line)
		}
		if t.text == ":" || t.text == ";" {
			break
		}
		p.next()
		stmt.Targets = append(stmt.Targets, t.text)
	}
	for {
		t, ok := p.next()
		if !ok {
			return Statement{}, fmt.Errorf("line %d: unterminated statement (missing ';')", ruleTok.line)
		}
		if t.text == ";" {
			return stmt, nil
		}
		if t.text != ":" {
			return Statement{}, fmt.Errorf("line %d: expected ':' or ';', got %q", t.line, t.text)
		}
		var group []string
		for {
			n, ok := p.peek()
			if !ok {
				return Statement{}, fmt.Errorf("line %d: unterminated statement (missing ';')", ruleTok.line)
			}
			if n.text == ":" || n.text == ";" {
				break
			}
			p.next()
			group = append(group, n.text)
		}
		stmt.Args = append(stmt.Args, group)
	}
}

// ruleTags maps the options-file's reserved output extensions to the rule
// kind they define, per spec.md §6.
var ruleTags = map[string]options.Kind{
	".obj":  options.Compile,
	".slib": options.StaticLib,
	".dlib": options.DynamicLib,
	".exe":  options.Exe,
	".gen":  options.Generate,
}

// ParseOptions reads the options-file grammar of spec.md §6 straight into
// store: plain `KEY = tokens…` lines set a variable, and keys beginning
// with "." define a build rule (`.ext .obj = template`, `.ext .slib = …`,
// `.ext .dlib = …`, `.ext .exe = …`; a generate rule lists its output
// suffixes after the template: `.ext .gen = template .suffix1 .suffix2`).
func ParseOptions(src string, store *options.Store) error {
	for lineNo, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return fmt.Errorf("line %d: expected 'KEY = tokens', got %q", lineNo+1, line)
		}
		key := strings.TrimSpace(line[:eq])
		rest := strings.Fields(line[eq+1:])
		if !strings.HasPrefix(key, ".") {
			store.SetOption(key, rest)
			continue
		}
		fields := strings.Fields(key)
		if len(fields) != 2 {
			return fmt.Errorf("line %d: malformed rule key %q", lineNo+1, key)
		}
		kind, ok := ruleTags[fields[1]]
		if !ok {
			return fmt.Errorf("line %d: unknown rule tag %q", lineNo+1, fields[1])
		}
		if len(rest) == 0 {
			return fmt.Errorf("line %d: rule %q has no command template", lineNo+1, key)
		}
		template, suffixes := rest, ([]string)(nil)
		if kind == options.Generate {
			end := len(template)
			for end > 0 && strings.HasPrefix(template[end-1], ".") {
				end--
			}
			if end == 0 || end == len(template) {
				return fmt.Errorf("line %d: generate rule %q declares no output suffixes", lineNo+1, key)
			}
			suffixes = template[end:]
			template = template[:end]
		}
		store.DefineRule(fields[0], kind, strings.Join(template, " "), suffixes...)
	}
	return nil
}
