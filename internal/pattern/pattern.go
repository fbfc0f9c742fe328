// Package pattern implements the include/exclude function-name pattern
// matcher of spec.md §4.5. There is no teacher or example equivalent for
// this specific parser, so it is written in the teacher's general
// plain-stdlib style (regexp, path/filepath, no dedicated pattern
// library anywhere in the retrieval pack for this task — see DESIGN.md).
package pattern

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// kind classifies how one pattern entry is matched against a name.
type kind int

const (
	kindLiteral kind = iota
	kindGlob
	kindRegex
)

// Entry is one compiled (pattern, module_qualifier, positive?) triple.
type Entry struct {
	Raw      string
	Module   string // the @module qualifier, else the list's default module; "" matches any module
	Positive bool
	kind     kind
	re       *regexp.Regexp
}

// List is an ordered, last-match-wins pattern list (spec.md §3).
type List struct {
	entries    []Entry
	matchAll   bool // synthesized when every user entry is negative
	defaultMod string
}

var regexMeta = regexp.MustCompile(`[\^\$\(\)\|\+\\]`)
var globMeta = regexp.MustCompile(`[*?\[\]]`)

func classify(pat string) kind {
	switch {
	case regexMeta.MatchString(pat):
		return kindRegex
	case globMeta.MatchString(pat):
		return kindGlob
	default:
		return kindLiteral
	}
}

// Compile parses a semicolon-separated list of `name[@module]` entries,
// each optionally prefixed with `!` to mark it negative. defaultModule is
// used for entries with no `@module` qualifier (spec.md §4.5: "defaults
// to the executable's base-name"). If every entry turns out negative, a
// synthetic positive match-all entry is prepended (spec.md §3).
func Compile(spec, defaultModule string) (*List, error) {
	l := &List{defaultMod: defaultModule}

	spec = strings.TrimSpace(spec)
	if spec == "" {
		return l, nil
	}

	allNegative := true
	for _, raw := range strings.Split(spec, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		positive := true
		name := raw
		if strings.HasPrefix(name, "!") {
			positive = false
			name = name[1:]
		} else {
			allNegative = false
		}

		mod := defaultModule
		if idx := strings.LastIndex(name, "@"); idx >= 0 {
			mod = name[idx+1:]
			name = name[:idx]
		}
		if name == "" {
			return nil, fmt.Errorf("pattern: empty name in entry %q", raw)
		}

		e := Entry{Raw: name, Module: mod, Positive: positive, kind: classify(name)}
		if e.kind == kindRegex {
			re, err := regexp.Compile(name)
			if err != nil {
				return nil, fmt.Errorf("pattern: invalid regex %q: %w", name, err)
			}
			e.re = re
		}
		l.entries = append(l.entries, e)
	}

	if allNegative && len(l.entries) > 0 {
		l.matchAll = true
	}

	return l, nil
}

// Match reports whether name (in the given module) should be selected.
// Matching walks the list in order; the last matching entry's polarity
// wins. If nothing matches, the result is the synthetic match-all
// polarity (true) when one was synthesized, else false.
func (l *List) Match(name, mod string) bool {
	if mod == "" {
		mod = l.defaultMod
	}

	result := l.matchAll
	for _, e := range l.entries {
		if e.Module != "" && e.Module != mod {
			continue
		}
		if !e.matches(name) {
			continue
		}
		result = e.Positive
	}
	return result
}

func (e Entry) matches(name string) bool {
	switch e.kind {
	case kindRegex:
		return e.re.MatchString(name)
	case kindGlob:
		ok, err := filepath.Match(e.Raw, name)
		return err == nil && ok
	default:
		return e.Raw == name
	}
}

// Patterns holds the two independent pattern lists of spec.md §4.5: a
// symbol matching both is patched (the patch list wins) and the unpatch
// list is consulted only when the caller asked to unpatch.
type Patterns struct {
	Patch   *List
	Unpatch *List
}

// CompilePatterns compiles both the patch and unpatch pattern strings
// against the same default module qualifier.
func CompilePatterns(patchSpec, unpatchSpec, defaultModule string) (*Patterns, error) {
	p, err := Compile(patchSpec, defaultModule)
	if err != nil {
		return nil, fmt.Errorf("pattern: patch list: %w", err)
	}
	u, err := Compile(unpatchSpec, defaultModule)
	if err != nil {
		return nil, fmt.Errorf("pattern: unpatch list: %w", err)
	}
	return &Patterns{Patch: p, Unpatch: u}, nil
}
