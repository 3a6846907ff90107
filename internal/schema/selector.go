// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"path"
	"strings"
)

// Selector is a match expression over node keys: a literal
// ("validator/1"), a wildcard ("*/*", "validator/*"), an explicit list,
// or a cross-environment reference ("*/*@canary"). Selectors are
// evaluated lazily against the union of an environment's internal and
// external node tables — see Resolve.
//
// The zero Selector matches nothing; always construct via
// ParseSelector or NewSelectorList.
type Selector struct {
	// patterns holds one or more "type/name" glob patterns (path.Match
	// syntax: '*' and '?' wildcards, no character classes needed here).
	patterns []string

	// env is the cross-environment reference, if any ("canary" in
	// "*/*@canary"). Empty means "this environment."
	env string
}

// ParseSelector parses a single selector expression such as
// "validator/1", "*/*", "validator/*", or "*/*@canary".
func ParseSelector(expr string) (Selector, error) {
	if expr == "" {
		return Selector{}, fmt.Errorf("selector: empty expression")
	}
	pattern, env, _ := strings.Cut(expr, "@")
	if strings.Count(pattern, "/") != 1 {
		return Selector{}, fmt.Errorf("selector %q: expected type/name form", expr)
	}
	if _, err := path.Match(pattern, "validator/probe"); err != nil {
		return Selector{}, fmt.Errorf("selector %q: invalid glob pattern: %w", expr, err)
	}
	return Selector{patterns: []string{pattern}, env: env}, nil
}

// NewSelectorList combines multiple selector expressions (e.g. an
// environment document's `peers: [...]` list) into one Selector whose
// Resolve matches the union of every member expression. All members
// must share the same cross-environment reference (or lack one); this
// matches the document schema, where a single peers/validators field
// names one target environment at most.
func NewSelectorList(exprs ...string) (Selector, error) {
	if len(exprs) == 0 {
		return Selector{}, nil
	}
	var combined Selector
	for i, expr := range exprs {
		parsed, err := ParseSelector(expr)
		if err != nil {
			return Selector{}, err
		}
		if i == 0 {
			combined.env = parsed.env
		} else if combined.env != parsed.env {
			return Selector{}, fmt.Errorf("selector list: mixed environment references (%q vs %q)", combined.env, parsed.env)
		}
		combined.patterns = append(combined.patterns, parsed.patterns...)
	}
	return combined, nil
}

// IsZero reports whether the selector matches nothing.
func (s Selector) IsZero() bool { return len(s.patterns) == 0 }

// CrossEnv returns the referenced environment id and true if this
// selector points at another environment ("*/*@other"); otherwise
// ("", false).
func (s Selector) CrossEnv() (string, bool) {
	if s.env == "" {
		return "", false
	}
	return s.env, true
}

// Matches reports whether key satisfies any of the selector's patterns.
func (s Selector) Matches(key NodeKey) bool {
	keyString := key.String()
	for _, pattern := range s.patterns {
		if ok, _ := path.Match(pattern, keyString); ok {
			return true
		}
	}
	return false
}

// Resolve evaluates the selector against a candidate set of node keys
// (the union of an environment's internal topology and external table,
// or — for a cross-env selector — the referenced environment's table)
// and returns the matching keys in the iteration order of candidates.
// An empty result is valid: a selector may legitimately resolve to no
// candidates (e.g. before any peer has been assigned), and callers
// must treat that as "no endpoints yet," not an error.
func (s Selector) Resolve(candidates []NodeKey) []NodeKey {
	var matched []NodeKey
	for _, key := range candidates {
		if s.Matches(key) {
			matched = append(matched, key)
		}
	}
	return matched
}

// MarshalText renders the selector back to its expression form, so it
// round-trips through YAML/JSON the same way NodeKey and the id types
// do, without a bespoke struct shape.
func (s Selector) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses the selector expression form produced by
// MarshalText/String, including the comma-joined multi-pattern case
// NewSelectorList produces.
func (s *Selector) UnmarshalText(text []byte) error {
	expr := string(text)
	if expr == "" {
		*s = Selector{}
		return nil
	}
	joined, env, _ := strings.Cut(expr, "@")
	patterns := strings.Split(joined, ",")
	for _, p := range patterns {
		if strings.Count(p, "/") != 1 {
			return fmt.Errorf("selector %q: expected type/name form", expr)
		}
		if _, err := path.Match(p, "validator/probe"); err != nil {
			return fmt.Errorf("selector %q: invalid glob pattern: %w", expr, err)
		}
	}
	*s = Selector{patterns: patterns, env: env}
	return nil
}

func (s Selector) String() string {
	if s.IsZero() {
		return ""
	}
	joined := strings.Join(s.patterns, ",")
	if s.env != "" {
		return joined + "@" + s.env
	}
	return joined
}
