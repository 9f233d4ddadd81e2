// Package query implements the exact and glob path matchers the live
// index and the on-disk segments are searched with, plus the trigram-hint
// extraction that lets both skip most candidates without touching a path.
package query

import (
	"strings"

	"github.com/gobwas/glob"
)

// Matcher is satisfied by every query the index can run. LiteralPrefix
// drives trigram pre-filtering (pathstore.ExtractLiteralTrigrams); Match is
// the ground-truth byte comparison applied to surviving candidates.
type Matcher interface {
	// LiteralPrefix returns the longest wildcard-free prefix of the
	// pattern, lowercased. An empty string means no trigram can be
	// derived and every candidate must be checked by Match.
	LiteralPrefix() string
	// Match reports whether path satisfies the query. path is the
	// absolute path as reconstructed from a CompactMeta/Roots pair.
	Match(path string) bool
}

// substringMatcher matches any path containing needle as a
// case-insensitive substring — cindex/csearch's "q=" query shape from the
// teacher, applied to paths instead of file contents.
type substringMatcher struct {
	lower string
}

// NewSubstring returns a Matcher for a case-insensitive substring search.
func NewSubstring(needle string) Matcher {
	return substringMatcher{lower: strings.ToLower(needle)}
}

func (m substringMatcher) LiteralPrefix() string { return m.lower }

func (m substringMatcher) Match(path string) bool {
	return strings.Contains(strings.ToLower(path), m.lower)
}

// globMatcher matches shell-glob-style patterns (`*`, `?`, `[...]`,
// `{a,b}`) via gobwas/glob, compiled once at query time.
type globMatcher struct {
	g             glob.Glob
	literalPrefix string
	fullPath      bool
}

// NewGlob compiles pattern into a Matcher. If fullPath is true the pattern
// is matched against the whole absolute path (separators are
// significant, matching "/" the way gobwas/glob does with a separator
// rune); if false it is matched against the basename only — the
// "segment-vs-full-path glob mode" of spec 4.9 / component table.
func NewGlob(pattern string, fullPath bool) (Matcher, error) {
	var g glob.Glob
	var err error
	if fullPath {
		g, err = glob.Compile(pattern, '/')
	} else {
		g, err = glob.Compile(pattern)
	}
	if err != nil {
		return nil, err
	}
	return globMatcher{g: g, literalPrefix: literalPrefixOf(pattern), fullPath: fullPath}, nil
}

func (m globMatcher) LiteralPrefix() string { return m.literalPrefix }

func (m globMatcher) Match(path string) bool {
	target := path
	if !m.fullPath {
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			target = path[i+1:]
		}
	}
	return m.g.Match(target)
}

// literalPrefixOf returns the lowercased prefix of pattern up to its first
// wildcard metacharacter, or "" if the pattern starts with a wildcard.
func literalPrefixOf(pattern string) string {
	const meta = "*?[{"
	i := strings.IndexAny(pattern, meta)
	if i < 0 {
		return strings.ToLower(pattern)
	}
	return strings.ToLower(pattern[:i])
}

// Query bundles a Matcher with the result-shaping parameters the
// coordinator needs. RankHint is the seam for the fuzzy-ranking helper
// spec.md names as an external, out-of-scope collaborator: when set, the
// coordinator hands it the matched candidate paths and returns whatever
// order it produces, but never calls into it itself.
type Query struct {
	Matcher  Matcher
	Limit    int
	RankHint func(candidates []string) []string

	// ExactPath, when set by the caller, names a single absolute path
	// this query is known to be asking about verbatim (as opposed to a
	// general substring/glob search). It lets the coordinator's L1
	// cache serve the request directly when resident, without it having
	// to guess at a Matcher's intent.
	ExactPath string
}
