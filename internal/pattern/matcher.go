// Package pattern implements the glob/prefix matching used to compare
// event names against handler and transformer patterns.
//
// Event names are colon-separated segments (e.g. "completion:async").
// A pattern segment of "*" matches exactly one segment; a trailing
// segment of "**" matches one or more remaining segments; "?" matches
// exactly one character within a segment. Anything else is matched
// literally, with "*"/"?" glob semantics applied within the segment
// (so "agent:sp?wn" and "agent:sp*wn" are both valid single-segment
// patterns, not just the whole-segment "*").
package pattern

import (
	"fmt"
	"path"
	"strings"
	"sync"
)

// Predicate reports whether a single event name matches a compiled
// pattern.
type Predicate func(name string) bool

// Matcher compiles patterns to predicates and caches them, since the
// registry's hot path (resolve) re-evaluates the same small set of
// patterns on every emit.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]Predicate
}

// New creates an empty, ready-to-use Matcher.
func New() *Matcher {
	return &Matcher{
		cache: make(map[string]Predicate),
	}
}

// IsExact reports whether a pattern contains no glob metacharacters,
// i.e. it can only ever match an event name equal to itself.
func IsExact(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?")
}

// Validate reports whether p is a well-formed pattern. A malformed
// glob segment (e.g. an unterminated character class) would otherwise
// be swallowed at match time, since segmentMatches treats a bad
// pattern as a non-match.
func Validate(p string) error {
	for _, segment := range strings.Split(p, ":") {
		if segment == "**" {
			continue
		}

		if _, err := path.Match(segment, ""); err != nil {
			return fmt.Errorf("pattern %q: segment %q: %w", p, segment, err)
		}
	}

	return nil
}

// Matches reports whether pattern matches name, using a cached,
// lazily-compiled predicate.
func (m *Matcher) Matches(pattern, name string) bool {
	return m.Compile(pattern)(name)
}

// Compile returns (and caches) the predicate for pattern.
func (m *Matcher) Compile(p string) Predicate {
	m.mu.RLock()
	predicate, ok := m.cache[p]
	m.mu.RUnlock()

	if ok {
		return predicate
	}

	predicate = compile(p)

	m.mu.Lock()
	m.cache[p] = predicate
	m.mu.Unlock()

	return predicate
}

// compile builds a Predicate for a single pattern without touching the
// cache, splitting both pattern and candidate name on ':' and matching
// segment by segment.
func compile(p string) Predicate {
	if IsExact(p) {
		return func(name string) bool { return name == p }
	}

	segments := strings.Split(p, ":")

	greedy := len(segments) > 0 && segments[len(segments)-1] == "**"

	var prefix []string

	if greedy {
		prefix = segments[:len(segments)-1]
	} else {
		prefix = segments
	}

	return func(name string) bool {
		nameSegments := strings.Split(name, ":")

		if greedy {
			// "**" requires one or more segments beyond the
			// fixed prefix.
			if len(nameSegments) <= len(prefix) {
				return false
			}
		} else if len(nameSegments) != len(prefix) {
			return false
		}

		for i, seg := range prefix {
			if !segmentMatches(seg, nameSegments[i]) {
				return false
			}
		}

		return true
	}
}

// segmentMatches applies '*'/'?' glob semantics within a single
// colon-delimited segment. path.Match already implements exactly this
// algebra for a single path element (it never treats '/' specially
// when the candidate itself contains none), so it is reused here
// rather than re-implemented.
func segmentMatches(pattern, segment string) bool {
	ok, err := path.Match(pattern, segment)

	return err == nil && ok
}
