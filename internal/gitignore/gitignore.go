// Package gitignore implements .gitignore pattern matching with standard
// semantics: ordered patterns, negation, anchoring, directory-only suffixes,
// and glob translation. The last matching pattern wins.
package gitignore

import (
	"regexp"
	"strings"
)

type pattern struct {
	re      *regexp.Regexp
	negate  bool
	dirOnly bool
}

// Matcher evaluates an ordered list of .gitignore patterns.
type Matcher struct {
	patterns []pattern
}

// Parse builds a matcher from .gitignore content. Blank lines and comments
// are skipped; malformed patterns are ignored rather than failing the whole
// file, matching git's own tolerance.
func Parse(content string) *Matcher {
	m := &Matcher{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := pattern{}
		if strings.HasPrefix(line, "!") {
			p.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}

		anchored := strings.HasPrefix(line, "/")
		line = strings.TrimPrefix(line, "/")
		// A pattern with an internal slash is anchored to the root, same
		// as a leading slash.
		if strings.Contains(line, "/") {
			anchored = true
		}

		re, err := compileGlob(line, anchored)
		if err != nil {
			continue
		}
		p.re = re
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Ignored reports whether path is ignored. Paths use forward slashes and
// are relative to the .gitignore location. isDir marks directory entries,
// which directory-only patterns require.
func (m *Matcher) Ignored(path string, isDir bool) bool {
	path = strings.Trim(path, "/")
	ignored := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir && !m.parentMatches(p, path) {
			continue
		}
		if p.re.MatchString(path) || m.parentMatches(p, path) {
			ignored = !p.negate
		}
	}
	return ignored
}

// parentMatches reports whether any parent directory of path matches the
// pattern, so files under an ignored directory are ignored too.
func (m *Matcher) parentMatches(p pattern, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if p.re.MatchString(strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

// compileGlob translates a gitignore glob into an anchored regexp:
// ** matches any path segment run, * any non-separator run, ? one
// non-separator character.
func compileGlob(glob string, anchored bool) (*regexp.Regexp, error) {
	var sb strings.Builder
	if anchored {
		sb.WriteString("^")
	} else {
		sb.WriteString("(^|.*/)")
	}

	i := 0
	for i < len(glob) {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				// "**/" or trailing "**" spans path segments
				if i+2 < len(glob) && glob[i+2] == '/' {
					sb.WriteString("(.*/)?")
					i += 3
					continue
				}
				sb.WriteString(".*")
				i += 2
				continue
			}
			sb.WriteString("[^/]*")
			i++
		case '?':
			sb.WriteString("[^/]")
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// Filter returns the entries of paths that are not ignored. Entries ending
// in "/" are treated as directories.
func (m *Matcher) Filter(paths []string) []string {
	var out []string
	for _, p := range paths {
		isDir := strings.HasSuffix(p, "/")
		if !m.Ignored(p, isDir) {
			out = append(out, p)
		}
	}
	return out
}
