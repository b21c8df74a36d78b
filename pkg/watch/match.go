package watch

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// Matcher checks slash separated paths against a set of glob patterns. Supported syntax: *, ?, **
// (any number of directories), {a,b} alternatives and [...] classes.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles the given patterns
func NewMatcher(patterns ...string) (*Matcher, error) {
	m := &Matcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, pattern := range patterns {
		expr, err := globToRegexp(filepath.ToSlash(pattern))
		if err != nil {
			return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
		}

		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether path matches any of the patterns
func (m *Matcher) Match(path string) bool {
	path = filepath.ToSlash(path)
	for _, re := range m.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func globToRegexp(pattern string) (string, error) {
	var buf strings.Builder
	buf.WriteString("^")

	braces := 0
	for idx := 0; idx < len(pattern); idx++ {
		c := pattern[idx]
		switch c {
		case '*':
			if idx+1 < len(pattern) && pattern[idx+1] == '*' {
				idx++
				if idx+1 < len(pattern) && pattern[idx+1] == '/' {
					// **/ also matches no directory at all
					idx++
					buf.WriteString("(?:.*/)?")
				} else {
					buf.WriteString(".*")
				}
			} else {
				buf.WriteString("[^/]*")
			}
		case '?':
			buf.WriteString("[^/]")
		case '{':
			braces++
			buf.WriteString("(?:")
		case '}':
			if braces == 0 {
				buf.WriteString(`\}`)
				continue
			}
			braces--
			buf.WriteString(")")
		case ',':
			if braces > 0 {
				buf.WriteString("|")
			} else {
				buf.WriteString(",")
			}
		case '[':
			end := strings.IndexByte(pattern[idx:], ']')
			if end < 0 {
				return "", eris.New("unterminated character class")
			}

			class := pattern[idx+1 : idx+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			buf.WriteString("[" + class + "]")
			idx += end
		default:
			buf.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	if braces > 0 {
		return "", eris.New("unterminated brace")
	}

	buf.WriteString("$")
	return buf.String(), nil
}
