// Package glob compiles glob patterns used by data selectors, the vault
// and archive entry selectors.
//
// Syntax: `*` matches any run of characters except `/`, `**` matches any
// run including `/`, `?` matches one character except `/`, `[...]` is a
// character class. Everything else is literal.
package glob

import (
	"regexp"
	"strings"

	"github.com/tabulify/tabulify/pkg/errors"
)

// Pattern is a compiled glob
type Pattern struct {
	source string
	re     *regexp.Regexp
}

// Compile compiles a glob pattern
func Compile(pattern string) (*Pattern, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				i++
				// "**/" also matches zero directories
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == ']' {
					end = j
					break
				}
			}
			if end == -1 {
				return nil, errors.Newf(errors.ErrorTypeValidation, "unclosed character class in glob %q", pattern)
			}
			class := string(runes[i+1 : end])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "invalid glob %q", pattern)
	}
	return &Pattern{source: pattern, re: re}, nil
}

// MustCompile is Compile that panics on error. Use it for constant patterns.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether name matches the pattern
func (p *Pattern) Match(name string) bool {
	return p.re.MatchString(name)
}

// String returns the source pattern
func (p *Pattern) String() string {
	return p.source
}

// IsPattern reports whether s contains glob metacharacters
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// MatchAny compiles patterns and reports whether name matches at least one
func MatchAny(name string, patterns ...string) (bool, error) {
	for _, pattern := range patterns {
		p, err := Compile(pattern)
		if err != nil {
			return false, err
		}
		if p.Match(name) {
			return true, nil
		}
	}
	return false, nil
}
