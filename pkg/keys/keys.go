// Package keys normalizes attribute, argument and column names so that
// "My-Col", "my_col" and "MYCOL" designate the same key.
package keys

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Normalize folds the case of s and drops every rune that is not a letter or a digit
func Normalize(s string) string {
	// a Caser holds state and is not shared between goroutines
	folded := cases.Fold().String(s)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether a and b normalize to the same key
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

type entry[V any] struct {
	key   string
	value V
}

// Map is an insertion-ordered map looked up by normalized key. The first
// spelling of a key is kept for display.
type Map[V any] struct {
	index   map[string]int
	entries []entry[V]
}

// NewMap creates an empty map
func NewMap[V any]() *Map[V] {
	return &Map[V]{index: make(map[string]int)}
}

// Set stores value under key, keeping the original spelling on overwrite
func (m *Map[V]) Set(key string, value V) {
	n := Normalize(key)
	if i, ok := m.index[n]; ok {
		m.entries[i].value = value
		return
	}
	m.index[n] = len(m.entries)
	m.entries = append(m.entries, entry[V]{key: key, value: value})
}

// Get returns the value for key and whether it is present
func (m *Map[V]) Get(key string) (V, bool) {
	if i, ok := m.index[Normalize(key)]; ok {
		return m.entries[i].value, true
	}
	var zero V
	return zero, false
}

// Has reports whether key is present
func (m *Map[V]) Has(key string) bool {
	_, ok := m.index[Normalize(key)]
	return ok
}

// Delete removes key
func (m *Map[V]) Delete(key string) {
	n := Normalize(key)
	i, ok := m.index[n]
	if !ok {
		return
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	delete(m.index, n)
	for j := i; j < len(m.entries); j++ {
		m.index[Normalize(m.entries[j].key)] = j
	}
}

// Len returns the number of keys
func (m *Map[V]) Len() int {
	return len(m.entries)
}

// Keys returns the keys in insertion order with their original spelling
func (m *Map[V]) Keys() []string {
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.key
	}
	return out
}

// Range calls fn for every entry in insertion order until fn returns false
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, e := range m.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}
