package connection

import (
	"strconv"
	"time"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
)

// Origin tells where an attribute value comes from
type Origin int

const (
	// OriginDefault is a built-in default
	OriginDefault Origin = iota
	// OriginManifest comes from a vault or a manifest file
	OriginManifest
	// OriginRuntime is set by the user at runtime (command line, env)
	OriginRuntime
	// OriginPipeline is set by a pipeline step
	OriginPipeline
	// OriginInternal is computed by the engine
	OriginInternal
)

func (o Origin) String() string {
	switch o {
	case OriginDefault:
		return "default"
	case OriginManifest:
		return "manifest"
	case OriginRuntime:
		return "runtime"
	case OriginPipeline:
		return "pipeline"
	case OriginInternal:
		return "internal"
	}
	return "unknown"
}

// Attribute is a named value with its origin
type Attribute struct {
	Name   string
	Value  string
	Origin Origin
}

// Attributes is an ordered attribute set looked up through normalized keys,
// so "queue-capacity", "queueCapacity" and "QUEUE_CAPACITY" are one key.
type Attributes struct {
	m *keys.Map[Attribute]
}

// NewAttributes creates an empty set
func NewAttributes() *Attributes {
	return &Attributes{m: keys.NewMap[Attribute]()}
}

// Set stores a value. A value never replaces one of a higher origin.
func (a *Attributes) Set(name, value string, origin Origin) {
	if current, ok := a.m.Get(name); ok && current.Origin > origin {
		return
	}
	a.m.Set(name, Attribute{Name: name, Value: value, Origin: origin})
}

// Get returns the attribute named name
func (a *Attributes) Get(name string) (Attribute, bool) {
	return a.m.Get(name)
}

// Value returns the value of name
func (a *Attributes) Value(name string) (string, bool) {
	attr, ok := a.m.Get(name)
	return attr.Value, ok
}

// String returns the value of name or def
func (a *Attributes) String(name, def string) string {
	if v, ok := a.Value(name); ok {
		return v
	}
	return def
}

// Int returns the integer value of name or def
func (a *Attributes) Int(name string, def int) (int, error) {
	v, ok := a.Value(name)
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Newf(errors.ErrorTypeConfig, "attribute %s: %q is not an integer", name, v)
	}
	return i, nil
}

// Bool returns the boolean value of name or def
func (a *Attributes) Bool(name string, def bool) (bool, error) {
	v, ok := a.Value(name)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Newf(errors.ErrorTypeConfig, "attribute %s: %q is not a boolean", name, v)
	}
	return b, nil
}

// Duration returns the duration value of name or def. A bare integer is a
// number of milliseconds.
func (a *Attributes) Duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := a.Value(name)
	if !ok {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Newf(errors.ErrorTypeConfig, "attribute %s: %q is not a duration", name, v)
	}
	return d, nil
}

// All returns the attributes in insertion order
func (a *Attributes) All() []Attribute {
	all := make([]Attribute, 0, a.m.Len())
	a.m.Range(func(_ string, attr Attribute) bool {
		all = append(all, attr)
		return true
	})
	return all
}

// Len returns the number of attributes
func (a *Attributes) Len() int {
	return a.m.Len()
}

// Copy returns an independent copy
func (a *Attributes) Copy() *Attributes {
	c := NewAttributes()
	for _, attr := range a.All() {
		c.m.Set(attr.Name, attr)
	}
	return c
}
