// Package manifest reads declarative documents: a kind discriminator plus a
// spec map. Every attribute map is validated against a closed key set.
//
//	kind: pipeline
//	spec:
//	  name: nightly
//	  steps: [...]
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
)

// Known manifest kinds
const (
	KindPipeline     = "pipeline"
	KindDataResource = "data-resource"
)

var documentKeys = []string{"kind", "spec"}

// Document is a parsed manifest
type Document struct {
	Kind string
	Spec map[string]any
	Path string
}

// Parse decodes a manifest after ${VAR} environment expansion
func Parse(data []byte) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(config.ExpandEnv(string(data))), &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "manifest is not valid yaml")
	}
	if raw == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "manifest is empty")
	}
	if err := CheckKeys("manifest", raw, documentKeys); err != nil {
		return nil, err
	}
	kind, _ := Lookup(raw, "kind").(string)
	if kind == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "manifest has no kind")
	}
	doc := &Document{Kind: strings.ToLower(kind), Spec: map[string]any{}}
	if spec := Lookup(raw, "spec"); spec != nil {
		m, ok := AsMap(spec)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "manifest spec must be a map, got %T", spec)
		}
		doc.Spec = m
	}
	return doc, nil
}

// Load reads and parses a manifest file
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: manifest path is chosen by the user
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "cannot read manifest %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "invalid manifest %s", path)
	}
	doc.Path = path
	return doc, nil
}

// Expect fails when the document is not of the given kind
func (d *Document) Expect(kind string) error {
	if d.Kind != kind {
		return errors.Newf(errors.ErrorTypeValidation, "manifest kind is %q, expected %q", d.Kind, kind)
	}
	return nil
}

// CheckKeys rejects keys outside valid, listing the valid ones
func CheckKeys(what string, m map[string]any, valid []string) error {
	var unknown []string
	for key := range m {
		found := false
		for _, v := range valid {
			if keys.Equal(key, v) {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return errors.Newf(errors.ErrorTypeValidation, "unknown %s attribute(s) %s; valid attributes are: %s",
		what, strings.Join(unknown, ", "), strings.Join(valid, ", "))
}

// Lookup reads a map value through a normalized key
func Lookup(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if keys.Equal(k, key) {
			return v
		}
	}
	return nil
}

// AsMap converts a decoded yaml mapping into a string-keyed map
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

// StringList coerces a scalar or a list into a string slice
func StringList(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, len(x))
		for i, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d is %T, not a string", i+1, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of strings, got %T", v)
}

// Int coerces a manifest number into an int
func Int(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int(x), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(x))
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

// Bool coerces a manifest boolean
func Bool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	return false, fmt.Errorf("expected a boolean, got %T", v)
}
