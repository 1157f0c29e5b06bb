// Package vault persists named connection definitions in an INI file, one
// section per connection:
//
//	[sales]
//	uri = postgres://localhost:5432/sales
//	user = reporting
//
// The uri key is mandatory. Every other key is kept as a backend attribute.
package vault

import (
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/glob"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/logger"
)

// URIKey is the mandatory property of a section
const URIKey = "uri"

var iniOptions = ini.LoadOptions{
	// uris carry '#' and ';' in passwords and query strings
	IgnoreInlineComment: true,
}

// Vault is the in-memory set of connection definitions of one file. It is
// owned by one goroutine.
type Vault struct {
	path        string
	connections map[string]*connection.Definition
	logger      *zap.Logger
}

// New returns an empty vault persisted at path
func New(path string) *Vault {
	return &Vault{
		path:        path,
		connections: make(map[string]*connection.Definition),
		logger:      logger.With(zap.String("component", "vault"), zap.String("file", path)),
	}
}

// Load reads the vault file. A missing file is an empty vault. Invalid
// connections are skipped and reported together in the returned error while
// the valid ones are loaded, so the vault is never nil.
func Load(path string) (*Vault, error) {
	v := New(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		v.logger.Debug("vault file does not exist yet")
		return v, nil
	}
	file, err := ini.LoadSources(iniOptions, path)
	if err != nil {
		return v, errors.Wrapf(err, errors.ErrorTypeConfig, "unable to read the vault %s", path)
	}

	var errs error
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection && len(section.Keys()) == 0 {
			continue
		}
		def, err := definition(section)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		v.connections[def.Name] = def
	}
	v.logger.Debug("vault loaded",
		zap.Int("connections", len(v.connections)),
		zap.Int("errors", len(multierr.Errors(errs))))
	return v, errs
}

func definition(section *ini.Section) (*connection.Definition, error) {
	name := section.Name()
	def := connection.NewDefinition(name, "")
	seen := make(map[string]string)
	for _, key := range section.Keys() {
		normalized := keys.Normalize(key.Name())
		if normalized == "" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "connection %s: property %q is not a valid name", name, key.Name())
		}
		if previous, ok := seen[normalized]; ok {
			return nil, errors.Newf(errors.ErrorTypeConfig, "connection %s: property %q duplicates %q", name, key.Name(), previous)
		}
		seen[normalized] = key.Name()
		if normalized == URIKey {
			def.URI = key.String()
			continue
		}
		def.Attributes.Set(key.Name(), key.String(), connection.OriginManifest)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Path returns the vault file
func (v *Vault) Path() string { return v.path }

// Len returns the number of connections
func (v *Vault) Len() int { return len(v.connections) }

// Flush writes the vault. Sections are sorted by name, the uri comes first
// followed by the sorted attributes. The file is written next to the target
// and renamed over it.
func (v *Vault) Flush() (err error) {
	file := ini.Empty(iniOptions)
	for _, def := range v.sorted() {
		section, err := file.NewSection(def.Name)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s", def.Name)
		}
		if _, err := section.NewKey(URIKey, def.URI); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s: property %s", def.Name, URIKey)
		}
		attrs := persisted(def)
		sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
		for _, attr := range attrs {
			if _, err := section.NewKey(attr.Name, attr.Value); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s: property %s", def.Name, attr.Name)
			}
		}
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "unable to create the vault directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(v.path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "unable to create a temporary vault file in %s", dir)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := file.WriteTo(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.ErrorTypeFile, "unable to write the vault %s", v.path)
	}
	if err := multierr.Combine(tmp.Sync(), tmp.Close()); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "unable to write the vault %s", v.path)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "unable to write the vault %s", v.path)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "unable to replace the vault %s", v.path)
	}
	v.logger.Info("vault flushed", zap.Int("connections", len(v.connections)))
	return nil
}

// persisted returns the attributes stored in the file. Defaults and values
// computed by the engine are not.
func persisted(def *connection.Definition) []connection.Attribute {
	var out []connection.Attribute
	for _, attr := range def.Attributes.All() {
		if attr.Origin == connection.OriginManifest || attr.Origin == connection.OriginRuntime {
			out = append(out, attr)
		}
	}
	return out
}

func (v *Vault) sorted() []*connection.Definition {
	out := make([]*connection.Definition, 0, len(v.connections))
	for _, def := range v.connections {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connection returns the definition named name
func (v *Vault) Connection(name string) (*connection.Definition, bool) {
	def, ok := v.connections[name]
	return def, ok
}

// Connections returns the definitions whose name matches one of the glob
// patterns (all of them without pattern), sorted by name. Matching is case
// sensitive.
func (v *Vault) Connections(patterns ...string) ([]*connection.Definition, error) {
	all := v.sorted()
	if len(patterns) == 0 {
		return all, nil
	}
	var out []*connection.Definition
	for _, def := range all {
		ok, err := glob.MatchAny(def.Name, patterns...)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, def)
		}
	}
	return out, nil
}

// Add stores a new definition. A duplicate name or a missing uri is an
// error; nothing is written until Flush.
func (v *Vault) Add(def *connection.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, ok := v.connections[def.Name]; ok {
		return errors.Newf(errors.ErrorTypeConflict, "the connection %s already exists in the vault", def.Name)
	}
	v.connections[def.Name] = def
	return nil
}

// Remove deletes the definitions matching the patterns and returns them
func (v *Vault) Remove(patterns ...string) ([]*connection.Definition, error) {
	if len(patterns) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "at least one connection name pattern is required")
	}
	removed, err := v.Connections(patterns...)
	if err != nil {
		return nil, err
	}
	for _, def := range removed {
		delete(v.connections, def.Name)
	}
	return removed, nil
}

// Delete removes the definition named name
func (v *Vault) Delete(name string) error {
	if _, ok := v.connections[name]; !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "the connection %s does not exist in the vault", name)
	}
	delete(v.connections, name)
	return nil
}
