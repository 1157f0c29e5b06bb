package relation

import (
	"fmt"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/manifest"
	"github.com/tabulify/tabulify/pkg/types"
)

var (
	definitionKeys = []string{"columns", "primaryColumns", "uniqueKeys", "foreignKeys"}
	columnKeys     = []string{"name", "type", "precision", "scale", "nullable", "comment", "generator"}
	foreignKeyKeys = []string{"name", "columns", "foreignResource", "foreignColumns"}
)

// MergeDataDefinitionFromYamlMap overlays a manifest data definition on the
// relation. Declared columns override derived ones; declaring the same
// column twice with different types is an error.
//
//	columns:
//	  - name: id
//	    type: integer
//	    nullable: false
//	  - name: amount
//	    type: decimal(10,2)
//	primaryColumns: [id]
//	foreignKeys:
//	  - columns: [customer_id]
//	    foreignResource: customers
//	    foreignColumns: [id]
//
// The relation is left untouched when the definition is rejected.
func (r *RelationDef) MergeDataDefinitionFromYamlMap(def map[string]any) error {
	if err := manifest.CheckKeys("data definition", def, definitionKeys); err != nil {
		return err
	}
	merged := r.clone()
	if err := merged.merge(def); err != nil {
		return err
	}
	*r = *merged
	return nil
}

func (r *RelationDef) merge(def map[string]any) error {
	for key, value := range def {
		if keys.Equal(key, "columns") {
			list, ok := value.([]any)
			if !ok {
				return errors.Newf(errors.ErrorTypeValidation, "columns must be a list, got %T", value)
			}
			for i, item := range list {
				m, ok := manifest.AsMap(item)
				if !ok {
					return errors.Newf(errors.ErrorTypeValidation, "column %d must be a map, got %T", i+1, item)
				}
				if err := r.mergeColumn(m); err != nil {
					return err
				}
			}
		}
	}
	// keys reference columns, so they are applied after every column
	for key, value := range def {
		switch {
		case keys.Equal(key, "primaryColumns"):
			cols, err := manifest.StringList(value)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeValidation, "primaryColumns")
			}
			if err := r.SetPrimaryKey(cols...); err != nil {
				return err
			}
		case keys.Equal(key, "uniqueKeys"):
			list, ok := value.([]any)
			if !ok {
				return errors.Newf(errors.ErrorTypeValidation, "uniqueKeys must be a list, got %T", value)
			}
			for _, item := range list {
				cols, err := manifest.StringList(item)
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeValidation, "uniqueKeys")
				}
				if err := r.AddUniqueKey(cols...); err != nil {
					return err
				}
			}
		case keys.Equal(key, "foreignKeys"):
			list, ok := value.([]any)
			if !ok {
				return errors.Newf(errors.ErrorTypeValidation, "foreignKeys must be a list, got %T", value)
			}
			for _, item := range list {
				m, ok := manifest.AsMap(item)
				if !ok {
					return errors.Newf(errors.ErrorTypeValidation, "foreign key must be a map, got %T", item)
				}
				fk, err := parseForeignKey(m)
				if err != nil {
					return err
				}
				if err := r.AddForeignKey(fk); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *RelationDef) mergeColumn(m map[string]any) error {
	if err := manifest.CheckKeys("column", m, columnKeys); err != nil {
		return err
	}
	name, _ := manifest.Lookup(m, "name").(string)
	if name == "" {
		return errors.New(errors.ErrorTypeValidation, "column without name")
	}

	var (
		typ              types.Type
		typed            bool
		precision, scale int
	)
	if raw := manifest.Lookup(m, "type"); raw != nil {
		typeName := fmt.Sprint(raw)
		t, ok := types.Parse(typeName)
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation, "column %q has unknown type %q", name, typeName)
		}
		typ, typed = t, true
		_, precision, scale = types.ParseNative(typeName)
	}
	if raw := manifest.Lookup(m, "precision"); raw != nil {
		p, err := manifest.Int(raw)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeValidation, "column %q precision", name)
		}
		precision = p
	}
	if raw := manifest.Lookup(m, "scale"); raw != nil {
		s, err := manifest.Int(raw)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeValidation, "column %q scale", name)
		}
		scale = s
	}

	var generator *GeneratorSpec
	if raw := manifest.Lookup(m, "generator"); raw != nil {
		gm, ok := manifest.AsMap(raw)
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation, "column %q generator must be a map", name)
		}
		spec, err := ParseGeneratorSpec(gm)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeValidation, "column %q generator", name)
		}
		generator = spec
	}

	existing, exists := r.Column(name)
	if !exists {
		if !typed {
			typ = types.Varchar
		}
		col, err := r.AddColumn(name, typ, WithPrecision(precision, scale), WithGenerator(generator), AsDeclared())
		if err != nil {
			return err
		}
		return applyColumnFlags(col, m)
	}

	if typed {
		if existing.declared && existing.Type != typ {
			return errors.Newf(errors.ErrorTypeConflict,
				"column %q declared with conflicting types %s and %s", name, existing.Type, typ)
		}
		existing.Type = typ
	}
	if precision > 0 || manifest.Lookup(m, "precision") != nil {
		existing.Precision = precision
		existing.Scale = scale
	}
	if generator != nil {
		existing.Generator = generator
	}
	existing.declared = true
	return applyColumnFlags(existing, m)
}

func applyColumnFlags(col *ColumnDef, m map[string]any) error {
	if raw := manifest.Lookup(m, "nullable"); raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation, "column %q nullable must be a boolean", col.Name)
		}
		col.Nullable = b
	}
	if raw := manifest.Lookup(m, "comment"); raw != nil {
		col.Comment = fmt.Sprint(raw)
	}
	return nil
}

func parseForeignKey(m map[string]any) (ForeignKeyDef, error) {
	if err := manifest.CheckKeys("foreign key", m, foreignKeyKeys); err != nil {
		return ForeignKeyDef{}, err
	}
	var fk ForeignKeyDef
	var err error
	if name, ok := manifest.Lookup(m, "name").(string); ok {
		fk.Name = name
	}
	if fk.Columns, err = manifest.StringList(manifest.Lookup(m, "columns")); err != nil {
		return fk, errors.Wrap(err, errors.ErrorTypeValidation, "foreign key columns")
	}
	fk.ForeignResource, _ = manifest.Lookup(m, "foreignResource").(string)
	if raw := manifest.Lookup(m, "foreignColumns"); raw != nil {
		if fk.ForeignColumns, err = manifest.StringList(raw); err != nil {
			return fk, errors.Wrap(err, errors.ErrorTypeValidation, "foreign key foreignColumns")
		}
	}
	return fk, nil
}

