package sqldb

import (
	"context"
	"database/sql"

	"go.uber.org/multierr"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// The information_schema views are shared by postgres, mysql and sqlserver.
// Only the foreign key query differs; it returns constraint name, column,
// referenced schema, referenced table and referenced column.

func infoSchemaTables(ctx context.Context, q Querier, d Dialect, schema string) ([]string, error) {
	query := "SELECT table_name FROM information_schema.tables WHERE table_schema = " + d.Placeholder(1) +
		" AND table_type = 'BASE TABLE' ORDER BY table_name"
	return queryStrings(ctx, q, query, schema)
}

func infoSchemaDescribe(ctx context.Context, q Querier, d Dialect, t Table, foreignKeys string) (*relation.RelationDef, error) {
	rel := relation.New()
	query := "SELECT column_name, data_type, is_nullable, character_maximum_length, numeric_precision, numeric_scale" +
		" FROM information_schema.columns WHERE table_schema = " + d.Placeholder(1) +
		" AND table_name = " + d.Placeholder(2) + " ORDER BY ordinal_position"
	rows, err := q.QueryContext(ctx, query, t.Schema, t.Name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read columns of %s", t.Name)
	}
	for rows.Next() {
		var (
			name, dataType, nullable string
			length, precision, scale sql.NullInt64
		)
		if err := rows.Scan(&name, &dataType, &nullable, &length, &precision, &scale); err != nil {
			return nil, multierr.Append(errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan column"), rows.Close())
		}
		typ := d.Types().Canonical(dataType)
		opts := []relation.ColumnOption{relation.WithNullable(nullable == "YES")}
		switch {
		case typ == types.Decimal && precision.Valid:
			opts = append(opts, relation.WithPrecision(int(precision.Int64), int(scale.Int64)))
		case (typ == types.Varchar || typ == types.Char) && length.Valid && length.Int64 > 0:
			opts = append(opts, relation.WithPrecision(int(length.Int64), 0))
		}
		if _, err := rel.AddColumn(name, typ, opts...); err != nil {
			return nil, multierr.Append(err, rows.Close())
		}
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read columns of %s", t.Name)
	}
	if rel.Empty() {
		return rel, nil
	}

	keyQuery := "SELECT tc.constraint_name, tc.constraint_type, kcu.column_name" +
		" FROM information_schema.table_constraints tc" +
		" JOIN information_schema.key_column_usage kcu" +
		" ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema AND kcu.table_name = tc.table_name" +
		" WHERE tc.table_schema = " + d.Placeholder(1) + " AND tc.table_name = " + d.Placeholder(2) +
		" AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')" +
		" ORDER BY tc.constraint_name, kcu.ordinal_position"
	keyRows, err := q.QueryContext(ctx, keyQuery, t.Schema, t.Name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read keys of %s", t.Name)
	}
	type key struct {
		primary bool
		columns []string
	}
	var order []string
	byName := make(map[string]*key)
	for keyRows.Next() {
		var name, kind, column string
		if err := keyRows.Scan(&name, &kind, &column); err != nil {
			return nil, multierr.Append(errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan key"), keyRows.Close())
		}
		k, ok := byName[name]
		if !ok {
			k = &key{primary: kind == "PRIMARY KEY"}
			byName[name] = k
			order = append(order, name)
		}
		k.columns = append(k.columns, column)
	}
	if err := multierr.Append(keyRows.Err(), keyRows.Close()); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read keys of %s", t.Name)
	}
	for _, name := range order {
		k := byName[name]
		if k.primary {
			err = rel.SetPrimaryKey(k.columns...)
		} else {
			err = rel.AddUniqueKey(k.columns...)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := readForeignKeys(ctx, q, rel, t, foreignKeys); err != nil {
		return nil, err
	}
	return rel, nil
}

func readForeignKeys(ctx context.Context, q Querier, rel *relation.RelationDef, t Table, query string) error {
	rows, err := q.QueryContext(ctx, query, t.Schema, t.Name)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read foreign keys of %s", t.Name)
	}
	var order []string
	byName := make(map[string]*relation.ForeignKeyDef)
	for rows.Next() {
		var name, column, refSchema, refTable, refColumn string
		if err := rows.Scan(&name, &column, &refSchema, &refTable, &refColumn); err != nil {
			return multierr.Append(errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan foreign key"), rows.Close())
		}
		fk, ok := byName[name]
		if !ok {
			resource := refTable
			if refSchema != "" && refSchema != t.Schema {
				resource = refSchema + "." + refTable
			}
			fk = &relation.ForeignKeyDef{Name: name, ForeignResource: resource}
			byName[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, column)
		fk.ForeignColumns = append(fk.ForeignColumns, refColumn)
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read foreign keys of %s", t.Name)
	}
	for _, name := range order {
		if err := rel.AddForeignKey(*byName[name]); err != nil {
			return err
		}
	}
	return nil
}

func queryStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "catalog query failed")
	}
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, multierr.Append(errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan catalog row"), rows.Close())
		}
		out = append(out, s)
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "catalog query failed")
	}
	return out, nil
}

func queryString(ctx context.Context, q Querier, query string) (string, error) {
	values, err := queryStrings(ctx, q, query)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	return values[0], nil
}
