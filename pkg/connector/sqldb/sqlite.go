package sqldb

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/multierr"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

var sqliteTypes = types.NewSystem("sqlite",
	types.Descriptor{Type: types.Varchar, Name: "VARCHAR", DefaultPrecision: 255, MaxPrecision: 1_000_000_000},
	types.Descriptor{Type: types.Char, Name: "CHAR", DefaultPrecision: 1, MaxPrecision: 1_000_000_000},
	types.Descriptor{Type: types.Text, Name: "TEXT"},
	types.Descriptor{Type: types.SmallInt, Name: "SMALLINT"},
	types.Descriptor{Type: types.Integer, Name: "INTEGER"},
	types.Descriptor{Type: types.BigInt, Name: "BIGINT"},
	types.Descriptor{Type: types.Boolean, Name: "BOOLEAN"},
	types.Descriptor{Type: types.Float, Name: "FLOAT"},
	types.Descriptor{Type: types.Double, Name: "DOUBLE"},
	types.Descriptor{Type: types.Decimal, Name: "NUMERIC", DefaultPrecision: 18, MaxPrecision: 38, DefaultScale: 0, MaxScale: 38},
	types.Descriptor{Type: types.Date, Name: "DATE"},
	types.Descriptor{Type: types.Time, Name: "TIME"},
	types.Descriptor{Type: types.Timestamp, Name: "TIMESTAMP"},
	types.Descriptor{Type: types.Binary, Name: "BLOB"},
	types.Descriptor{Type: types.JSON, Name: "JSON"},
	types.Descriptor{Type: types.Integer, Name: "INT"},
	types.Descriptor{Type: types.Double, Name: "REAL"},
	types.Descriptor{Type: types.Decimal, Name: "DECIMAL"},
	types.Descriptor{Type: types.Timestamp, Name: "DATETIME"},
	types.Descriptor{Type: types.Text, Name: "CLOB"},
)

// SQLite is the sqlite dialect (modernc.org/sqlite, no cgo). A database
// accepts one writer at a time.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }
func (SQLite) Schemes() []string { return []string{"sqlite", "sqlite3"} }
func (SQLite) Driver() string { return "sqlite" }
func (SQLite) Types() *types.System { return sqliteTypes }
func (SQLite) Quote(id string) string { return quoteWith(`"`, `"`, id) }
func (SQLite) Placeholder(int) string { return "?" }
func (SQLite) MaxWriters() int { return 1 }

// DSN maps sqlite:///abs/file.db or sqlite://rel/file.db to the database
// file, with foreign keys enforced and WAL journaling so that a reader does
// not block the writer.
func (SQLite) DSN(def *connection.Definition) (string, error) {
	file := def.URI
	if i := strings.Index(file, ":"); i >= 0 {
		file = file[i+1:]
	}
	file = strings.TrimPrefix(file, "//")
	if file == "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "connection %s: the sqlite uri has no database file", def.Name)
	}
	if i := strings.Index(file, "?"); i >= 0 {
		file = file[:i]
	}
	busy := def.Attributes.String("busyTimeout", "10000")
	return file + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(" + busy + ")&_time_format=sqlite", nil
}

// CurrentSchema is empty: table names stay unqualified
func (SQLite) CurrentSchema(ctx context.Context, q Querier) (string, error) {
	return "", nil
}

func (d SQLite) Tables(ctx context.Context, q Querier, schema string) ([]string, error) {
	master := "sqlite_master"
	if schema != "" {
		master = d.Quote(schema) + ".sqlite_master"
	}
	return queryStrings(ctx, q, "SELECT name FROM "+master+
		" WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
}

func (SQLite) Truncate(t Table) string {
	return "DELETE FROM " + t.Qualified(SQLite{})
}

func (d SQLite) Upsert(t Table, columns, key []string) string {
	return onConflictUpsert(d, t, columns, key)
}

// Describe reads the table_info, index_list and foreign_key_list pragmas
func (d SQLite) Describe(ctx context.Context, q Querier, t Table) (*relation.RelationDef, error) {
	rel := relation.New()
	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, t.Name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read columns of %s", t.Name)
	}
	var primary []string
	var pkOrder []int
	for rows.Next() {
		var (
			name, declared string
			notNull, pk    int
		)
		if err := rows.Scan(&name, &declared, &notNull, &pk); err != nil {
			return nil, multierr.Append(errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan column"), rows.Close())
		}
		base, precision, scale := types.ParseNative(declared)
		typ := sqliteTypes.Canonical(base)
		if base == "" {
			typ = types.Varchar
		}
		if _, err := rel.AddColumn(name, typ,
			relation.WithNullable(notNull == 0),
			relation.WithPrecision(precision, scale)); err != nil {
			return nil, multierr.Append(err, rows.Close())
		}
		if pk > 0 {
			primary = append(primary, name)
			pkOrder = append(pkOrder, pk)
		}
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read columns of %s", t.Name)
	}
	if rel.Empty() {
		return rel, nil
	}
	if len(primary) > 0 {
		ordered := make([]string, len(primary))
		for i, name := range primary {
			ordered[pkOrder[i]-1] = name
		}
		if err := rel.SetPrimaryKey(ordered...); err != nil {
			return nil, err
		}
	}

	if err := d.uniqueKeys(ctx, q, rel, t); err != nil {
		return nil, err
	}
	if err := d.foreignKeys(ctx, q, rel, t); err != nil {
		return nil, err
	}
	return rel, nil
}

func (SQLite) uniqueKeys(ctx context.Context, q Querier, rel *relation.RelationDef, t Table) error {
	rows, err := q.QueryContext(ctx, `SELECT il.name, ii.name FROM pragma_index_list(?) il`+
		` JOIN pragma_index_info(il.name) ii`+
		` WHERE il."unique" = 1 AND il.origin = 'u' ORDER BY il.seq, ii.seqno`, t.Name)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read unique keys of %s", t.Name)
	}
	var order []string
	byIndex := make(map[string][]string)
	for rows.Next() {
		var index, column string
		if err := rows.Scan(&index, &column); err != nil {
			return multierr.Append(errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan unique key"), rows.Close())
		}
		if _, ok := byIndex[index]; !ok {
			order = append(order, index)
		}
		byIndex[index] = append(byIndex[index], column)
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read unique keys of %s", t.Name)
	}
	for _, index := range order {
		if err := rel.AddUniqueKey(byIndex[index]...); err != nil {
			return err
		}
	}
	return nil
}

func (SQLite) foreignKeys(ctx context.Context, q Querier, rel *relation.RelationDef, t Table) error {
	rows, err := q.QueryContext(ctx, `SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, t.Name)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read foreign keys of %s", t.Name)
	}
	var order []int
	byID := make(map[int]*relation.ForeignKeyDef)
	for rows.Next() {
		var (
			id     int
			parent string
			from   string
			to     sql.NullString
		)
		if err := rows.Scan(&id, &parent, &from, &to); err != nil {
			return multierr.Append(errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan foreign key"), rows.Close())
		}
		fk, ok := byID[id]
		if !ok {
			fk = &relation.ForeignKeyDef{ForeignResource: parent}
			byID[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		// a reference without column targets the parent primary key
		if to.Valid {
			fk.ForeignColumns = append(fk.ForeignColumns, to.String)
		}
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "cannot read foreign keys of %s", t.Name)
	}
	for _, id := range order {
		fk := byID[id]
		if len(fk.ForeignColumns) == 0 {
			parentKey, err := queryStrings(ctx, q, `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, fk.ForeignResource)
			if err != nil {
				return err
			}
			fk.ForeignColumns = parentKey
		}
		if err := rel.AddForeignKey(*fk); err != nil {
			return err
		}
	}
	return nil
}
