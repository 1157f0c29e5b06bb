package sqldb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Dialect is what differs between SQL backends: driver, DSN, types,
// statements and catalog queries. Everything else is shared by System.
type Dialect interface {
	// Name identifies the dialect in logs and provider listings
	Name() string
	// Schemes are the URI schemes the dialect accepts
	Schemes() []string
	// Driver is the database/sql driver name
	Driver() string
	// DSN builds the driver data source name from a connection definition
	DSN(def *connection.Definition) (string, error)
	// Types is the native type system
	Types() *types.System
	// Quote quotes one identifier
	Quote(ident string) string
	// Placeholder returns the bind marker of the 1-based parameter i
	Placeholder(i int) string
	// MaxWriters is the number of concurrent writers the backend tolerates,
	// 0 for no limit
	MaxWriters() int
	// CurrentSchema returns the default schema of the session
	CurrentSchema(ctx context.Context, q Querier) (string, error)
	// Tables lists the base tables of a schema
	Tables(ctx context.Context, q Querier, schema string) ([]string, error)
	// Describe reads the columns and keys of a table from the catalog
	Describe(ctx context.Context, q Querier, t Table) (*relation.RelationDef, error)
	// Truncate returns the statement emptying a table
	Truncate(t Table) string
	// Upsert returns the single row statement inserting or updating on key
	Upsert(t Table, columns, key []string) string
}

// Table is a possibly schema qualified table name
type Table struct {
	Schema string
	Name   string
}

// ParseTable splits "schema.table". A name without a dot uses schema.
func ParseTable(path, schema string) Table {
	if i := strings.Index(path, "."); i > 0 && i < len(path)-1 {
		return Table{Schema: path[:i], Name: path[i+1:]}
	}
	return Table{Schema: schema, Name: path}
}

// Qualified returns the quoted, schema qualified name
func (t Table) Qualified(d Dialect) string {
	if t.Schema == "" {
		return d.Quote(t.Name)
	}
	return d.Quote(t.Schema) + "." + d.Quote(t.Name)
}

// quoteWith doubles the closing quote inside an identifier
func quoteWith(left, right string, ident string) string {
	return left + strings.ReplaceAll(ident, right, right+right) + right
}

func quoteAll(d Dialect, names []string) []string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.Quote(n)
	}
	return quoted
}

func placeholders(d Dialect, n int) []string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	return marks
}

// createTable renders the CREATE TABLE statement of a relation
func createTable(d Dialect, t Table, rel *relation.RelationDef) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(t.Qualified(d))
	b.WriteString(" (\n")
	var lines []string
	for _, col := range rel.Columns() {
		line := "  " + d.Quote(col.Name) + " " + d.Types().DDL(col.Name, col.Type, col.Precision, col.Scale)
		if !col.Nullable {
			line += " NOT NULL"
		}
		lines = append(lines, line)
	}
	if pk := rel.PrimaryKey(); len(pk) > 0 {
		lines = append(lines, "  PRIMARY KEY ("+strings.Join(quoteAll(d, pk), ", ")+")")
	}
	for _, uk := range rel.UniqueKeys() {
		lines = append(lines, "  UNIQUE ("+strings.Join(quoteAll(d, uk), ", ")+")")
	}
	for _, fk := range rel.ForeignKeys() {
		parent := ParseTable(fk.ForeignResource, t.Schema)
		lines = append(lines, "  FOREIGN KEY ("+strings.Join(quoteAll(d, fk.Columns), ", ")+") REFERENCES "+
			parent.Qualified(d)+" ("+strings.Join(quoteAll(d, fk.ForeignColumns), ", ")+")")
	}
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func insertStatement(d Dialect, t Table, columns []string) string {
	return "INSERT INTO " + t.Qualified(d) +
		" (" + strings.Join(quoteAll(d, columns), ", ") + ")" +
		" VALUES (" + strings.Join(placeholders(d, len(columns)), ", ") + ")"
}

func selectStatement(d Dialect, t Table, columns []string) string {
	list := "*"
	if len(columns) > 0 {
		list = strings.Join(quoteAll(d, columns), ", ")
	}
	return "SELECT " + list + " FROM " + t.Qualified(d)
}

// nonKey returns the columns not part of key
func nonKey(columns, key []string) []string {
	inKey := make(map[string]bool, len(key))
	for _, k := range key {
		inKey[k] = true
	}
	var rest []string
	for _, c := range columns {
		if !inKey[c] {
			rest = append(rest, c)
		}
	}
	return rest
}

// onConflictUpsert is the sqlite and postgres upsert
func onConflictUpsert(d Dialect, t Table, columns, key []string) string {
	stmt := insertStatement(d, t, columns) + " ON CONFLICT (" + strings.Join(quoteAll(d, key), ", ") + ")"
	rest := nonKey(columns, key)
	if len(rest) == 0 {
		return stmt + " DO NOTHING"
	}
	sets := make([]string, len(rest))
	for i, c := range rest {
		sets[i] = d.Quote(c) + " = excluded." + d.Quote(c)
	}
	return stmt + " DO UPDATE SET " + strings.Join(sets, ", ")
}
