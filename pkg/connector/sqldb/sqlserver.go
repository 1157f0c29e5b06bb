package sqldb

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	// registers the "sqlserver" database/sql driver
	_ "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

var sqlserverTypes = types.NewSystem("sqlserver",
	types.Descriptor{Type: types.Varchar, Name: "nvarchar", DefaultPrecision: 255, MaxPrecision: 4000},
	types.Descriptor{Type: types.Char, Name: "nchar", DefaultPrecision: 1, MaxPrecision: 4000},
	types.Descriptor{Type: types.Text, Name: "nvarchar(max)"},
	types.Descriptor{Type: types.SmallInt, Name: "smallint"},
	types.Descriptor{Type: types.Integer, Name: "int"},
	types.Descriptor{Type: types.BigInt, Name: "bigint"},
	types.Descriptor{Type: types.Boolean, Name: "bit"},
	types.Descriptor{Type: types.Float, Name: "real"},
	types.Descriptor{Type: types.Double, Name: "float"},
	types.Descriptor{Type: types.Decimal, Name: "decimal", DefaultPrecision: 18, MaxPrecision: 38, MaxScale: 38},
	types.Descriptor{Type: types.Date, Name: "date"},
	types.Descriptor{Type: types.Time, Name: "time"},
	types.Descriptor{Type: types.Timestamp, Name: "datetime2"},
	types.Descriptor{Type: types.Binary, Name: "varbinary(max)"},
	types.Descriptor{Type: types.JSON, Name: "nvarchar(max)"},
	types.Descriptor{Type: types.Varchar, Name: "varchar"},
	types.Descriptor{Type: types.Char, Name: "char"},
	types.Descriptor{Type: types.Text, Name: "ntext"},
	types.Descriptor{Type: types.Text, Name: "text"},
	types.Descriptor{Type: types.SmallInt, Name: "tinyint"},
	types.Descriptor{Type: types.Timestamp, Name: "datetime"},
	types.Descriptor{Type: types.Timestamp, Name: "datetimeoffset"},
	types.Descriptor{Type: types.Binary, Name: "varbinary"},
	types.Descriptor{Type: types.Decimal, Name: "numeric"},
	types.Descriptor{Type: types.Decimal, Name: "money"},
	types.Descriptor{Type: types.Varchar, Name: "uniqueidentifier"},
)

const sqlserverForeignKeys = `SELECT fk.name, pc.name, SCHEMA_NAME(rt.schema_id), rt.name, rc.name
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.tables pt ON pt.object_id = fk.parent_object_id
JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
JOIN sys.tables rt ON rt.object_id = fkc.referenced_object_id
JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
WHERE SCHEMA_NAME(pt.schema_id) = @p1 AND pt.name = @p2
ORDER BY fk.name, fkc.constraint_column_id`

// SQLServer is the Microsoft SQL Server dialect
type SQLServer struct{}

func (SQLServer) Name() string { return "sqlserver" }
func (SQLServer) Schemes() []string { return []string{"sqlserver", "mssql"} }
func (SQLServer) Driver() string { return "sqlserver" }
func (SQLServer) Types() *types.System { return sqlserverTypes }
func (SQLServer) Quote(id string) string { return quoteWith("[", "]", id) }
func (SQLServer) Placeholder(i int) string { return "@p" + strconv.Itoa(i) }
func (SQLServer) MaxWriters() int { return 0 }

// DSN keeps the sqlserver:// URL form of the driver, with the user and
// password attributes folded in. The result is validated by the driver
// parser.
func (SQLServer) DSN(def *connection.Definition) (string, error) {
	u, err := url.Parse(def.URI)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s: invalid sqlserver uri", def.Name)
	}
	u.Scheme = "sqlserver"
	user, hasUser := def.Attributes.Value("user")
	password, hasPassword := def.Attributes.Value("password")
	if hasUser || hasPassword {
		if !hasUser && u.User != nil {
			user = u.User.Username()
		}
		u.User = url.UserPassword(user, password)
	}
	dsn := u.String()
	if _, err := msdsn.Parse(dsn); err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s: invalid sqlserver uri", def.Name)
	}
	return dsn, nil
}

func (SQLServer) CurrentSchema(ctx context.Context, q Querier) (string, error) {
	return queryString(ctx, q, "SELECT SCHEMA_NAME()")
}

func (d SQLServer) Tables(ctx context.Context, q Querier, schema string) ([]string, error) {
	return infoSchemaTables(ctx, q, d, schema)
}

func (d SQLServer) Describe(ctx context.Context, q Querier, t Table) (*relation.RelationDef, error) {
	return infoSchemaDescribe(ctx, q, d, t, sqlserverForeignKeys)
}

// Truncate deletes: TRUNCATE TABLE is refused on a referenced table
func (d SQLServer) Truncate(t Table) string {
	return "DELETE FROM " + t.Qualified(d)
}

// Upsert is a MERGE of a single row source
func (d SQLServer) Upsert(t Table, columns, key []string) string {
	source := make([]string, len(columns))
	values := make([]string, len(columns))
	for i, c := range columns {
		source[i] = d.Placeholder(i+1) + " AS " + d.Quote(c)
		values[i] = "source." + d.Quote(c)
	}
	on := make([]string, len(key))
	for i, k := range key {
		on[i] = "target." + d.Quote(k) + " = source." + d.Quote(k)
	}
	var b strings.Builder
	b.WriteString("MERGE INTO " + t.Qualified(d) + " AS target")
	b.WriteString(" USING (SELECT " + strings.Join(source, ", ") + ") AS source")
	b.WriteString(" ON " + strings.Join(on, " AND "))
	if rest := nonKey(columns, key); len(rest) > 0 {
		sets := make([]string, len(rest))
		for i, c := range rest {
			sets[i] = "target." + d.Quote(c) + " = source." + d.Quote(c)
		}
		b.WriteString(" WHEN MATCHED THEN UPDATE SET " + strings.Join(sets, ", "))
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (" + strings.Join(quoteAll(d, columns), ", ") + ")")
	b.WriteString(" VALUES (" + strings.Join(values, ", ") + ");")
	return b.String()
}
