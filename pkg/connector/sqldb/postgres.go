package sqldb

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

var postgresTypes = types.NewSystem("postgres",
	types.Descriptor{Type: types.Varchar, Name: "varchar", DefaultPrecision: 255, MaxPrecision: 10485760},
	types.Descriptor{Type: types.Char, Name: "char", DefaultPrecision: 1, MaxPrecision: 10485760},
	types.Descriptor{Type: types.Text, Name: "text"},
	types.Descriptor{Type: types.SmallInt, Name: "smallint"},
	types.Descriptor{Type: types.Integer, Name: "integer"},
	types.Descriptor{Type: types.BigInt, Name: "bigint"},
	types.Descriptor{Type: types.Boolean, Name: "boolean"},
	types.Descriptor{Type: types.Float, Name: "real"},
	types.Descriptor{Type: types.Double, Name: "double precision"},
	types.Descriptor{Type: types.Decimal, Name: "numeric", DefaultPrecision: 18, MaxPrecision: 1000, MaxScale: 1000},
	types.Descriptor{Type: types.Date, Name: "date"},
	types.Descriptor{Type: types.Time, Name: "time"},
	types.Descriptor{Type: types.Timestamp, Name: "timestamp"},
	types.Descriptor{Type: types.Binary, Name: "bytea"},
	types.Descriptor{Type: types.JSON, Name: "jsonb"},
	types.Descriptor{Type: types.JSON, Name: "json"},
	types.Descriptor{Type: types.Varchar, Name: "character varying"},
	types.Descriptor{Type: types.Char, Name: "character"},
	types.Descriptor{Type: types.Char, Name: "bpchar"},
	types.Descriptor{Type: types.SmallInt, Name: "int2"},
	types.Descriptor{Type: types.Integer, Name: "int4"},
	types.Descriptor{Type: types.BigInt, Name: "int8"},
	types.Descriptor{Type: types.Boolean, Name: "bool"},
	types.Descriptor{Type: types.Float, Name: "float4"},
	types.Descriptor{Type: types.Double, Name: "float8"},
	types.Descriptor{Type: types.Time, Name: "time without time zone"},
	types.Descriptor{Type: types.Timestamp, Name: "timestamp without time zone"},
	types.Descriptor{Type: types.Timestamp, Name: "timestamp with time zone"},
	types.Descriptor{Type: types.Timestamp, Name: "timestamptz"},
	types.Descriptor{Type: types.Varchar, Name: "uuid"},
)

const postgresForeignKeys = `SELECT kcu.constraint_name, kcu.column_name, pk.table_schema, pk.table_name, pk.column_name
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = rc.constraint_schema AND kcu.constraint_name = rc.constraint_name
JOIN information_schema.key_column_usage pk
  ON pk.constraint_schema = rc.unique_constraint_schema AND pk.constraint_name = rc.unique_constraint_name
  AND pk.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = $1 AND kcu.table_name = $2
ORDER BY kcu.constraint_name, kcu.ordinal_position`

// Postgres is the postgres dialect, driven by pgx through its database/sql
// adapter
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }
func (Postgres) Schemes() []string { return []string{"postgres", "postgresql"} }
func (Postgres) Driver() string { return "pgx" }
func (Postgres) Types() *types.System { return postgresTypes }
func (Postgres) Quote(id string) string { return quoteWith(`"`, `"`, id) }
func (Postgres) Placeholder(i int) string { return "$" + strconv.Itoa(i) }
func (Postgres) MaxWriters() int { return 0 }

// DSN parses the URI with pgx and registers the resulting config. The user
// and password attributes override the URI credentials.
func (Postgres) DSN(def *connection.Definition) (string, error) {
	cfg, err := pgx.ParseConfig(def.URI)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s: invalid postgres uri", def.Name)
	}
	if user, ok := def.Attributes.Value("user"); ok {
		cfg.User = user
	}
	if password, ok := def.Attributes.Value("password"); ok {
		cfg.Password = password
	}
	return stdlib.RegisterConnConfig(cfg), nil
}

func (Postgres) CurrentSchema(ctx context.Context, q Querier) (string, error) {
	return queryString(ctx, q, "SELECT current_schema()")
}

func (d Postgres) Tables(ctx context.Context, q Querier, schema string) ([]string, error) {
	return infoSchemaTables(ctx, q, d, schema)
}

func (d Postgres) Describe(ctx context.Context, q Querier, t Table) (*relation.RelationDef, error) {
	return infoSchemaDescribe(ctx, q, d, t, postgresForeignKeys)
}

func (d Postgres) Truncate(t Table) string {
	return "TRUNCATE TABLE " + t.Qualified(d)
}

func (d Postgres) Upsert(t Table, columns, key []string) string {
	return onConflictUpsert(d, t, columns, key)
}
