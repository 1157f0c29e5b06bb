// Package sqldb is the SQL connector. A connection is a database/sql pool;
// the root path is the current schema (a container) and every other path is
// a table, optionally schema qualified ("schema.table").
//
// Dialects: sqlite (modernc.org/sqlite), postgres (pgx), mysql
// (go-sql-driver) and sqlserver (go-mssqldb).
//
// Attributes: user and password override the URI credentials, schema the
// session schema, maxOpenConns the pool size.
package sqldb

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/glob"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

// Dialects returns every built-in dialect
func Dialects() []Dialect {
	return []Dialect{SQLite{}, Postgres{}, MySQL{}, SQLServer{}}
}

// NewProvider returns the provider of one dialect
func NewProvider(d Dialect) connection.Provider {
	return &connection.SchemeProvider{
		ProviderName: d.Name(),
		Schemes:      d.Schemes(),
		OpenFunc: func(ctx context.Context, def *connection.Definition) (connection.DataSystem, error) {
			return Open(ctx, def, d)
		},
	}
}

// Providers returns the providers of every built-in dialect
func Providers() []connection.Provider {
	var providers []connection.Provider
	for _, d := range Dialects() {
		providers = append(providers, NewProvider(d))
	}
	return providers
}

// System is the SQL DataSystem
type System struct {
	dialect Dialect
	db      *sql.DB
	logger  *zap.Logger

	mu     sync.Mutex
	schema *string
}

// Open opens the database pool of a connection. No round trip is made
// until the first operation.
func Open(ctx context.Context, def *connection.Definition, d Dialect) (*System, error) {
	dsn, err := d.DSN(def)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.Driver(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "connection %s: cannot open %s database", def.Name, d.Name())
	}
	maxOpen, err := def.Attributes.Int("maxOpenConns", 0)
	if err != nil {
		db.Close()
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &System{
		dialect: d,
		db:      db,
		logger: logger.With(
			zap.String("component", "sqldb"),
			zap.String("dialect", d.Name()),
			zap.String("connection", def.Name)),
	}
	if schema, ok := def.Attributes.Value("schema"); ok {
		s.schema = &schema
	}
	return s, nil
}

// DB returns the underlying pool
func (s *System) DB() *sql.DB { return s.db }

// Dialect returns the dialect of the connection
func (s *System) Dialect() Dialect { return s.dialect }

// Types implements connection.DataSystem
func (s *System) Types() *types.System { return s.dialect.Types() }

// CurrentPath implements connection.DataSystem
func (s *System) CurrentPath() string { return "" }

// MaxWriters implements connection.WriterLimited
func (s *System) MaxWriters() int { return s.dialect.MaxWriters() }

// Resolve implements connection.DataSystem
func (s *System) Resolve(dp *connection.DataPath) error {
	if dp.Path() == "" {
		dp.SetKind(connection.KindContainer)
		dp.SetMediaType(connection.MediaTypeDirectory)
		return nil
	}
	if strings.ContainsAny(dp.Path(), "/\\") {
		return errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", dp.Path())
	}
	dp.SetKind(connection.KindDocument)
	dp.SetMediaType(connection.MediaTypeRelation)
	return nil
}

func (s *System) currentSchema(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil {
		return *s.schema, nil
	}
	schema, err := s.dialect.CurrentSchema(ctx, s.db)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "cannot read the current schema")
	}
	s.schema = &schema
	return schema, nil
}

func (s *System) table(ctx context.Context, dp *connection.DataPath) (Table, error) {
	schema, err := s.currentSchema(ctx)
	if err != nil {
		return Table{}, err
	}
	return ParseTable(dp.Path(), schema), nil
}

// Exists implements connection.DataSystem
func (s *System) Exists(ctx context.Context, dp *connection.DataPath) (bool, error) {
	if dp.Kind() == connection.KindContainer {
		return true, nil
	}
	t, err := s.table(ctx, dp)
	if err != nil {
		return false, err
	}
	tables, err := s.dialect.Tables(ctx, s.db, t.Schema)
	if err != nil {
		return false, err
	}
	for _, name := range tables {
		if name == t.Name {
			return true, nil
		}
	}
	return false, nil
}

// Ping implements connection.DataSystem
func (s *System) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements connection.DataSystem
func (s *System) Close() error {
	return s.db.Close()
}

// Children implements connection.Enumerable: the tables of the schema
func (s *System) Children(ctx context.Context, dp *connection.DataPath, pattern string) ([]string, error) {
	if dp.Kind() != connection.KindContainer {
		return nil, nil
	}
	schema, err := s.currentSchema(ctx)
	if err != nil {
		return nil, err
	}
	tables, err := s.dialect.Tables(ctx, s.db, schema)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return tables, nil
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range tables {
		if matcher.Match(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *System) exec(ctx context.Context, statement string) error {
	s.logger.Debug("executing statement", zap.String("sql", statement))
	if _, err := s.db.ExecContext(ctx, statement); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "statement failed: %s", firstLine(statement))
	}
	return nil
}

func firstLine(statement string) string {
	if i := strings.IndexByte(statement, '\n'); i >= 0 {
		return statement[:i] + " ..."
	}
	return statement
}

// Create implements connection.Creatable
func (s *System) Create(ctx context.Context, dp *connection.DataPath, rel *relation.RelationDef) error {
	if dp.Kind() == connection.KindContainer {
		return errors.Newf(errors.ErrorTypeCapability, "schema creation is not supported (%s)", dp.ID())
	}
	if rel.Empty() {
		return errors.Newf(errors.ErrorTypeValidation, "table %s cannot be created without columns", dp.ID())
	}
	t, err := s.table(ctx, dp)
	if err != nil {
		return err
	}
	return s.exec(ctx, createTable(s.dialect, t, rel))
}

func (s *System) requireTable(ctx context.Context, dp *connection.DataPath) (Table, error) {
	if dp.Kind() == connection.KindContainer {
		return Table{}, errors.Newf(errors.ErrorTypeCapability, "%s is a schema", dp.ID())
	}
	exists, err := s.Exists(ctx, dp)
	if err != nil {
		return Table{}, err
	}
	if !exists {
		return Table{}, errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", dp.ID())
	}
	return s.table(ctx, dp)
}

// Drop implements connection.Droppable
func (s *System) Drop(ctx context.Context, dp *connection.DataPath) error {
	t, err := s.requireTable(ctx, dp)
	if err != nil {
		return err
	}
	return s.exec(ctx, "DROP TABLE "+t.Qualified(s.dialect))
}

// Truncate implements connection.Droppable
func (s *System) Truncate(ctx context.Context, dp *connection.DataPath) error {
	t, err := s.requireTable(ctx, dp)
	if err != nil {
		return err
	}
	return s.exec(ctx, s.dialect.Truncate(t))
}

// Describe implements connection.Readable
func (s *System) Describe(ctx context.Context, dp *connection.DataPath) (*relation.RelationDef, error) {
	t, err := s.table(ctx, dp)
	if err != nil {
		return nil, err
	}
	return s.dialect.Describe(ctx, s.db, t)
}

// Select implements connection.Readable
func (s *System) Select(ctx context.Context, dp *connection.DataPath) (stream.SelectStream, error) {
	t, err := s.requireTable(ctx, dp)
	if err != nil {
		return nil, err
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	f := &rowsFetcher{
		db:    s.db,
		query: selectStatement(s.dialect, t, rel.Names()),
		rel:   rel,
	}
	if err := f.Rewind(ctx); err != nil {
		return nil, err
	}
	return stream.NewCursor(dp.ID(), rel, f, dp.Connection().Collector()), nil
}

// Insert implements connection.Writable. Each batch is written in its own
// transaction through one prepared statement.
func (s *System) Insert(ctx context.Context, dp *connection.DataPath, opts stream.InsertOptions) (stream.InsertStream, error) {
	t, err := s.requireTable(ctx, dp)
	if err != nil {
		return nil, err
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	columns := rel.Names()
	statement := insertStatement(s.dialect, t, columns)
	if opts.Operation == stream.OperationUpsert {
		key := opts.MatchKey
		if len(key) == 0 {
			var ok bool
			if key, ok = rel.MatchKey(); !ok {
				return nil, errors.Newf(errors.ErrorTypeConfig, "upsert on %s needs a primary or unique key", dp.ID())
			}
		}
		resolved := make([]string, len(key))
		for i, name := range key {
			col, ok := rel.Column(name)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeNotFound, "match key column %s not found in %s", name, dp.ID())
			}
			resolved[i] = col.Name
		}
		statement = s.dialect.Upsert(t, columns, resolved)
	}
	s.logger.Debug("insert statement", zap.String("resource", dp.ID()), zap.String("sql", statement))
	w := &statementWriter{db: s.db, statement: statement}
	return stream.NewBatchInserter(dp.ID(), rel, w, opts, dp.Connection().Collector()), nil
}

// rowsFetcher scans query rows and casts them to the relation types
type rowsFetcher struct {
	db    *sql.DB
	query string
	rel   *relation.RelationDef
	rows  *sql.Rows
}

func (f *rowsFetcher) Rewind(ctx context.Context) error {
	if f.rows != nil {
		f.rows.Close()
	}
	rows, err := f.db.QueryContext(ctx, f.query)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "query failed: %s", f.query)
	}
	f.rows = rows
	return nil
}

func (f *rowsFetcher) Fetch(ctx context.Context) ([]any, error) {
	if !f.rows.Next() {
		if err := f.rows.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "cannot read row")
		}
		return nil, io.EOF
	}
	values := make([]any, f.rel.Size())
	holders := make([]any, len(values))
	for i := range values {
		holders[i] = &values[i]
	}
	if err := f.rows.Scan(holders...); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "cannot scan row")
	}
	for i, col := range f.rel.Columns() {
		v, err := types.Cast(values[i], col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeCast, "column %s", col.Name)
		}
		values[i] = v
	}
	return values, nil
}

func (f *rowsFetcher) Close() error {
	if f.rows == nil {
		return nil
	}
	err := f.rows.Close()
	f.rows = nil
	return err
}

// statementWriter executes one statement per row inside a transaction per
// batch
type statementWriter struct {
	db        *sql.DB
	statement string
}

func (w *statementWriter) WriteBatch(ctx context.Context, rows [][]any) (err error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "cannot begin transaction")
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			err = multierr.Append(err, rbErr)
		}
	}()
	stmt, err := tx.PrepareContext(ctx, w.statement)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "cannot prepare %s", w.statement)
	}
	defer stmt.Close()
	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "row %d of the batch rejected", i+1)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "cannot commit batch")
	}
	return nil
}

func (w *statementWriter) Close(ctx context.Context) error { return nil }
