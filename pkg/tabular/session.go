// Package tabular is the process-scoped entry point of Tabulify: a Session
// owns the provider registry, the step registry, the connection vault and
// the live connections, and runs pipelines against them.
//
// Three connections are always defined:
//
//	memory   in-process lists, queues and step results
//	cd       the current working directory
//	tmp      a scratch directory under the session home
//
// A vault connection with one of these names replaces the built-in one.
package tabular

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/connector/all"
	"github.com/tabulify/tabulify/pkg/connector/fs"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/flow/steps"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/vault"
)

// Built-in connection names
const (
	MemoryConnection = "memory"
	CwdConnection    = "cd"
	TmpConnection    = "tmp"
)

// Session implements flow.Session
type Session struct {
	cfg         *config.BaseConfig
	providers   *connection.Registry
	steps       *flow.Registry
	vault       *vault.Vault
	builtins    map[string]*connection.Definition
	defaultConn string
	out         io.Writer
	logger      *zap.Logger

	mu     sync.Mutex
	conns  map[string]*connection.Connection
	closed bool
}

// Option configures a Session
type Option func(*Session)

// WithVault uses v instead of loading the vault of the configuration
func WithVault(v *vault.Vault) Option {
	return func(s *Session) { s.vault = v }
}

// WithOutput sets the writer of printing steps (default stdout)
func WithOutput(w io.Writer) Option {
	return func(s *Session) { s.out = w }
}

// WithDefaultConnection sets the connection of data URIs without one
func WithDefaultConnection(name string) Option {
	return func(s *Session) { s.defaultConn = name }
}

// WithProviders replaces the built-in connector providers
func WithProviders(reg *connection.Registry) Option {
	return func(s *Session) { s.providers = reg }
}

// WithSteps replaces the built-in step registry
func WithSteps(reg *flow.Registry) Option {
	return func(s *Session) { s.steps = reg }
}

// New creates a session. The vault is loaded from the configuration unless
// WithVault is given; connections are opened on first use.
func New(cfg *config.BaseConfig, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.NewBaseConfig("tabul")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}
	s := &Session{
		cfg:         cfg,
		defaultConn: CwdConnection,
		out:         os.Stdout,
		logger:      logger.With(zap.String("component", "session"), zap.String("session", cfg.Name)),
		conns:       make(map[string]*connection.Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.providers == nil {
		s.providers = all.NewRegistry()
	}
	if s.steps == nil {
		s.steps = steps.NewRegistry()
	}
	if s.vault == nil {
		v, err := vault.Load(cfg.Vault.Path)
		if err != nil {
			if v == nil {
				return nil, err
			}
			// the valid connections are loaded; the invalid ones stay unusable
			s.logger.Warn("vault has invalid connections", zap.String("vault", cfg.Vault.Path), zap.Error(err))
		}
		s.vault = v
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot read the working directory")
	}
	s.builtins = map[string]*connection.Definition{
		MemoryConnection: connection.NewDefinition(MemoryConnection, "memory://"),
		CwdConnection:    connection.NewDefinition(CwdConnection, fs.URI(cwd)),
		TmpConnection:    connection.NewDefinition(TmpConnection, fs.URI(filepath.Join(cfg.Home, "tmp"))),
	}
	for _, def := range s.builtins {
		def.Attributes.Set("builtin", "true", connection.OriginInternal)
	}
	return s, nil
}

// Config implements flow.Session
func (s *Session) Config() *config.BaseConfig { return s.cfg }

// Out implements flow.Session
func (s *Session) Out() io.Writer { return s.out }

// DefaultConnection implements flow.Session
func (s *Session) DefaultConnection() string { return s.defaultConn }

// Vault returns the connection vault
func (s *Session) Vault() *vault.Vault { return s.vault }

// Providers returns the connector provider registry
func (s *Session) Providers() *connection.Registry { return s.providers }

// Steps returns the step registry
func (s *Session) Steps() *flow.Registry { return s.steps }

// Definition returns the definition of a named connection, from the vault
// first then from the built-ins
func (s *Session) Definition(name string) (*connection.Definition, bool) {
	if def, ok := s.vault.Connection(name); ok {
		return def, true
	}
	def, ok := s.builtins[name]
	return def, ok
}

// Definitions returns every known connection definition, sorted by name
func (s *Session) Definitions() []*connection.Definition {
	byName := make(map[string]*connection.Definition, len(s.builtins))
	for name, def := range s.builtins {
		byName[name] = def
	}
	defs, _ := s.vault.Connections()
	for _, def := range defs {
		byName[def.Name] = def
	}
	out := make([]*connection.Definition, 0, len(byName))
	for _, def := range byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connection implements flow.Session. The connection is opened on first
// use and stays open until Close.
func (s *Session) Connection(ctx context.Context, name string) (*connection.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New(errors.ErrorTypeState, "session is closed")
	}
	if conn, ok := s.conns[name]; ok {
		return conn, nil
	}
	def, ok := s.Definition(name)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connection %s is not defined", name)
	}
	if s.cfg.Timeouts.Connection > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeouts.Connection)
		defer cancel()
	}
	conn, err := s.providers.Resolve(ctx, def)
	if err != nil {
		return nil, err
	}
	s.conns[name] = conn
	s.logger.Debug("connection opened", zap.String("connection", name), zap.String("uri", def.URI))
	return conn, nil
}

// Memory implements flow.Session
func (s *Session) Memory() *connection.Connection {
	conn, err := s.Connection(context.Background(), MemoryConnection)
	if err != nil {
		// the memory provider cannot fail to open
		panic(err)
	}
	return conn
}

// DataPath resolves a data URI against the session connections
func (s *Session) DataPath(ctx context.Context, dataURI string) (*connection.DataPath, error) {
	return flow.ResolveDataPath(ctx, s, dataURI, connection.MediaTypeUnknown)
}

// Select resolves a data selector against the session connections
func (s *Session) Select(ctx context.Context, selector string) ([]*connection.DataPath, error) {
	return flow.SelectDataPaths(ctx, s, selector, connection.MediaTypeUnknown)
}

// Pipeline creates an empty pipeline resolving steps in the session registry
func (s *Session) Pipeline(name string) *flow.Pipeline {
	return flow.New(name, s.steps)
}

// LoadPipeline reads a pipeline manifest
func (s *Session) LoadPipeline(path string) (*flow.Pipeline, error) {
	return flow.LoadPipeline(path, s.steps)
}

// Run executes a pipeline in the session
func (s *Session) Run(ctx context.Context, p *flow.Pipeline) ([]*connection.DataPath, error) {
	return p.Execute(ctx, s)
}

// Close closes every open connection. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for name, conn := range s.conns {
		err = multierr.Append(err, conn.Close())
		delete(s.conns, name)
	}
	return err
}
