package connection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
)

// Provider builds the DataSystem of the connections whose URI scheme it
// accepts
type Provider interface {
	// Name identifies the provider
	Name() string
	// Accepts is the scheme predicate; scheme is lowercased
	Accepts(scheme string) bool
	// Open creates the backend of a connection
	Open(ctx context.Context, def *Definition) (DataSystem, error)
}

// Registry is the ordered provider list. Providers are registered
// explicitly at startup and resolved in registration order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		logger: logger.With(zap.String("component", "provider_registry")),
	}
}

// Register appends a provider
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.providers {
		if existing.Name() == p.Name() {
			return errors.Newf(errors.ErrorTypeConfig, "provider %s already registered", p.Name())
		}
	}
	r.providers = append(r.providers, p)
	r.logger.Debug("provider registered", zap.String("name", p.Name()))
	return nil
}

// Providers returns the providers in resolution order
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Provider returns the first provider accepting the scheme of uri
func (r *Registry) Provider(uri string) (Provider, error) {
	scheme := Scheme(uri)
	if scheme == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "uri %q has no scheme", uri)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Accepts(scheme) {
			return p, nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "no provider for scheme %q", scheme).
		WithDetail("uri", uri)
}

// Resolve opens the connection described by def
func (r *Registry) Resolve(ctx context.Context, def *Definition) (*Connection, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	p, err := r.Provider(def.URI)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "connection %s", def.Name)
	}
	system, err := p.Open(ctx, def)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "provider %s cannot open connection %s", p.Name(), def.Name)
	}
	r.logger.Debug("connection resolved",
		zap.String("connection", def.Name),
		zap.String("provider", p.Name()))
	return NewConnection(def, system), nil
}

// SchemeProvider is a Provider accepting a fixed scheme list
type SchemeProvider struct {
	ProviderName string
	Schemes      []string
	OpenFunc     func(ctx context.Context, def *Definition) (DataSystem, error)
}

// Name implements Provider
func (p *SchemeProvider) Name() string { return p.ProviderName }

// Accepts implements Provider
func (p *SchemeProvider) Accepts(scheme string) bool {
	for _, s := range p.Schemes {
		if s == scheme {
			return true
		}
	}
	return false
}

// Open implements Provider
func (p *SchemeProvider) Open(ctx context.Context, def *Definition) (DataSystem, error) {
	return p.OpenFunc(ctx, def)
}
