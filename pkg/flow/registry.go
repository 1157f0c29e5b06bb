package flow

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
)

// Registry maps operation names to step providers
type Registry struct {
	mu        sync.RWMutex
	providers []StepProvider
	byOp      map[string]StepProvider
	logger    *zap.Logger
}

// NewRegistry creates an empty step registry
func NewRegistry() *Registry {
	return &Registry{
		byOp:   make(map[string]StepProvider),
		logger: logger.With(zap.String("component", "step_registry")),
	}
}

// Register adds a provider under every operation name it declares
func (r *Registry) Register(p StepProvider) error {
	ops := p.Operations()
	if len(ops) == 0 {
		return errors.New(errors.ErrorTypeConfig, "step provider declares no operation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		if _, exists := r.byOp[normalizeOperation(op)]; exists {
			return errors.Newf(errors.ErrorTypeConfig, "step operation %s already registered", op)
		}
	}
	for _, op := range ops {
		r.byOp[normalizeOperation(op)] = p
	}
	r.providers = append(r.providers, p)
	r.logger.Debug("step registered", zap.Strings("operations", ops))
	return nil
}

// Provider returns the provider of an operation
func (r *Registry) Provider(operation string) (StepProvider, error) {
	r.mu.RLock()
	p, ok := r.byOp[normalizeOperation(operation)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown step operation %q; valid operations are: %s",
			operation, strings.Join(r.Operations(), ", "))
	}
	return p, nil
}

// Providers returns the providers in registration order
func (r *Registry) Providers() []StepProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StepProvider(nil), r.providers...)
}

// Operations returns every operation name, sorted
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ops []string
	for _, p := range r.providers {
		ops = append(ops, p.Operations()...)
	}
	sort.Strings(ops)
	return ops
}
