// Package all registers every built-in provider. Registration is explicit:
// a program that only needs some backends registers their providers itself.
package all

import (
	"go.uber.org/multierr"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/connector/fs"
	"github.com/tabulify/tabulify/pkg/connector/memory"
	"github.com/tabulify/tabulify/pkg/connector/s3"
	"github.com/tabulify/tabulify/pkg/connector/sqldb"
)

// Providers returns the built-in providers in resolution order
func Providers() []connection.Provider {
	providers := []connection.Provider{memory.NewProvider(), fs.NewProvider()}
	providers = append(providers, sqldb.Providers()...)
	return append(providers, s3.NewProvider())
}

// Register adds the built-in providers to reg
func Register(reg *connection.Registry) error {
	var errs error
	for _, p := range Providers() {
		errs = multierr.Append(errs, reg.Register(p))
	}
	return errs
}

// NewRegistry returns a registry holding the built-in providers
func NewRegistry() *connection.Registry {
	reg := connection.NewRegistry()
	// the provider names are distinct, Register cannot fail on a new registry
	_ = Register(reg)
	return reg
}
