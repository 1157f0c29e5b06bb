// Package testutil provides testing utilities for Tabulify
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/connector/memory"
	"github.com/tabulify/tabulify/pkg/logger"
)

// TestLogger creates a logger that writes warnings and errors to the test
// output and installs it as the global logger until the test completes.
// Components capture the global logger when they are created, so call it
// first.
func TestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	previous := logger.Get()
	l := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	logger.Set(l)
	t.Cleanup(func() { logger.Set(previous) })
	return l
}

// TestContext creates a context with a 30-second timeout, cancelled when the
// test completes
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Config returns a valid configuration whose home and vault live in a
// temporary directory
func Config(t *testing.T) *config.BaseConfig {
	t.Helper()
	cfg := config.NewBaseConfig("test")
	cfg.Home = t.TempDir()
	cfg.Vault.Path = filepath.Join(cfg.Home, "connections.ini")
	return cfg
}

// MemoryConnection opens a fresh memory connection named memory
func MemoryConnection(t *testing.T) *connection.Connection {
	t.Helper()
	reg := connection.NewRegistry()
	if err := reg.Register(memory.NewProvider()); err != nil {
		t.Fatalf("cannot register memory provider: %v", err)
	}
	conn, err := reg.Resolve(context.Background(), connection.NewDefinition("memory", "memory://"))
	if err != nil {
		t.Fatalf("cannot open memory connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
