// Package logger provides structured logging for Tabulify.
//
// A single process-wide zap logger is initialized from the configuration and
// shared by every component; components derive child loggers with a
// "component" field. Logs go to stderr by default so that data printed on
// stdout stays clean.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	mu           sync.Mutex
)

// contextKey is the type for context keys
type contextKey string

const (
	// RunIDKey is the context key for a pipeline run id
	RunIDKey contextKey = "run_id"
	// PipelineKey is the context key for the pipeline name
	PipelineKey contextKey = "pipeline"
	// StepKey is the context key for the step name
	StepKey contextKey = "step"
)

// contextFields are copied from the context by WithContext, in this order
var contextFields = []contextKey{RunIDKey, PipelineKey, StepKey}

// Config represents logger configuration
type Config struct {
	Level       string // debug, info, warn or error; info when empty
	Development bool
	Encoding    string    // json or console; json when empty
	Output      io.Writer // stderr when nil
}

// Init initializes the global logger. A later call replaces the logger.
func Init(cfg Config) error {
	logger, err := New(cfg)
	if err != nil {
		return err
	}
	Set(logger)
	return nil
}

// New builds a logger without installing it
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	encoding := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	switch cfg.Encoding {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoding)
	case "console":
		if cfg.Development {
			encoding.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoding)
	default:
		return nil, fmt.Errorf("invalid log encoding %q (json or console)", cfg.Encoding)
	}

	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level)

	opts := []zap.Option{zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(core, opts...), nil
}

// Get returns the global logger, an info level JSON logger on stderr until
// Init is called
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		// the default configuration always builds
		globalLogger, _ = New(Config{})
	}
	return globalLogger
}

// Set replaces the global logger. Tests use it with zaptest or zap.NewNop.
func Set(logger *zap.Logger) {
	mu.Lock()
	globalLogger = logger
	mu.Unlock()
}

// With creates a child logger with additional fields
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// WithContext returns a logger carrying the run, pipeline and step of ctx
func WithContext(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return Get().With(fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
