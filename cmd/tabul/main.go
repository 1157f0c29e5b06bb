// Command tabul moves and inspects tabular data across connections: files,
// SQL databases, object stores and in-memory resources.
//
//	tabul vault add warehouse "postgres://user@localhost/dwh"
//	tabul data list "*.csv@cd"
//	tabul transfer "*.csv@cd" '${logicalName}@warehouse'
//	tabul flow run pipeline.yml
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/tabular"
)

var version = "0.1.0"

// app holds the state shared by the commands of one invocation
type app struct {
	configFile        string
	logLevel          string
	home              string
	defaultConnection string
	profile           profiler

	cfg     *config.BaseConfig
	session *tabular.Session
	out     io.Writer
	log     *zap.Logger
}

// setup loads the configuration and initializes the logger
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(a.configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if a.home != "" {
		// the default vault follows the home directory
		if cfg.Vault.Path == filepath.Join(cfg.Home, "connections.ini") {
			cfg.Vault.Path = filepath.Join(a.home, "connections.ini")
		}
		cfg.Home = a.home
	}
	if a.logLevel != "" {
		cfg.Observability.LogLevel = a.logLevel
	}
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
		Output:   cmd.ErrOrStderr(),
	}); err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()
	a.log = logger.With(zap.String("component", "tabul-cli"))
	return a.profile.start()
}

// open returns the session, creating it on first use
func (a *app) open() (*tabular.Session, error) {
	if a.session != nil {
		return a.session, nil
	}
	opts := []tabular.Option{tabular.WithOutput(a.out)}
	if a.defaultConnection != "" {
		opts = append(opts, tabular.WithDefaultConnection(a.defaultConnection))
	}
	s, err := tabular.New(a.cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.session = s
	return s, nil
}

// close releases the session connections, whether the command failed or not
func (a *app) close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.log.Warn("failed to close connections", zap.Error(err))
		}
	}
	if err := a.profile.stop(); err != nil && a.log != nil {
		a.log.Warn("failed to write profiles", zap.Error(err))
	}
	_ = logger.Sync()
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tabul",
		Short: "Tabulify - move and inspect tabular data across connections",
		Long: `Tabulify addresses every table, file or object as path@connection and moves
rows between them with transfers or declarative pipelines.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.home, "home", "", "Home directory of the vault and temporary files")
	root.PersistentFlags().StringVar(&a.defaultConnection, "default-connection", "", "Connection of data URIs without one (default cd)")
	root.PersistentFlags().StringVar(&a.profile.cpuFile, "cpu-profile", "", "Write a CPU profile to this file")
	root.PersistentFlags().StringVar(&a.profile.memFile, "mem-profile", "", "Write a heap profile to this file on exit")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tabulify v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(
		newProviderCommand(a),
		newVaultCommand(a),
		newDataCommand(a),
		newTransferCommand(a),
		newFlowCommand(a),
	)
	return root
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		printError(os.Stderr, err, a.logLevel == "debug")
		os.Exit(1)
	}
}

// printError prints the error message, or with verbose the details and
// stack of the structured error it wraps
func printError(w io.Writer, err error, verbose bool) {
	var e *errors.Error
	if verbose && errors.As(err, &e) {
		fmt.Fprintf(w, "%v\n%+v\n", err, e)
		return
	}
	fmt.Fprintln(w, err)
}
