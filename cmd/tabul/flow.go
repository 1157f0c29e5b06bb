package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/observability"
)

func newFlowCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Run and validate pipeline manifests",
	}

	var (
		enableMetrics bool
		metricsAddr   string
		enableTracing bool
	)
	runCmd := &cobra.Command{
		Use:   "run <pipeline.yml>...",
		Short: "Run pipeline manifests in order",
		Long: `Run pipeline manifests one after the other. Every manifest is validated
before the first one starts.

Example:
  tabul flow run load.yml --metrics --metrics-addr :9090`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			pipelines := make([]*flow.Pipeline, 0, len(args))
			for _, file := range args {
				p, err := s.LoadPipeline(file)
				if err != nil {
					return err
				}
				pipelines = append(pipelines, p)
			}

			obs := a.cfg.Observability
			if cmd.Flags().Changed("metrics") {
				obs.EnableMetrics = enableMetrics
			}
			if cmd.Flags().Changed("metrics-addr") {
				obs.MetricsAddress = metricsAddr
			}
			if cmd.Flags().Changed("trace") {
				obs.EnableTracing = enableTracing
			}
			if obs.EnableTracing {
				shutdown, err := observability.InitTracing(observability.TracingConfig{
					ServiceName:    "tabulify",
					ServiceVersion: version,
					SamplingRate:   1.0,
				})
				if err != nil {
					return fmt.Errorf("failed to initialize tracing: %w", err)
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(ctx); err != nil {
						a.log.Warn("failed to flush traces", zap.Error(err))
					}
				}()
			}
			if obs.EnableMetrics {
				stop := serveMetrics(a.log, obs.MetricsAddress)
				defer stop()
			}

			for _, p := range pipelines {
				start := time.Now()
				out, err := s.Run(cmd.Context(), p)
				if err != nil {
					return fmt.Errorf("pipeline %s: %w", p.Name(), err)
				}
				a.log.Info("pipeline completed",
					zap.String("pipeline", p.Name()),
					zap.Int("outputs", len(out)),
					zap.Duration("duration", time.Since(start)))
			}
			return nil
		},
	}
	runCmd.Flags().BoolVar(&enableMetrics, "metrics", false, "Expose prometheus metrics while the pipelines run")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Listen address of the /metrics endpoint")
	runCmd.Flags().BoolVar(&enableTracing, "trace", false, "Print step traces to stdout")
	cmd.AddCommand(runCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <pipeline.yml>...",
		Short: "Check pipeline manifests without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			for _, file := range args {
				p, err := s.LoadPipeline(file)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: pipeline %s is valid (%d steps)\n", file, p.Name(), len(p.Steps()))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "steps",
		Short: "List the step operations and their arguments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			var rows [][]string
			for _, p := range s.Steps().Providers() {
				var names []string
				for _, arg := range p.Arguments() {
					name := arg.Name
					if arg.Required {
						name += "*"
					}
					names = append(names, name)
				}
				mode := "streaming"
				if p.Accumulating() {
					mode = "accumulating"
				}
				var outputs []string
				for _, o := range p.OutputModes() {
					outputs = append(outputs, string(o))
				}
				rows = append(rows, []string{
					strings.Join(p.Operations(), ", "),
					mode,
					strings.Join(names, ", "),
					strings.Join(outputs, ", "),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"operations", "mode", "arguments", "outputs"}, rows)
			return nil
		},
	})
	return cmd
}

// serveMetrics exposes the prometheus registry until the returned stop
// function is called
func serveMetrics(log *zap.Logger, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.String("address", addr), zap.Error(err))
		}
	}()
	log.Info("metrics exposed", zap.String("address", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
