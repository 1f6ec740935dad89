package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/superstep/graph"
	"github.com/dshills/superstep/graph/config"
	"github.com/dshills/superstep/graph/emit"
)

type runFlags struct {
	configPath  string
	demo        string
	input       string
	approve     bool
	metricsAddr string
}

func newRunCommand() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demo workflow",
		Long: `Run one of the bundled demo workflows until it halts or runs out of work.

Pending approval requests are answered with the value of --approve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&flags.demo, "demo", "fanin", "demo workflow to run ("+strings.Join(demoNames(), ", ")+")")
	cmd.Flags().StringVarP(&flags.input, "input", "i", "the quick brown fox", "input message for the start executor")
	cmd.Flags().BoolVar(&flags.approve, "approve", true, "answer to approval requests")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	return cmd
}

func runDemo(cmd *cobra.Command, flags *runFlags) error {
	build, ok := demos[flags.demo]
	if !ok {
		return fmt.Errorf("unknown demo %q (available: %s)", flags.demo, strings.Join(demoNames(), ", "))
	}

	cfg, err := config.NewLoader().WithConfigPath(flags.configPath).Load()
	if err != nil {
		return err
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = flags.metricsAddr
	}

	logger, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		stop, err := serveMetrics(cfg.Metrics.Addr, registry, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	wf, err := build()
	if err != nil {
		return fmt.Errorf("build demo %s: %w", flags.demo, err)
	}

	opts := append(cfg.Options(logger, registry), graph.WithEmitter(emit.NewLogEmitter(logger)))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runner, err := graph.Stream(ctx, wf, flags.input, opts...)
	if err != nil {
		return err
	}

	if err := drive(ctx, runner, flags.approve); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, out := range runner.Outputs() {
		fmt.Fprintln(w, out)
	}
	fmt.Fprintf(w, "run %s: %s after %d supersteps\n", runner.RunID(), runner.Status(), runner.Supersteps())
	return nil
}

// drive runs supersteps and answers every pending request until the run
// stops making progress.
func drive(ctx context.Context, runner *graph.LocalRunner, approve bool) error {
	for {
		if err := runner.RunUntilHalt(ctx); err != nil {
			return err
		}
		pending := runner.PendingRequests()
		if runner.Status() != graph.StatusAwaitingResponse || len(pending) == 0 {
			return nil
		}
		for _, req := range pending {
			if err := runner.SendResponse(ctx, req.Respond(approve)); err != nil {
				return fmt.Errorf("answer request %s: %w", req.RequestID, err)
			}
		}
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
