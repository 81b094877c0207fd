package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cwbudde/lbfgsbridge/internal/config"
	"github.com/cwbudde/lbfgsbridge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	logLevel    string
	configPath  string
	metricsAddr string
	logger      *slog.Logger

	// cfg is loaded once per invocation before any subcommand runs.
	cfg *config.Config

	runMetrics    *metrics.Metrics
	metricsServer *http.Server
)

var rootCmd = &cobra.Command{
	Use:   "lbfgsbridge",
	Short: "L-BFGS minimization over foreign objective evaluators",
	Long: `lbfgsbridge drives an L-BFGS minimizer whose objective and gradient
are computed by an external evaluator: a builtin test function, a child
process speaking JSON lines, or a responder on a NATS subject.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(logOutput(cmd))

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if cmd.Flags().Changed("metrics-addr") {
			cfg.Metrics.Addr = metricsAddr
		}
		if cfg.Metrics.Addr != "" {
			startMetricsServer(cfg.Metrics.Addr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

// logOutput picks the log destination for cmd. Commands whose stdout carries
// a protocol (--stdio) log to stderr.
func logOutput(cmd *cobra.Command) io.Writer {
	if stdio, err := cmd.Flags().GetBool("stdio"); err == nil && stdio {
		return os.Stderr
	}
	return os.Stdout
}

// setupLogger installs the JSON logger writing to w.
func setupLogger(w io.Writer) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewJSONHandler(w, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func startMetricsServer(addr string) {
	registry := prometheus.NewRegistry()
	runMetrics = metrics.New(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer = srv
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
}

func stopMetricsServer() {
	if metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		slog.Warn("Metrics server shutdown failed", "error", err)
	}
	metricsServer = nil
}
