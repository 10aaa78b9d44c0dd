// Package main provides the CLI entry point for the Parley realtime client.
//
// Parley keeps a persistent push connection to the chat server, negotiates
// video-call sessions, and degrades to polling when the push channel is
// unavailable.
//
// # Basic Usage
//
// Run the client:
//
//	parley run --config parley.yaml
//
// # Environment Variables
//
//   - PARLEY_PUSH_URL: websocket push endpoint
//   - PARLEY_API_URL: signaling REST base URL
//   - PARLEY_API_TOKEN: bearer token for the REST API
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/coordinator"
	"github.com/parleyhq/parley/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "parley",
		Short:         "Realtime connection and call-signaling client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat server and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			slog.SetDefault(logger)

			var metrics *observability.Metrics
			if cfg.Metrics.Enabled {
				metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
				go serveMetrics(cfg.Metrics.Addr, logger)
			}

			coord := coordinator.New(cfg, logger, coordinator.Options{
				Metrics: metrics,
				OnSession: func(s call.Session) {
					logger.Info("call session",
						"state", string(s.State),
						"session_id", s.ID,
						"direction", string(s.Direction),
					)
				},
				OnAlert: func(n int) {
					logger.Info("new notifications while degraded", "count", n)
				},
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting parley", "push_url", cfg.Push.URL)
			if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("PARLEY_CONFIG"), "path to config file")
	return cmd
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint failed", "error", err)
	}
}
