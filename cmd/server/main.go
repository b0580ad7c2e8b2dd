package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"relaychat/pkg/config"
	"relaychat/pkg/gateway"
	"relaychat/pkg/logging"
	"relaychat/pkg/relay"
)

var version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:          "relaychat-server",
		Short:        "Chat relay with per-connection X25519 + AES-GCM sessions",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (default searches for relaychat.yaml)")
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

// run serves until ctx is cancelled or a listener fails, then shuts down
// within cfg.ShutdownTimeout.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	defer memguard.Purge()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(cfg.Relay(),
		relay.WithLogger(logger),
		relay.WithMetrics(relay.NewMetrics(reg)),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	logger.Info("relaychat server starting",
		"version", version,
		"listen", ln.Addr().String(),
		"handshake_timeout", cfg.HandshakeTimeout,
		"idle_timeout", cfg.IdleTimeout)

	errc := make(chan error, 2)
	go func() {
		// Sessions are stopped by Shutdown so they receive the notice first.
		if err := srv.Serve(context.Background(), ln); !errors.Is(err, relay.ErrServerClosed) {
			errc <- fmt.Errorf("relay: %w", err)
		}
	}()

	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		gw := gateway.New(srv, gateway.WithLogger(logger), gateway.WithGatherer(reg))
		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           gw.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http gateway listening", "addr", cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http gateway: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errc:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http gateway shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not close in time", "error", err)
	}

	logger.Info("server stopped")
	return runErr
}
