package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okian/mindtriage/internal/adapters/http/api"
	service "github.com/okian/mindtriage/internal/app"
	"github.com/okian/mindtriage/internal/config"
	"github.com/okian/mindtriage/pkg/logger"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Root context with cancel on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := flags.setup(ctx, os.Stdout)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("dev") {
				cfg.DevMode = dev
			}
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&dev, "dev", false, "allow backdating and skip the rapid cooldown")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()

	svc := service.New(cfg)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	apiServer := api.NewServer(svc,
		api.WithDevMode(cfg.DevMode),
		api.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		api.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		api.WithRequestTimeout(cfg.HTTP.WriteTimeout),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiServer.Handler(ctx),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.HTTP.Addr),
			logger.Bool("devMode", cfg.DevMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%w: %w", api.ErrServe, err)
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info(ctx, "shutting down server...")
	case serveErr = <-errc:
		log.Error(ctx, "HTTP server failed", logger.Error(serveErr))
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	svc.Stop(shutdownCtx)

	log.Info(ctx, "server stopped")
	return serveErr
}
