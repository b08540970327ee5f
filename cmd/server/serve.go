package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"rentescrow/internal/config"
	"rentescrow/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var redriveInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the escrow HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&redriveInterval, "redrive-interval", time.Minute, "How often to redeliver DLQ entries (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	opts := server.Options{
		Events:     a.events(),
		Metrics:    a.metrics,
		Logger:     logger.Named("http"),
		QueueDepth: a.relay.UpdateDLQDepth,
	}
	if a.pool != nil {
		opts.DatabasePing = a.pool.Ping
	}
	apiServer := server.NewServer(cfg, a.backend, a.store, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return apiServer.Shutdown(shutdownCtx)
	})
	if redriveInterval > 0 && cfg.Service.DLQPath != "" {
		g.Go(func() error {
			ticker := time.NewTicker(redriveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n, err := a.relay.Redrive(gctx); err != nil {
						logger.Warn("dlq redrive", zap.Error(err))
					} else if n > 0 {
						logger.Info("dlq redrive", zap.Int("delivered", n))
					}
				}
			}
		})
	}

	return g.Wait()
}
