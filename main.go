package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rss-service/config"
	"rss-service/internal/app"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := application.Start(ctx); err != nil {
		logger.Fatal("failed to start background workers", zap.Error(err))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				application.ReloadAI()
			}
		}
	}()

	server := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           application.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous feed updates may take a full fetch timeout.
		WriteTimeout: cfg.FetchTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server started",
			zap.String("port", cfg.AppPort),
			zap.String("environment", cfg.Environment),
			zap.String("db_driver", cfg.DBDriver),
			zap.Duration("refresh_interval", cfg.RefreshInterval))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Warn("application shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
