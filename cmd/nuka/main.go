package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/api"
	"github.com/nidhogg/nuka-flow/internal/app"
	"github.com/nidhogg/nuka-flow/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/nuka.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()
	pipeline, err := app.Build(ctx, cfg, app.Options{Persist: true, Notify: true}, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	opts := api.Options{
		Workflows: pipeline.Orchestrator,
		Tracker:   pipeline.Tracker,
		Providers: pipeline.Router,
		Metrics:   promhttp.HandlerFor(pipeline.Registry, promhttp.HandlerOpts{}),
	}
	if pipeline.Store != nil {
		opts.Results = pipeline.Store
	}
	handler, err := api.NewHandler(opts, logger)
	if err != nil {
		logger.Fatal("failed to create api handler", zap.Error(err))
	}

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("nuka-flow listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down nuka-flow...")
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("workflows still running at shutdown", zap.Error(err))
	}
	if err := pipeline.Close(shutdownCtx); err != nil {
		logger.Warn("release resources", zap.Error(err))
	}
}
