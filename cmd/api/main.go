// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/app"
	"github.com/spadaval/graphchat-sub000/internal/config"
	"github.com/spadaval/graphchat-sub000/internal/handler"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
	"github.com/spadaval/graphchat-sub000/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("storage", cfg.Storage.Backend),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "graphchat", cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	engine, err := app.New(startCtx, cfg, log)
	cancel()
	if err != nil {
		log.Error("failed to start engine", zap.Error(err))
		os.Exit(1)
	}

	router := handler.NewRouter(handler.RouterConfig{
		Store:               engine.Store,
		Chat:                engine.Chat,
		Threads:             engine.Threads,
		Params:              engine.Params,
		Documents:           engine.Documents,
		Storage:             engine.Backend,
		Logger:              log,
		AllowedOrigins:      cfg.CORS.AllowedOrigins,
		RateLimitRequests:   cfg.RateLimit.Requests,
		RateLimitWindow:     cfg.RateLimit.Window,
		GenerationRateLimit: cfg.RateLimit.Generations,
	})

	// WriteTimeout stays at its configured value; zero keeps long streams open.
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
	case err := <-serverErr:
		log.Error("server error", zap.Error(err))
		exitCode = 1
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := engine.Close(shutdownCtx); err != nil {
		log.Error("failed to close engine", zap.Error(err))
	}

	log.Info("server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
