// Package main provides the MCP server entry point for the retrieval
// pipeline.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bull/ragsworth/internal/app"
	"github.com/bull/ragsworth/internal/config"
	mcpserver "github.com/bull/ragsworth/internal/mcp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(os.Getenv("RAG_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Stdout carries the protocol in stdio mode, so logs always go to stderr.
	logger := app.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close backends", "error", err)
		}
	}()

	server := mcpserver.NewServer(&mcpserver.Config{
		Pipeline: a.Manager,
		Version:  version,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(a, server, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Server.Addr, "mode", cfg.Server.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	if cfg.Server.Mode == "stdio" {
		logger.Info("serving MCP over stdio")
		runErr = server.Run(ctx)
	} else {
		select {
		case <-ctx.Done():
		case runErr = <-errCh:
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// delete_document changes a flat index; keep the snapshot in step.
	if cfg.Index.Kind == "flat" && cfg.Index.Path != "" {
		if err := a.Persist(shutdownCtx, ""); err != nil {
			logger.Error("persist index on shutdown", "error", err)
		}
	}

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

func newMux(a *app.App, server *mcpserver.Server, cfg config.ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", mcpserver.NewHealthHandler(cfg.HealthTimeout, a.HealthChecks()))
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	if cfg.Mode != "stdio" {
		mux.Handle("/mcp", mcpserver.NewHTTPHandler(server, &mcpserver.HTTPHandlerOptions{Stateless: cfg.Stateless}))
	}
	mux.HandleFunc("/", mcpserver.NewLandingHandler("", a.Manager))
	return mux
}
