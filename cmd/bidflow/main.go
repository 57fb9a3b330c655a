package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bidworks/bidflow/internal/agents"
	"github.com/bidworks/bidflow/internal/api"
	"github.com/bidworks/bidflow/internal/engine"
	"github.com/bidworks/bidflow/internal/logging"
	"github.com/bidworks/bidflow/internal/scheduler"
	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/internal/streaming"
	"github.com/bidworks/bidflow/internal/validation"
	"github.com/bidworks/bidflow/pkg/mcp"
)

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "serve":
		runServe(false)
	case "mcp":
		// Stdio transport for agent hosts; logs go to stderr only.
		runServe(true)
	default:
		fmt.Fprintf(os.Stderr, "usage: bidflow [serve|mcp]\n")
		os.Exit(1)
	}
}

func runServe(stdioMCP bool) {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger, stdioMCP); err != nil {
		logger.Error("bidflow exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger, stdioMCP bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewMemoryHub()
	executor := agents.NewClient(cfg.stageEndpoints(), logger)
	controller := engine.NewController(st, hub, executor, logger, engine.Config{Workers: cfg.Workers})
	defer controller.Shutdown()

	sweeper, err := scheduler.NewSweeper(st, controller, cfg.SweepSchedule, logger)
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer func() { _ = sweeper.Stop() }()

	if stdioMCP {
		srv := mcp.NewBidflowServer(mcp.BidflowServerDeps{
			Engine: controller,
			Store:  st,
			Logger: logger,
		})
		logger.Info("bidflow mcp server listening on stdio")
		return srv.Serve(ctx)
	}

	validator, err := validation.NewRequestValidator()
	if err != nil {
		return fmt.Errorf("compile request schemas: %w", err)
	}
	apiServer := api.NewServer(api.Deps{
		Engine:    controller,
		Store:     st,
		Gateway:   streaming.NewGateway(st, hub, logger),
		Validator: validator,
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bidflow api listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
