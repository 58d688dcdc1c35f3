package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"taskmill/internal/actions"
	"taskmill/internal/api"
	"taskmill/internal/config"
	"taskmill/internal/core"
	"taskmill/internal/logging"
	taskmillmcp "taskmill/internal/mcp"
	"taskmill/internal/notify"
	"taskmill/internal/store"
	"taskmill/internal/trigger"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	baseCtx := context.Background()
	st, err := store.Open(baseCtx, cfg.DBPath)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := core.NewRegistry()
	actions.RegisterAll(registry, nil, logger)
	logger.Info("actions registered", "types", registry.Types())

	dispatcher := notify.NewDispatcher(logger)
	dispatcher.Register("log", notify.NewLogSink(logger))
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhookSink(cfg.Notify.WebhookURL)
		if err != nil {
			logger.Error("configure webhook sink", "err", err)
			os.Exit(1)
		}
		dispatcher.Register("webhook", webhook)
	}
	if len(cfg.Notify.Channels) > 0 {
		dispatcher.SetDefaults(cfg.Notify.Channels...)
	}

	engine := core.NewEngine(st, registry, dispatcher, logger, core.EngineConfig{
		PollInterval:   cfg.Engine.PollInterval,
		Workers:        cfg.Engine.Workers,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		CancelGrace:    cfg.Engine.CancelGrace,
		LeaseGrace:     cfg.Engine.LeaseGrace,
		HistoryKeep:    cfg.Engine.HistoryKeep,
		TriggerRPS:     cfg.Engine.TriggerRPS,
		TriggerBurst:   cfg.Engine.TriggerBurst,
	})

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logger.Error("start engine", "err", err)
		os.Exit(1)
	}

	if cfg.WatchDirs != "" {
		watches, err := trigger.ParseWatches(cfg.WatchDirs)
		if err != nil {
			logger.Error("parse watch dirs", "err", err)
			os.Exit(1)
		}
		watcher := trigger.NewWatcher(engine, watches, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trigger watcher", "err", err)
			}
		}()
	}

	mcpServer := taskmillmcp.NewMCPServer(st, engine, registry, logger)

	switch cfg.Server.Mode {
	case "http", "":
		server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, engine, registry, mcpServer.Handler(), logger)
		runHTTPMode(cfg, server, engine, logger)
	case "mcp":
		runMCPMode(cfg, mcpServer, engine, logger, cancel)
	case "both":
		server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, engine, registry, mcpServer.Handler(), logger)
		runBothMode(cfg, server, mcpServer, engine, logger)
	default:
		logger.Error("invalid mode", "mode", cfg.Server.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// runHTTPMode serves the HTTP API until a signal or server error arrives.
func runHTTPMode(cfg *config.Config, server *api.Server, engine *core.Engine, logger *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	engine.Stop(cfg.ShutdownGrace)
	logger.Info("shutdown complete")
}

// runMCPMode serves MCP over stdio. ServeStdio returns when stdin
// closes; a signal cancels background work so in-flight runs settle.
func runMCPMode(cfg *config.Config, mcpServer *taskmillmcp.MCPServer, engine *core.Engine, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		engine.Stop(cfg.ShutdownGrace)
		os.Exit(1)
	}
	engine.Stop(cfg.ShutdownGrace)
	logger.Info("shutdown complete")
}

// runBothMode serves the HTTP API and MCP over stdio at the same time.
func runBothMode(cfg *config.Config, server *api.Server, mcpServer *taskmillmcp.MCPServer, engine *core.Engine, logger *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// The stdio stream cannot be interrupted; on group shutdown we
		// stop waiting for it and let it die with the process.
		errCh := make(chan error, 1)
		go func() { errCh <- mcpServer.Run() }()
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	engine.Stop(cfg.ShutdownGrace)
	logger.Info("shutdown complete")
}
