package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/nodegraph/internal/api"
	"github.com/gyaneshwarpardhi/nodegraph/internal/cache"
	"github.com/gyaneshwarpardhi/nodegraph/internal/config"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dispatch"
	"github.com/gyaneshwarpardhi/nodegraph/internal/engine"
	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
	"github.com/gyaneshwarpardhi/nodegraph/internal/simkernel"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/graph.yaml", "Path to graph YAML config")
	latency := flag.Duration("kernel-latency", 0, "Simulated per-call kernel latency")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, slog.Default())
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	env, err := config.ParamsToCty(cfg.Environment)
	if err != nil {
		slog.Error("invalid environment", "err", err)
		os.Exit(1)
	}

	// ── Kernel sessions ───────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k := simkernel.New(simkernel.WithLatency(*latency))
	catalog := simkernel.Catalog()
	disp, err := dispatch.New(ctx, nodedef.Bridge(catalog, k.Factory()), dispatch.Config{
		Sessions:    cfg.Engine.Sessions,
		QueueDepth:  cfg.Engine.QueueDepth,
		TaskTimeout: time.Duration(cfg.Engine.TaskTimeoutMs) * time.Millisecond,
		MaxRestarts: cfg.Engine.MaxRestarts,
		TaskRetries: cfg.Engine.TaskRetries,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to start kernel sessions", "err", err)
		os.Exit(1)
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	results := cache.New(cfg.Engine.CacheBudgetBytes, cache.WithLogger(logger))
	eng := engine.New(dag.NewGraph(catalog), results, disp, env, engine.Config{
		BackpressureRetry: time.Duration(cfg.Engine.BackpressureRetryMs) * time.Millisecond,
		SubscriberBuffer:  cfg.Engine.SubscriberBuffer,
		ShutdownGrace:     time.Duration(cfg.Engine.ShutdownGraceMs) * time.Millisecond,
		Logger:            logger,
	})
	if _, err := eng.Reconcile(cfg.Graph, env); err != nil {
		slog.Error("failed to build graph", "err", err)
		os.Exit(1)
	}
	slog.Info("graph built", "nodes", eng.Graph().Len(), "types", len(catalog.Types()))

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		env, err := config.ParamsToCty(newCfg.Environment)
		if err != nil {
			slog.Warn("hot-reload skipped: environment invalid", "err", err)
			return
		}
		results.SetBudget(newCfg.Engine.CacheBudgetBytes)
		run, err := eng.Reconcile(newCfg.Graph, env)
		if err != nil {
			slog.Warn("hot-reload skipped: graph rejected", "err", err)
			return
		}
		if run == nil {
			slog.Info("graph hot-reloaded, nothing changed")
			return
		}
		slog.Info("graph hot-reloaded", "nodes", eng.Graph().Len(), "run", run.ID, "epoch", run.Epoch)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		slog.Info("watching config", "path", loader.Path())
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(eng, disp, loader, logger)
	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	eng.Shutdown()
	if err := disp.Close(); err != nil {
		slog.Warn("dispatcher close", "err", err)
	}
	cancel()
	slog.Info("goodbye")
}

func newLogger(c config.LogConf) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
