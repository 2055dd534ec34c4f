package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/netlens/internal/api"
	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/config"
	"github.com/dgnsrekt/netlens/internal/engine"
	"github.com/dgnsrekt/netlens/internal/hook"
	"github.com/dgnsrekt/netlens/internal/mux"
	"github.com/dgnsrekt/netlens/internal/netutil"
	"github.com/dgnsrekt/netlens/internal/pagemon"
	"github.com/dgnsrekt/netlens/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		slog.Debug("log directory creation failed", "error", err)
	}
	logWriter := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "netlens.log"),
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting netlens capture engine")
	slog.Info("Configuration loaded",
		"cdp_address", cfg.CDPAddress,
		"cdp_port", cfg.CDPPort,
		"hooks_dir", cfg.HooksDir,
		"data_dir", cfg.DataDir,
		"max_captures", cfg.MaxCaptures,
		"streaming", cfg.Streaming,
		"api_port", cfg.APIPort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := hook.NewRegistry()
	if n, err := hook.LoadDir(registry, cfg.HooksDir); err != nil {
		slog.Warn("Hook definitions not loaded", "dir", cfg.HooksDir, "error", err)
	} else {
		slog.Info("Hook definitions loaded", "dir", cfg.HooksDir, "count", n)
	}
	if cfg.WatchHooks {
		stop, err := hook.Watch(ctx, registry, cfg.HooksDir)
		if err != nil {
			slog.Warn("Hook hot-reload unavailable", "error", err)
		} else {
			defer stop()
		}
	}
	slog.Info("Hooks registered", "hooks", registry.HookCount(), "patterns", registry.PatternCount())

	st := store.New(cfg.DataDir, store.Options{
		MaxCaptures:   cfg.MaxCaptures,
		Streaming:     cfg.Streaming,
		BufferSize:    cfg.BufferSize,
		MaxFileSizeMB: cfg.MaxFileSizeMB,
	})
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}()

	cdpURL := cfg.GetCDPURL()
	eng, err := engine.New(engine.Options{
		Registry: registry,
		Store:    st,
		Monitor: func(sessionID string, reg *hook.Registry, emit func(capture.Record)) engine.Runner {
			return pagemon.New(sessionID, cdpURL, reg, emit)
		},
		Mux: func(sessionID string, reg *hook.Registry, emit func(capture.Record)) engine.Runner {
			return mux.New(sessionID, reg, mux.HTTPDialer(cdpURL), emit)
		},
	})
	if err != nil {
		slog.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}

	sessionID := uuid.NewString()
	if err := eng.StartMonitoring(ctx, sessionID, "default"); err != nil {
		slog.Error("Failed to start monitoring", "error", err)
		slog.Info("Make sure the browser is running with remote debugging enabled")
		os.Exit(1)
	}
	slog.Info("Monitoring session active", "session_id", sessionID)

	apiAddr, err := netutil.SelectBindAddr(
		fmt.Sprintf(":%d", cfg.APIPort),
		[]string{fmt.Sprintf(":%d", cfg.APIPort+1), fmt.Sprintf(":%d", cfg.APIPort+2)},
		true,
	)
	if err != nil {
		slog.Error("No usable API bind address", "error", err)
		os.Exit(1)
	}
	server := &http.Server{
		Addr:    apiAddr,
		Handler: api.NewServer(eng),
	}
	go func() {
		slog.Info("API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown failed", "error", err)
	}
	if err := eng.CleanupAll(); err != nil {
		slog.Warn("Session cleanup failed", "error", err)
	}
	cancel()
	slog.Info("Netlens stopped")
}
