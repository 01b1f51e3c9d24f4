package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yuanwj/gemini-chat/internal/config"
	"github.com/yuanwj/gemini-chat/internal/gemini"
	"github.com/yuanwj/gemini-chat/internal/server"
	"github.com/yuanwj/gemini-chat/internal/store"
)

func main() {
	cfg := config.Load()

	slog.Info("starting gemini-chat",
		"listen", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"static_dir", cfg.StaticDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// The genai client is built per request from the caller's API key; only
	// the store and config live for the whole process.
	providers := func(ctx context.Context, apiKey string) (server.Provider, error) {
		return gemini.NewClient(ctx, apiKey)
	}

	srv := server.New(cfg, st, providers)
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	case err := <-srvErr:
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
