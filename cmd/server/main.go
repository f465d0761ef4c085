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

	"huddle/internal/auth"
	"huddle/internal/config"
	"huddle/internal/otelutil"
	"huddle/internal/registry"
	"huddle/internal/relay"
	"huddle/internal/store"
	"huddle/internal/typing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := otelutil.Init(); err != nil {
		logger.Warn("tracing disabled", slog.Any("error", err))
	}
	defer otelutil.Flush()

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	reg := registry.New()
	rel := relay.New(reg, db, db, db, typing.NewTracker(cfg.Typing.TTL), logger)
	verifier := auth.NewVerifier(cfg.Server.JWTSecret)
	srv := NewServer(cfg, reg, rel, verifier, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: srv.Router(),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("server forced to shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("starting huddle server", slog.String("addr", cfg.Server.Address))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}
