package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/auth"
	"github.com/erauner12/prefstore-api/internal/config"
	"github.com/erauner12/prefstore-api/internal/httpapi"
	"github.com/erauner12/prefstore-api/internal/store"
	"github.com/erauner12/prefstore-api/internal/store/driver"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "prefstore-api").Logger()

	cfg := config.FromEnv()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	adapter, err := driver.Open(ctx, cfg.StoreURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage backend")
	}
	defer adapter.Close()

	authn, err := auth.New(cfg.AuthConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid auth configuration")
	}

	srv := &httpapi.Server{
		Store:          store.NewService(adapter, cfg.Limits),
		Auth:           authn,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("authMode", string(cfg.AuthMode())).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := adapter.Close(); err != nil {
		log.Error().Err(err).Msg("storage close error")
	}

	log.Info().Msg("server stopped")
}
