package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Could not load .env file")
	}

	config, err := loadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, dsn, err := setupDatabase(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	services, err := setupServices(pool, dsn, config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire services")
	}

	services.Store.Start(ctx)
	go services.ConnectionManager.Start(ctx)

	if err := services.OutboxWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start outbox worker")
	}
	go func() {
		if err := services.OutboxListener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Outbox listener exited")
		}
	}()

	server := setupServer(services, config)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Scoreboard server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	services.Engine.Close()
	if err := services.OutboxWorker.Stop(); err != nil {
		log.Error().Err(err).Msg("Outbox worker stop failed")
	}
}
