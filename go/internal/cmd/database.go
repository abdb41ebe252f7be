package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoreboard/go/internal/dbconfig"
)

func setupDatabase(ctx context.Context) (*pgxpool.Pool, string, error) {
	dbConfig := dbconfig.NewConfigFromEnv()
	dsn := dbConfig.DSN()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Msg("Connected to database")

	return pool, dsn, nil
}
