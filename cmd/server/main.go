package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/api"
	"github.com/sofvo/sofvo/internal/config"
	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/notify"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Pick the primary store: PostgreSQL, then SQLite, then in-memory.
	var ds store.DataStore
	switch {
	case cfg.DatabaseURL != "":
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		ds = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		ds = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	default:
		ds = store.NewMemoryStore()
		logger.Warn().Msg("no database configured, using in-memory store")
	}
	defer ds.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	var bridge realtime.Bridge
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		bridge = redisStore
		logger.Info().Msg("connected to Redis")
	}

	broker := realtime.NewBroker(logger, bridge, store.EventsChannel)
	go func() {
		if err := broker.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("realtime bridge stopped")
		}
	}()

	sweeper, err := notify.NewSweeper(ds, cfg.RetentionCron, cfg.NotificationRetention, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid notification retention settings")
	}
	go sweeper.Run(ctx)

	tokens := crypto.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)

	// Create router
	router := api.NewRouter(logger, ds, redisStore, broker, tokens, cfg)

	// Create server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Open streams never go idle; end them so Shutdown can drain ordinary requests.
	srv.RegisterOnShutdown(broker.Close)

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting Sofvo server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	// Stop the bridge and the sweeper once requests have drained.
	stop()

	logger.Info().Msg("server stopped")
}
