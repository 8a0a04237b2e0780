package main

import (
	"context"
	"database/sql"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"dartscoach/internal/config"
	"dartscoach/internal/engine"
	"dartscoach/internal/logger"
	"dartscoach/internal/orchestrator/completion"
	"dartscoach/internal/pgmq"
	"dartscoach/internal/repository"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "completion", "Orchestrator mode: completion")
	flag.Parse()

	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Initialize DB connection
	db, err := sql.Open("pgx", cfg.DBConnectionString)
	if err != nil {
		logger.Fatal().Msgf("Failed to open DB connection: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal().Msgf("Failed to ping DB: %v", err)
	}
	logger.Info().Msg("Database connection established")

	// Initialize PGMQ client and repositories
	pgmqClient := pgmq.New(db)
	jobRepo := repository.NewJobRepository(db)
	dlqRepo := repository.NewDLQRepository(db)

	// Engine client, used to fetch full results for pushes that omit them
	engineClient := engine.NewClient(
		cfg.EngineBaseURL,
		cfg.EngineAPIKey,
		time.Duration(cfg.EngineRequestTimeoutSec)*time.Second,
		logger,
	)

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Dispatch to the selected orchestrator
	var runErr error
	switch *mode {
	case "completion":
		runErr = completion.Run(ctx, logger, pgmqClient, jobRepo, dlqRepo, engineClient)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		logger.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}

	logger.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
