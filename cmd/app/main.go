package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dartscoach/internal/api/v1/router"
	"dartscoach/internal/config"
	"dartscoach/internal/logger"
	"dartscoach/internal/service"

	"github.com/joho/godotenv"
)

// @title DartsCoach API
// @version 1.0
// @description Throw analysis and coaching API
// @host localhost:8080
// @BasePath /v1
// @Schemes http https

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// In production, credentials absent from the environment come from Secret
	// Manager.
	if cfg.Environment != "development" {
		secrets, err := service.NewSecretManagerService(context.Background(), cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("Secret Manager unavailable; using environment credentials only")
		} else {
			service.ResolveSecrets(context.Background(), cfg, secrets)
			secrets.Close()
		}
	}

	// 2. Build router (and get DB connection and dispatcher)
	r, db, dispatcher, err := router.New(cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to build router: %v", err)
	}
	defer db.Close()

	// 3. Start the dispatch worker pool
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatcher.Start(dispatchCtx)

	// 4. Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Minute, // large video uploads
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 5. Start server in a goroutine
	go func() {
		logger.Info().Msgf("🚀 Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Msgf("Listen: %s\n", err)
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal().Msgf("Server forced to shutdown: %v", err)
	}

	// Drain queued dispatches before exiting so reserved quota units are not
	// stranded on jobs the engine never received.
	dispatcher.Shutdown()
	logger.Info().Msg("Server shut down gracefully")
}
