package router

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"dartscoach/internal/api/v1/handler"
	"dartscoach/internal/config"
	"dartscoach/internal/dispatch"
	"dartscoach/internal/engine"
	"dartscoach/internal/middleware"
	"dartscoach/internal/pgmq"
	"dartscoach/internal/pubsub"
	"dartscoach/internal/repository"
	"dartscoach/internal/service"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/go-playground/validator/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// New wires the full API. It returns the handler, the DB pool, and the
// dispatcher so main can start and drain the worker pool around the server's
// lifetime.
func New(cfg *config.Config, logger zerolog.Logger) (http.Handler, *sql.DB, *dispatch.Dispatcher, error) {
	logger.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	// Open DB connection (connection pooling)
	dsn := cfg.DBConnectionString
	// In a development environment, we want to ensure that SSL is disabled for
	// local testing. In production, the connection string should be provided
	// with the correct SSL settings.
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		separator := " "
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			if strings.Contains(dsn, "?") {
				separator = "&"
			} else {
				separator = "?"
			}
		}
		dsn += separator + "sslmode=disable"
	}
	// For non-development environments that use a transaction pooler like pgbouncer,
	// we must use the simple query protocol to avoid issues with server-side prepared statements.
	if cfg.Environment != "development" {
		if !strings.Contains(dsn, "prefer_simple_protocol") {
			separator := "&"
			if !strings.Contains(dsn, "?") {
				separator = "?"
			}
			dsn += separator + "prefer_simple_protocol=true"
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open DB connection")
		return nil, nil, nil, err
	}
	if err := db.Ping(); err != nil {
		logger.Error().Err(err).Msg("Failed to ping DB")
		return nil, nil, nil, err
	}
	logger.Info().Msg("Database connection successful")

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// Initialize S3 client
	s3Config, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load S3 config")
		return nil, nil, nil, err
	}
	s3Client := s3.NewFromConfig(s3Config, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3URL)
		o.UsePathStyle = true
	})

	// Initialize validator
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Initialize Pub/Sub publisher
	pubSubPublisher, err := pubsub.NewPublisher(context.Background(), cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create Pub/Sub publisher")
		return nil, nil, nil, err
	}

	// Initialize repositories, queue and engine clients
	profileRepo := repository.NewProfileRepo(db)
	jobRepo := repository.NewJobRepository(db)
	queueClient := pgmq.New(db)

	engineClient := engine.NewClient(
		cfg.EngineBaseURL,
		cfg.EngineAPIKey,
		time.Duration(cfg.EngineRequestTimeoutSec)*time.Second,
		logger,
	)
	if !engineClient.Configured() {
		logger.Warn().Msg("No analysis engine base URL configured; jobs will stay queued")
	}

	// Initialize services
	videoStore := service.NewVideoStore(s3Client, cfg.S3Bucket, logger)
	quotaSvc := service.NewQuotaService(profileRepo, logger)
	stripeSvc := service.NewStripeService(cfg, profileRepo, logger)
	userSvc := service.NewUserService(profileRepo, stripeSvc, logger)

	dispatcher := dispatch.New(
		engineClient,
		jobRepo,
		profileRepo,
		videoStore,
		pubSubPublisher,
		cfg.PubSubJobEventsTopic,
		cfg.DispatchWorkers,
		cfg.DispatchQueueSize,
		logger,
	)

	jobSvc := service.NewJobService(
		jobRepo,
		quotaSvc,
		videoStore,
		dispatcher,
		pubSubPublisher,
		cfg.PubSubJobEventsTopic,
		cfg.EngineModel,
		logger,
	)

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobSvc, cfg.MaxUploadBytes, logger)
	userHandler := handler.NewUserHandler(userSvc, quotaSvc, validate)
	billingHandler := handler.NewBillingHandler(stripeSvc, validate, logger)
	engineEventsHandler := handler.NewEngineEventsHandler(jobRepo, queueClient, cfg.CompletionQueueName, logger)

	// Initialize middleware
	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret)
	isLocalDev := cfg.PubSubEmulatorHost != ""
	pubsubAuthMiddleware := middleware.PubSubAuthMiddleware(isLocalDev, cfg.EngineEventsAudience, cfg.PubSubPushServiceAccountEmail, logger)

	// Create ServeMux router
	mux := http.NewServeMux()

	// Create a subrouter for API v1
	apiV1Mux := http.NewServeMux()
	userHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	jobHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	billingHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	engineEventsHandler.RegisterRoutes(apiV1Mux, pubsubAuthMiddleware)

	// Stripe authenticates the webhook with its own signature, not a user token.
	apiV1Mux.HandleFunc("/billing/webhook", stripeSvc.HandleWebhook)

	// Mount the API v1 routes under /v1
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Add Swagger documentation
	mux.HandleFunc("/swagger/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./docs/swagger/swagger.json")
	})
	mux.Handle("/swagger/", http.StripPrefix("/swagger/", http.FileServer(http.Dir("./docs/swagger/swagger-ui"))))

	// Apply CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	return middleware.LoggerMiddleware(c.Handler(mux)), db, dispatcher, nil
}

// removeDisableGzip is a workaround for S3 signature errors with some S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		// Only remove the middleware if it exists.
		// This makes the client more robust, especially for operations like presigned URLs
		// that might inspect the middleware stack.
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}
