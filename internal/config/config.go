package config

import (
	"os"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"development"`

	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	JWTSecret          string `envconfig:"SUPABASE_JWT_SECRET" required:"true"`

	S3URL       string `envconfig:"SUPABASE_S3_URL" required:"true"`
	S3Bucket    string `envconfig:"SUPABASE_S3_BUCKET" default:"throw-videos"`
	S3Region    string `envconfig:"SUPABASE_S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"SUPABASE_S3_ACCESS_KEY" required:"true"`
	S3SecretKey string `envconfig:"SUPABASE_S3_SECRET_KEY" required:"true"`

	// Analysis engine settings. EngineBaseURL is resolved in Load through a
	// fallback chain of env names kept for older deployments; an empty value
	// is allowed and leaves new jobs queued instead of failing creation.
	EngineBaseURL           string
	EngineAPIKey            string `envconfig:"ANALYSIS_ENGINE_API_KEY"`
	EngineModel             string `envconfig:"ANALYSIS_ENGINE_MODEL" default:"gpt-5-mini"`
	EngineRequestTimeoutSec int    `envconfig:"ANALYSIS_ENGINE_REQUEST_TIMEOUT_SEC" default:"120"`

	MaxUploadBytes int64 `envconfig:"MAX_UPLOAD_BYTES" default:"419430400"` // 400MB

	// Dispatcher settings
	DispatchWorkers   int `envconfig:"DISPATCH_WORKERS" default:"2"`
	DispatchQueueSize int `envconfig:"DISPATCH_QUEUE_SIZE" default:"64"`

	// Google Cloud settings
	GCPProjectID                  string `envconfig:"GCP_PROJECT_ID"`
	GCPProjectIDLocal             string `envconfig:"GCP_PROJECT_ID_LOCAL"`
	PubSubEmulatorHost            string `envconfig:"PUBSUB_EMULATOR_HOST"`
	PubSubJobEventsTopic          string `envconfig:"PUBSUB_JOB_EVENTS_TOPIC" default:"job-events"`
	EngineEventsAudience          string `envconfig:"ENGINE_EVENTS_AUDIENCE"`
	PubSubPushServiceAccountEmail string `envconfig:"PUBSUB_PUSH_SERVICE_ACCOUNT_EMAIL"`

	// Completion orchestrator settings
	CompletionQueueName           string `envconfig:"COMPLETION_QUEUE_NAME" default:"completion_queue"`
	CompletionPollTimeoutSec      int    `envconfig:"COMPLETION_POLL_TIMEOUT_SEC" default:"30"`
	CompletionPollMaxMsg          int    `envconfig:"COMPLETION_POLL_MAX_MSG" default:"1"`
	CompletionMaxRetries          int    `envconfig:"COMPLETION_MAX_RETRIES" default:"5"`
	CompletionBackoffInitialSec   int    `envconfig:"COMPLETION_BACKOFF_INITIAL_SEC" default:"1"`
	CompletionBackoffMaxSec       int    `envconfig:"COMPLETION_BACKOFF_MAX_SEC" default:"60"`
	CompletionDeadLetterQueueName string `envconfig:"COMPLETION_DEAD_LETTER_QUEUE_NAME" default:"completion_queue_dlq"`

	// Stripe settings
	StripeSecretKey       string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret   string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePriceStarter    string `envconfig:"STRIPE_PRICE_STARTER"`
	StripePriceMonthly    string `envconfig:"STRIPE_PRICE_MONTHLY"`
	StripePortalReturnURL string `envconfig:"STRIPE_PORTAL_RETURN_URL" default:"http://localhost:5173/account"`

	// Plan entitlements
	StarterAnalysisLimit int `envconfig:"STARTER_ANALYSIS_LIMIT" default:"3"`
	MonthlyAnalysisLimit int `envconfig:"MONTHLY_ANALYSIS_LIMIT" default:"30"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.EngineBaseURL = resolveEngineBaseURL()
	return &cfg, nil
}

// resolveEngineBaseURL checks the env names used across deployments, newest
// first. PYTHON_SERVICE_BASE_URL is the name the first deployment shipped with.
func resolveEngineBaseURL() string {
	for _, name := range []string{
		"ANALYSIS_ENGINE_BASE_URL",
		"ENGINE_SERVICE_URL",
		"PYTHON_SERVICE_BASE_URL",
	} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// GetGCPProjectID returns the project ID for the current environment.
func (c *Config) GetGCPProjectID() string {
	if c.Environment == "development" && c.GCPProjectIDLocal != "" {
		return c.GCPProjectIDLocal
	}
	return c.GCPProjectID
}
