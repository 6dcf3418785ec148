// Package config defines the process configuration of the usage platform.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"aisaas/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for every credential below.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"aisaas"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Email         EmailConfig
	AI            AIConfig
	Security      SecurityConfig
	Usage         UsageConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// IsLocal reports whether the process runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	PublicURL       string        `envconfig:"API_EXTERNAL_URL" default:"http://localhost:8080" validate:"url"`
	DashboardURL    string        `envconfig:"DASHBOARD_URL" default:"http://localhost:3000" validate:"url"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Empty disables usage notifications.
	NotificationQueueURL string `envconfig:"SQS_USAGE_NOTIFICATIONS" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// BillingConfig holds Stripe credentials and the price ids mapped to plans.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	ProPriceID          string       `envconfig:"STRIPE_PRO_PRICE_ID"`
	EnterprisePriceID   string       `envconfig:"STRIPE_ENTERPRISE_PRICE_ID"`
}

// EmailConfig holds email delivery provider settings.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY"`
	BaseURL        string       `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com" validate:"url"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"noreply@aisaas.dev" validate:"email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"AI SaaS"`
	Enabled        bool         `envconfig:"FEATURE_ENABLE_EMAIL" default:"true"`
}

// AIConfig holds completion provider credentials.
type AIConfig struct {
	OpenAIAPIKey     SecretString  `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com" validate:"url"`
	AnthropicAPIKey  SecretString  `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `envconfig:"ANTHROPIC_BASE_URL" default:"https://api.anthropic.com" validate:"url"`
	MaxTokens        int           `envconfig:"AI_MAX_TOKENS" default:"1000" validate:"min=1"`
	Timeout          time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
}

// SecurityConfig holds the cron trigger secret and CORS settings.
type SecurityConfig struct {
	// Empty leaves the cron endpoint unauthenticated.
	CronSecret         SecretString `envconfig:"CRON_SECRET"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// UsageConfig tunes the metering core.
type UsageConfig struct {
	WarningThresholdPercent int    `envconfig:"USAGE_WARNING_THRESHOLD" default:"90" validate:"min=1,max=100"`
	ResetBatchSize          int    `envconfig:"USAGE_RESET_BATCH_SIZE" default:"50" validate:"min=1,max=1000"`
	PruneOnReset            bool   `envconfig:"USAGE_PRUNE_ON_RESET" default:"true"`
	ResetSchedule           string `envconfig:"USAGE_RESET_SCHEDULE" default:"0 0 0 1 * *"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"AISaaS"`
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=cloudwatch prometheus none"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
