// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	Port          int    `env:"PORT" envDefault:"8080"`
	WebhookSecret string `env:"WEBHOOK_SECRET,notEmpty"`

	// Store
	StoreURL  string `env:"STORE_URL" envDefault:"redis://localhost:6379/0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"dripfeed"`

	// Downstream API
	DownstreamBaseURL      string `env:"DOWNSTREAM_BASE_URL"`
	DownstreamAPIKey       string `env:"DOWNSTREAM_API_KEY"`
	DownstreamTimeoutMS    int    `env:"DOWNSTREAM_TIMEOUT_MS" envDefault:"60000"`
	DownstreamMaxRetries   int    `env:"DOWNSTREAM_MAX_RETRIES" envDefault:"3"`
	DownstreamRetryDelayMS int    `env:"DOWNSTREAM_RETRY_DELAY_MS" envDefault:"1000"`

	// Drip scheduling
	DripIntervalMS      int `env:"DRIP_INTERVAL_MS" envDefault:"10000"`
	MaxJobAttempts      int `env:"MAX_JOB_ATTEMPTS" envDefault:"3"`
	JobRetryBaseDelayMS int `env:"JOB_RETRY_BASE_DELAY_MS" envDefault:"5000"`
	JobLeaseMS          int `env:"JOB_LEASE_MS" envDefault:"300000"`
	ClaimPollTimeoutMS  int `env:"CLAIM_POLL_TIMEOUT_MS" envDefault:"5000"`

	// Ingress
	MaxBatchSize     int    `env:"MAX_BATCH_SIZE" envDefault:"2000"`
	RateLimitPerMin  int    `env:"RATE_LIMIT_PER_MIN" envDefault:"100"`
	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`

	// Retention
	ResultTTLSeconds     int `env:"RESULT_TTL_SECONDS" envDefault:"86400"`
	BatchTTLSeconds      int `env:"BATCH_TTL_SECONDS" envDefault:"172800"`
	CompletedRetainCount int `env:"COMPLETED_RETAIN_COUNT" envDefault:"1000"`
	CompletedRetainHours int `env:"COMPLETED_RETAIN_HOURS" envDefault:"24"`
	FailedRetainCount    int `env:"FAILED_RETAIN_COUNT" envDefault:"500"`
	FailedRetainHours    int `env:"FAILED_RETAIN_HOURS" envDefault:"168"`

	// Callbacks
	CallbackMaxRetries   int `env:"CALLBACK_MAX_RETRIES" envDefault:"3"`
	CallbackTimeoutMS    int `env:"CALLBACK_TIMEOUT_MS" envDefault:"10000"`
	CallbackRetryDelayMS int `env:"CALLBACK_RETRY_DELAY_MS" envDefault:"1000"`

	// Observability
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"dripfeed"`

	// HTTP server
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ShutdownGrace         time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// DripInterval is the minimum wall-clock time between consecutive job starts.
func (c Config) DripInterval() time.Duration {
	return time.Duration(c.DripIntervalMS) * time.Millisecond
}

// DownstreamTimeout is the per-request timeout for downstream API calls.
func (c Config) DownstreamTimeout() time.Duration {
	return time.Duration(c.DownstreamTimeoutMS) * time.Millisecond
}

// DownstreamRetryDelay is the base delay for downstream transport retries.
func (c Config) DownstreamRetryDelay() time.Duration {
	return time.Duration(c.DownstreamRetryDelayMS) * time.Millisecond
}

// JobRetryBaseDelay is the base delay for job-level retry backoff.
func (c Config) JobRetryBaseDelay() time.Duration {
	return time.Duration(c.JobRetryBaseDelayMS) * time.Millisecond
}

// JobLease is the exclusive hold duration on a claimed job.
func (c Config) JobLease() time.Duration {
	return time.Duration(c.JobLeaseMS) * time.Millisecond
}

// ClaimPollTimeout bounds how long a single claim call blocks waiting for work.
func (c Config) ClaimPollTimeout() time.Duration {
	return time.Duration(c.ClaimPollTimeoutMS) * time.Millisecond
}

// CallbackTimeout is the per-attempt timeout for callback delivery.
func (c Config) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutMS) * time.Millisecond
}

// CallbackRetryDelay is the base delay for callback delivery retries.
func (c Config) CallbackRetryDelay() time.Duration {
	return time.Duration(c.CallbackRetryDelayMS) * time.Millisecond
}

// ResultTTL bounds how long result records are retained.
func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSeconds) * time.Second
}

// BatchTTL bounds how long batch counters are retained after creation.
func (c Config) BatchTTL() time.Duration {
	return time.Duration(c.BatchTTLSeconds) * time.Second
}
