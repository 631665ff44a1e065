// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all broker configuration parsed from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	Port        int    `env:"PORT" envDefault:"8080"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"gpu-job-broker"`

	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:""`

	// Scheduling
	LeaseDuration     time.Duration `env:"LEASE_DURATION" envDefault:"5m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	WorkerDeadAfter   time.Duration `env:"WORKER_DEAD_AFTER" envDefault:"60s"`
	JanitorPeriod     time.Duration `env:"JANITOR_PERIOD" envDefault:"10s"`
	LeaseGrace        time.Duration `env:"LEASE_GRACE" envDefault:"5s"`
	CancelGrace       time.Duration `env:"CANCEL_GRACE" envDefault:"30s"`
	MatchScanCap      int           `env:"MATCH_SCAN_CAP" envDefault:"100"`
	// AgingBoostPerMinute raises a pending job's score per minute waited so
	// long-waiting jobs surface inside the bounded scan window.
	AgingBoostPerMinute int           `env:"AGING_BOOST_PER_MINUTE" envDefault:"1"`
	AgingBoostCap       int           `env:"AGING_BOOST_CAP" envDefault:"20"`
	AgingPeriod         time.Duration `env:"AGING_PERIOD" envDefault:"30s"`
	DefaultMaxAttempts  int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoffBase    time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"5s"`
	RetryBackoffMax     time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"5m"`

	// Workflows
	WorkflowModeDefault string `env:"WORKFLOW_MODE_DEFAULT" envDefault:"run_to_completion"`
	MaxWorkflowSteps    int    `env:"MAX_WORKFLOW_STEPS" envDefault:"64"`

	// Idempotency / retention
	IdempotencyTTL       time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	TerminalRetention    time.Duration `env:"TERMINAL_RETENTION" envDefault:"72h"`
	RetentionSweepPeriod time.Duration `env:"RETENTION_SWEEP_PERIOD" envDefault:"1h"`

	// Event bus
	StreamRetentionCount      int64         `env:"STREAM_RETENTION_COUNT" envDefault:"10000"`
	StreamRetention           time.Duration `env:"STREAM_RETENTION" envDefault:"168h"`
	ConsumerLagAlertThreshold int64         `env:"CONSUMER_LAG_ALERT_THRESHOLD" envDefault:"1000"`
	ConsumerBlock             time.Duration `env:"CONSUMER_BLOCK" envDefault:"5s"`

	// Webhook registry cache
	WebhookCacheRefresh time.Duration `env:"WEBHOOK_CACHE_REFRESH" envDefault:"30s"`

	// Store retry (transient failures only)
	StoreRetryInitialInterval time.Duration `env:"STORE_RETRY_INITIAL_INTERVAL" envDefault:"100ms"`
	StoreRetryMaxInterval     time.Duration `env:"STORE_RETRY_MAX_INTERVAL" envDefault:"2s"`
	StoreRetryMaxElapsed      time.Duration `env:"STORE_RETRY_MAX_ELAPSED" envDefault:"10s"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Egress sinks (cmd/sink)
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"broker-events"`
	ArchiveDBURL string   `env:"ARCHIVE_DB_URL" envDefault:""`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the broker is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the broker is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the broker is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
