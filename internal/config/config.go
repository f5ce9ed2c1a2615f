package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "api", "jobs", or "all".
	Mode string `env:"FLEETSCALE_MODE" envDefault:"all"`

	// Server
	Host string `env:"FLEETSCALE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"FLEETSCALE_PORT" envDefault:"8080"`

	// Redis (the Store backing)
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Auth
	ProtectedAPI bool   `env:"PROTECTED_API" envDefault:"true"`
	JWTSecret    string `env:"JWT_SECRET"`

	// Locking
	GroupLockTTLMs      int `env:"GROUP_LOCK_TTL_MS" envDefault:"180000"`
	JobsCreationLockTTL int `env:"JOBS_CREATION_LOCK_TTL_MS" envDefault:"30000"`

	// Job ticks and grace periods
	GroupJobsCreationIntervalSec  int `env:"GROUP_JOBS_CREATION_INTERVAL_SEC" envDefault:"30"`
	SanityJobsCreationIntervalSec int `env:"SANITY_JOBS_CREATION_INTERVAL_SEC" envDefault:"240"`
	AutoscaleGraceSec             int `env:"AUTOSCALE_GRACE_SEC" envDefault:"30"`
	GroupJobsGraceSec             int `env:"GROUP_JOBS_GRACE_SEC" envDefault:"30"`
	SanityJobsGraceSec            int `env:"SANITY_JOBS_GRACE_SEC" envDefault:"240"`
	SanityLoopProcessingTimeoutMs int `env:"SANITY_LOOP_PROCESSING_TIMEOUT_MS" envDefault:"60000"`

	// TTLs
	MetricTTLSec   int `env:"METRIC_TTL_SEC" envDefault:"3600"`
	IdleTTLSec     int `env:"IDLE_TTL_SEC" envDefault:"300"`
	ShutdownTTLSec int `env:"SHUTDOWN_TTL_SEC" envDefault:"86400"`
	AuditTTLSec    int `env:"AUDIT_TTL_SEC" envDefault:"172800"`

	// Scaling safety
	MaxThrottleThreshold int `env:"MAX_THROTTLE_THRESHOLD" envDefault:"40"`

	// Cloud API call retry policy
	CloudCallMaxTimeSec int `env:"REPORT_EXT_CALL_MAX_TIME_IN_SECONDS" envDefault:"30"`
	CloudCallMaxDelayMs int `env:"MAX_DELAY" envDefault:"5000"`

	// Worker concurrency
	JobWorkerConcurrency int `env:"JOB_WORKER_CONCURRENCY" envDefault:"8"`

	// Cloud providers
	CloudProviders []string `env:"CLOUD_PROVIDERS" envSeparator:"," envDefault:"oracle,digitalocean"`

	// Oracle credentials
	OracleTenancyID   string `env:"ORACLE_TENANCY_ID"`
	OracleUserID      string `env:"ORACLE_USER_ID"`
	OracleFingerprint string `env:"ORACLE_FINGERPRINT"`
	OraclePrivateKey  string `env:"ORACLE_PRIVATE_KEY"`
	OracleRegion      string `env:"ORACLE_REGION"`
	OracleAPIBaseURL  string `env:"ORACLE_API_BASE_URL" envDefault:"https://iaas.oraclecloud.com"`

	// DigitalOcean credentials
	DigitalOceanAPIKey  string `env:"DIGITALOCEAN_API_KEY"`
	DigitalOceanBaseURL string `env:"DIGITALOCEAN_API_BASE_URL" envDefault:"https://api.digitalocean.com"`

	// Initial group bootstrap
	GroupConfigFile string `env:"GROUP_CONFIG_FILE"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
