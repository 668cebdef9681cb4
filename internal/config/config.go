// Package config loads the importer's settings from environment variables.
// Every field declares its variable and default in struct tags; Validate
// reports all problems at once so a misconfigured process fails on startup.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Runner   RunnerConfig
	Redis    RedisConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining running batches (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for API requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// Driver selects the store: postgres or memory (default: postgres)
	Driver string `env:"STORE_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string, required for the postgres driver.
	// DB_URL is accepted as an alternative name.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies pending migrations when serving (default: false)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"false"`
}

// ImportConfig holds upload and batch processing settings.
type ImportConfig struct {
	// UploadDir is where uploaded files are kept until the batch is processed
	UploadDir string `env:"IMPORT_UPLOAD_DIR" default:"./uploads"`

	// MaxFileSize is the largest accepted upload in bytes (default: 50MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"52428800"`

	// MaxRows is the largest accepted number of data rows (default: 100000)
	MaxRows int `env:"IMPORT_MAX_ROWS" default:"100000"`

	// ChunkSize is used when a mapping does not set one (default: 1000)
	ChunkSize int `env:"IMPORT_CHUNK_SIZE" default:"1000"`

	// MaxConcurrent is the number of batches processed in parallel by this process (default: 3)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"3"`

	// MaxWaitTime is how long a start request waits for a free slot (default: 10s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"10s"`

	// BatchTimeout is the wall-clock budget of one batch; 0 disables it (default: 2h)
	BatchTimeout time.Duration `env:"IMPORT_BATCH_TIMEOUT" default:"2h"`

	// StaleAfter marks processing or queued batches as failed once untouched this long (default: 6h)
	StaleAfter time.Duration `env:"IMPORT_STALE_AFTER" default:"6h"`

	// SweepInterval is how often the stale batch sweeper runs (default: 15m)
	SweepInterval time.Duration `env:"IMPORT_SWEEP_INTERVAL" default:"15m"`
}

// RunnerConfig selects how batches are executed.
type RunnerConfig struct {
	// Mode is inline (goroutine in the API process) or redis (queue + worker)
	Mode string `env:"RUNNER_MODE" default:"inline"`
}

// RedisConfig holds task queue settings for the redis runner.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL" default:"redis://localhost:6379/0"`
	QueueKey     string        `env:"REDIS_QUEUE_KEY" default:"catalogimport:batches"`
	BlockTimeout time.Duration `env:"REDIS_BLOCK_TIMEOUT" default:"5s"`
}

// RateLimitConfig holds per-IP request limits.
type RateLimitConfig struct {
	Enabled           bool `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`

	// UploadLimit is requests per minute for upload endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds API authentication and proxy trust settings.
type SecurityConfig struct {
	// RequireAPIKey rejects API requests without a valid X-API-Key header (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies lists CIDRs whose X-Real-IP and X-Forwarded-For headers are honored
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" default:"true"`
	Path    string `env:"METRICS_PATH" default:"/metrics"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
