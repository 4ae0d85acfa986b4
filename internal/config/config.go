// Package config loads the reconcile settings from environment variables.
// Every field has a struct tag naming its variable and default; Load fills
// them in and Validate rejects inconsistent combinations before anything
// touches the database.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Data     DataConfig
	Import   ImportConfig
	Media    MediaConfig
	Backup   BackupConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is 0 by default because loadAll and resetAll can run for
	// minutes while the client waits for the summary.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// MaxBodyBytes caps upload payloads (default: 32MB)
	MaxBodyBytes int64 `env:"SERVER_MAX_BODY_BYTES" default:"33554432"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// Driver is sqlite or postgres (default: sqlite)
	Driver string `env:"DATABASE_DRIVER" default:"sqlite"`

	// URL is a file path for sqlite and a connection string for postgres.
	// DB_URL is accepted for compatibility.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" default:"reconcile.db"`

	// Pool settings apply to postgres only.
	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// DataConfig locates the schema document and the entity file directories.
type DataConfig struct {
	SchemaFile string `env:"DATA_SCHEMA" default:"schema.yaml"`
	SeedDir    string `env:"DATA_SEED_DIR" default:"data/seed"`
	ImportDir  string `env:"DATA_IMPORT_DIR" default:"data/import"`
	BackupDir  string `env:"DATA_BACKUP_DIR" default:"data/backup"`
}

// ImportConfig holds load defaults and operation limits.
type ImportConfig struct {
	// Mode is replace, merge or skip_conflicts (default: replace)
	Mode string `env:"IMPORT_MODE" default:"replace"`

	// AcceptQL is the default quality mask; 0 selects standard mode.
	AcceptQL int64 `env:"IMPORT_ACCEPT_QL" default:"0"`

	// ReportLimit caps the row errors kept per category (default: 50)
	ReportLimit int `env:"IMPORT_REPORT_LIMIT" default:"50"`

	// MaxConcurrent is the number of operations allowed at once (default: 1)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"1"`

	// OperationWait is how long an operation waits for a slot (default: 30s)
	OperationWait time.Duration `env:"IMPORT_OPERATION_WAIT" default:"30s"`

	// RunHistory is the number of runs kept in memory (default: 100)
	RunHistory int `env:"IMPORT_RUN_HISTORY" default:"100"`
}

// MediaConfig holds media materialization settings.
type MediaConfig struct {
	Dir       string        `env:"MEDIA_DIR" default:"data/media"`
	Timeout   time.Duration `env:"MEDIA_TIMEOUT" default:"30s"`
	MaxBytes  int64         `env:"MEDIA_MAX_BYTES" default:"10485760"`
	CacheTTL  time.Duration `env:"MEDIA_CACHE_TTL" default:"1h"`
	UserAgent string        `env:"MEDIA_USER_AGENT" default:"reconcile/1.0"`
}

// BackupConfig holds the periodic backup schedule.
type BackupConfig struct {
	// Interval between scheduled backups; 0 disables the scheduler.
	Interval time.Duration `env:"BACKUP_INTERVAL" default:"0s"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// APIKeys is a comma-separated list of keys accepted in X-API-Key.
	// Mutating routes are open when empty.
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// AuthEnabled reports whether mutating routes require an API key.
func (c *SecurityConfig) AuthEnabled() bool {
	return len(c.APIKeys) > 0
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
