// Package config provides the configuration schema, loader, and storage
// backend registry for the rag-interface service.
package config

import (
	"time"

	"github.com/tan-res-space/rag-interface/pkg/bucket"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects the persistence implementation.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StoragePostgres StorageBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b StorageBackend) IsValid() bool {
	return b == StorageMemory || b == StoragePostgres
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Assessment AssessmentConfig `yaml:"assessment"`
	Validation ValidationConfig `yaml:"validation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig selects and configures the persistence backend. The Backend
// name is used to look up the constructor in the [Registry].
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`

	// PostgresDSN is the connection string used by the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MaxConns caps the pgx pool size. Zero keeps the pgxpool default.
	MaxConns int32 `yaml:"max_conns"`
}

// RedisConfig enables the shared cache, the distributed speaker lock, and
// event publishing. When Addr is empty the service runs without Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// CacheTTL is how long a performance snapshot stays cached.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// LockTTL is the lease of a per-speaker lock.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// EventChannel is the PUBLISH channel for domain events.
	EventChannel string `yaml:"event_channel"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// ScoringConfig tunes the SER engine.
type ScoringConfig struct {
	// BatchConcurrency bounds parallel scoring in batch calculations.
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// AssessmentConfig tunes speaker assessment and bucket assignment.
type AssessmentConfig struct {
	// MinErrors is the report count below which a speaker has insufficient
	// data for an automatic bucket change.
	MinErrors int `yaml:"min_errors"`

	// ReassessDays is the age after which an assessment is stale.
	ReassessDays int `yaml:"reassess_days"`

	// DefaultBucket is the bucket of a speaker with no history.
	DefaultBucket bucket.BucketType `yaml:"default_bucket"`

	// Confidence supplies default confidence scores per assignment type.
	Confidence bucket.ConfidencePolicy `yaml:"confidence"`

	// Schedule is the cron expression driving periodic reassessment. "off"
	// disables the scheduler.
	Schedule string `yaml:"schedule"`

	// Concurrency bounds parallel assessments during a reassessment sweep.
	Concurrency int `yaml:"concurrency"`
}

// ValidationConfig tunes MT validation sessions.
type ValidationConfig struct {
	// MaxSessionDuration marks an in-progress session as overdue.
	MaxSessionDuration time.Duration `yaml:"max_session_duration"`

	// DefaultMaxItems is used when a start request names neither items nor
	// a maximum.
	DefaultMaxItems int `yaml:"default_max_items"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// MetricsPath is where the Prometheus scrape endpoint is mounted.
	MetricsPath string `yaml:"metrics_path"`
}
