package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/tan-res-space/rag-interface/pkg/bucket"
	"github.com/tan-res-space/rag-interface/pkg/review"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultCacheTTL           = 5 * time.Minute
	DefaultLockTTL            = 30 * time.Second
	DefaultEventChannel       = "raginterface.events"
	DefaultBatchConcurrency   = 8
	DefaultSchedule           = "@every 1h"
	DefaultConcurrency        = 4
	DefaultMaxSessionDuration = review.DefaultMaxSessionDuration
	DefaultMaxItems           = 10
	DefaultServiceName        = "rag-interface"
	DefaultMetricsPath        = "/metrics"
)

// ScheduleOff disables periodic reassessment.
const ScheduleOff = "off"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied: in-memory
// storage, no Redis.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}

	r := &cfg.Redis
	if r.CacheTTL == 0 {
		r.CacheTTL = DefaultCacheTTL
	}
	if r.LockTTL == 0 {
		r.LockTTL = DefaultLockTTL
	}
	if r.EventChannel == "" {
		r.EventChannel = DefaultEventChannel
	}

	if cfg.Scoring.BatchConcurrency == 0 {
		cfg.Scoring.BatchConcurrency = DefaultBatchConcurrency
	}

	a := &cfg.Assessment
	if a.MinErrors == 0 {
		a.MinErrors = bucket.DefaultMinErrors
	}
	if a.ReassessDays == 0 {
		a.ReassessDays = bucket.DefaultReassessDays
	}
	if a.DefaultBucket == "" {
		a.DefaultBucket = bucket.HighTouch
	}
	if a.Confidence == (bucket.ConfidencePolicy{}) {
		a.Confidence = bucket.DefaultConfidencePolicy()
	}
	if a.Schedule == "" {
		a.Schedule = DefaultSchedule
	}
	if a.Concurrency == 0 {
		a.Concurrency = DefaultConcurrency
	}

	v := &cfg.Validation
	if v.MaxSessionDuration == 0 {
		v.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if v.DefaultMaxItems == 0 {
		v.DefaultMaxItems = DefaultMaxItems
	}

	t := &cfg.Telemetry
	if t.ServiceName == "" {
		t.ServiceName = DefaultServiceName
	}
	if t.MetricsPath == "" {
		t.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative, got %s", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Storage
	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when backend is postgres"))
	}
	if cfg.Storage.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("storage.max_conns must not be negative, got %d", cfg.Storage.MaxConns))
	}

	// Redis
	if cfg.Redis.CacheTTL < 0 || cfg.Redis.LockTTL < 0 {
		errs = append(errs, errors.New("redis.cache_ttl and redis.lock_ttl must not be negative"))
	}
	if !cfg.Redis.Enabled() && cfg.Storage.Backend == StoragePostgres {
		slog.Warn("redis.addr is empty; speaker locks are process-local, run a single replica")
	}

	// Scoring
	if cfg.Scoring.BatchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("scoring.batch_concurrency must be at least 1, got %d", cfg.Scoring.BatchConcurrency))
	}

	// Assessment
	a := cfg.Assessment
	if a.MinErrors < 1 {
		errs = append(errs, fmt.Errorf("assessment.min_errors must be at least 1, got %d", a.MinErrors))
	}
	if a.ReassessDays < 1 {
		errs = append(errs, fmt.Errorf("assessment.reassess_days must be at least 1, got %d", a.ReassessDays))
	}
	if !a.DefaultBucket.IsValid() {
		errs = append(errs, fmt.Errorf("assessment.default_bucket %q is invalid", a.DefaultBucket))
	}
	if err := a.Confidence.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("assessment.confidence: %w", err))
	}
	if a.Schedule != ScheduleOff {
		if _, err := cron.ParseStandard(a.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("assessment.schedule %q: %w", a.Schedule, err))
		}
	}
	if a.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("assessment.concurrency must be at least 1, got %d", a.Concurrency))
	}

	// Validation sessions
	if cfg.Validation.MaxSessionDuration < 0 {
		errs = append(errs, fmt.Errorf("validation.max_session_duration must not be negative, got %s", cfg.Validation.MaxSessionDuration))
	}
	if cfg.Validation.DefaultMaxItems < 1 {
		errs = append(errs, fmt.Errorf("validation.default_max_items must be at least 1, got %d", cfg.Validation.DefaultMaxItems))
	}

	return errors.Join(errs...)
}
