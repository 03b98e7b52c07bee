// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Storage backends.
const (
	StorageSQLite        = "sqlite"
	StorageElasticsearch = "elasticsearch"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueKafka  = "kafka"
)

// Config is the master configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	Storage StorageConfig `yaml:"storage"`

	// Indexes overrides the version and retention of logical indexes,
	// keyed by logical name (events, stacks, organizations).
	Indexes map[string]IndexConfig `yaml:"indexes"`

	Queue   QueueConfig   `yaml:"queue"`
	Ingress IngressConfig `yaml:"ingress"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Queue   *QueueConfig   `yaml:"queue,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// StorageConfig selects and configures the search backend.
type StorageConfig struct {
	// Backend is "sqlite" or "elasticsearch".
	Backend string `yaml:"backend"`

	// AliasCacheTTL bounds how long resolved aliases are reused, e.g.
	// "30s". Empty uses the index manager's default.
	AliasCacheTTL string `yaml:"alias_cache_ttl"`

	SQLite        SQLiteConfig        `yaml:"sqlite"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

// SQLiteConfig configures the single-node backend.
type SQLiteConfig struct {
	// Path is the database file. Supports ${VAR:-default} expansion.
	Path string `yaml:"path"`

	// PoolSize is the number of read connections. Default: 4
	PoolSize int `yaml:"pool_size"`

	// Compression of stored document bodies: none, lz4, zstd.
	// Default: zstd
	Compression string `yaml:"compression"`
}

// ElasticsearchConfig configures the cluster backend.
type ElasticsearchConfig struct {
	URLs     []string `yaml:"urls"`
	Username string   `yaml:"username"`

	// PasswordFile holds the password. Supports ${VAR:-default}
	// expansion.
	PasswordFile string `yaml:"password_file"`

	Sniff          bool `yaml:"sniff"`
	RefreshOnWrite bool `yaml:"refresh_on_write"`
}

// IndexConfig overrides one logical index definition.
type IndexConfig struct {
	// Version replaces the built-in schema version when non-zero.
	Version int `yaml:"version"`

	// Retention is how long closed buckets are kept, e.g. "90d" or
	// "2160h". Empty keeps the built-in value; "0" keeps forever.
	Retention string `yaml:"retention"`
}

// QueueConfig selects and configures the work queues.
type QueueConfig struct {
	// Backend is "memory" or "kafka".
	Backend string `yaml:"backend"`

	Brokers []string `yaml:"brokers"`

	PostsTopic         string `yaml:"posts_topic"`
	DescriptionsTopic  string `yaml:"descriptions_topic"`
	NotificationsTopic string `yaml:"notifications_topic"`

	// FromOldest starts Kafka consumption at the oldest retained
	// offset instead of the newest.
	FromOldest bool `yaml:"from_oldest"`

	// Concurrency is the number of entries handled at once per queue.
	// Default: 4
	Concurrency int `yaml:"concurrency"`

	// MaxAttempts bounds deliveries of one entry. Default: 3
	MaxAttempts int `yaml:"max_attempts"`
}

// IngressConfig configures the HTTP ingress.
type IngressConfig struct {
	// ListenAddress for the event API. Default: :8080
	ListenAddress string `yaml:"listen_address"`

	// MaxBodySize in bytes. Default: 10485760
	MaxBodySize int64 `yaml:"max_body_size"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddress serves /metrics. Empty disables it.
	ListenAddress string `yaml:"listen_address"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector URL. Empty disables tracing.
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Storage: StorageConfig{
			Backend: StorageSQLite,
			SQLite: SQLiteConfig{
				Path:        "${EVENTSINK_DATA:-${HOME}/.cache/eventsink}/events.db",
				PoolSize:    4,
				Compression: "zstd",
			},
		},
		Queue: QueueConfig{
			Backend:            QueueMemory,
			PostsTopic:         "event-posts",
			DescriptionsTopic:  "event-user-descriptions",
			NotificationsTopic: "event-notifications",
			Concurrency:        4,
			MaxAttempts:        3,
		},
		Ingress: IngressConfig{
			ListenAddress:   ":8080",
			MaxBodySize:     10 << 20,
			ShutdownTimeout: "15s",
		},
		Tracing: TracingConfig{
			ServiceName: "eventsink",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the EVENTSINK_CONFIG environment
// variable. There is no fallback: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("EVENTSINK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("EVENTSINK_CONFIG environment variable not set; " +
			"set it to the path of your eventsink.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if storage := overrides.Storage; storage != nil {
		override(&c.Storage.Backend, storage.Backend)
		override(&c.Storage.SQLite.Path, storage.SQLite.Path)
		override(&c.Storage.SQLite.Compression, storage.SQLite.Compression)
		if storage.SQLite.PoolSize > 0 {
			c.Storage.SQLite.PoolSize = storage.SQLite.PoolSize
		}
		if len(storage.Elasticsearch.URLs) > 0 {
			c.Storage.Elasticsearch.URLs = storage.Elasticsearch.URLs
		}
		override(&c.Storage.Elasticsearch.Username, storage.Elasticsearch.Username)
		override(&c.Storage.Elasticsearch.PasswordFile, storage.Elasticsearch.PasswordFile)
	}

	if queue := overrides.Queue; queue != nil {
		override(&c.Queue.Backend, queue.Backend)
		if len(queue.Brokers) > 0 {
			c.Queue.Brokers = queue.Brokers
		}
		override(&c.Queue.PostsTopic, queue.PostsTopic)
		override(&c.Queue.DescriptionsTopic, queue.DescriptionsTopic)
		override(&c.Queue.NotificationsTopic, queue.NotificationsTopic)
		if queue.Concurrency > 0 {
			c.Queue.Concurrency = queue.Concurrency
		}
		if queue.MaxAttempts > 0 {
			c.Queue.MaxAttempts = queue.MaxAttempts
		}
	}

	if tracing := overrides.Tracing; tracing != nil {
		override(&c.Tracing.Endpoint, tracing.Endpoint)
		override(&c.Tracing.ServiceName, tracing.ServiceName)
		if tracing.SampleRatio > 0 {
			c.Tracing.SampleRatio = tracing.SampleRatio
		}
	}

	if logging := overrides.Logging; logging != nil {
		override(&c.Logging.Level, logging.Level)
		override(&c.Logging.Format, logging.Format)
	}
}

func override(field *string, value string) {
	if value != "" {
		*field = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Storage.SQLite.Path = expandVars(c.Storage.SQLite.Path, vars)
	c.Storage.Elasticsearch.PasswordFile = expandVars(c.Storage.Elasticsearch.PasswordFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns. Defaults may
// themselves contain patterns; expansion repeats until nothing changes.
var varPattern = regexp.MustCompile(`\$\{([^}:{]+)(?::-([^}{]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	for range 8 {
		expanded := varPattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := varPattern.FindStringSubmatch(match)
			if len(parts) < 2 {
				return match
			}

			name := parts[1]
			defaultValue := ""
			if len(parts) >= 3 {
				defaultValue = parts[2]
			}

			// Check provided vars first, then environment.
			if value, ok := vars[name]; ok && value != "" {
				return value
			}
			if value := os.Getenv(name); value != "" {
				return value
			}
			return defaultValue
		})
		if expanded == s {
			break
		}
		s = expanded
	}
	return s
}

// ParseRetention parses a retention value. Besides time.ParseDuration
// syntax it accepts a whole number of days ("90d"). "0" means forever.
func ParseRetention(value string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(value, "d"); ok {
		count, err := strconv.Atoi(days)
		if err != nil || count < 0 {
			return 0, fmt.Errorf("invalid retention %q", value)
		}
		return time.Duration(count) * 24 * time.Hour, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil || duration < 0 {
		return 0, fmt.Errorf("invalid retention %q", value)
	}
	return duration, nil
}

// AliasCacheTTL returns the parsed alias cache TTL, zero when unset.
func (c *Config) AliasCacheTTL() time.Duration {
	ttl, err := time.ParseDuration(c.Storage.AliasCacheTTL)
	if err != nil {
		return 0
	}
	return ttl
}

// ShutdownTimeout returns the parsed ingress shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	timeout, err := time.ParseDuration(c.Ingress.ShutdownTimeout)
	if err != nil || timeout <= 0 {
		return 15 * time.Second
	}
	return timeout
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// ElasticsearchPassword reads the password file. An empty path means
// no password.
func (c *Config) ElasticsearchPassword() (string, error) {
	if c.Storage.Elasticsearch.PasswordFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Storage.Elasticsearch.PasswordFile)
	if err != nil {
		return "", fmt.Errorf("reading elasticsearch password: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

var (
	logLevels    = []string{"debug", "info", "warn", "error"}
	logFormats   = []string{"text", "json"}
	compressions = []string{"none", "lz4", "zstd"}
	indexNames   = []string{"events", "stacks", "organizations"}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	switch c.Storage.Backend {
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite.path is required"))
		}
		if !slices.Contains(compressions, c.Storage.SQLite.Compression) {
			errs = append(errs, fmt.Errorf("storage.sqlite.compression must be one of: %v", compressions))
		}
	case StorageElasticsearch:
		if len(c.Storage.Elasticsearch.URLs) == 0 {
			errs = append(errs, fmt.Errorf("storage.elasticsearch.urls is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be one of: %v",
			[]string{StorageSQLite, StorageElasticsearch}))
	}
	if c.Storage.AliasCacheTTL != "" {
		if ttl, err := time.ParseDuration(c.Storage.AliasCacheTTL); err != nil || ttl <= 0 {
			errs = append(errs, fmt.Errorf("storage.alias_cache_ttl must be a positive duration: %q", c.Storage.AliasCacheTTL))
		}
	}

	for name, index := range c.Indexes {
		if !slices.Contains(indexNames, name) {
			errs = append(errs, fmt.Errorf("indexes.%s: unknown index, expected one of: %v", name, indexNames))
		}
		if index.Version < 0 {
			errs = append(errs, fmt.Errorf("indexes.%s.version must not be negative", name))
		}
		if index.Retention != "" {
			if _, err := ParseRetention(index.Retention); err != nil {
				errs = append(errs, fmt.Errorf("indexes.%s.retention: %w", name, err))
			}
		}
	}

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueKafka:
		if len(c.Queue.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("queue.brokers is required for the kafka backend"))
		}
		if c.Queue.PostsTopic == "" || c.Queue.DescriptionsTopic == "" || c.Queue.NotificationsTopic == "" {
			errs = append(errs, fmt.Errorf("queue topics are required for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be one of: %v", []string{QueueMemory, QueueKafka}))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("queue.concurrency must be at least 1"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be at least 1"))
	}

	if c.Ingress.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("ingress.listen_address is required"))
	}
	if c.Ingress.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("ingress.max_body_size must be positive"))
	}
	if _, err := time.ParseDuration(c.Ingress.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("ingress.shutdown_timeout: %w", err))
	}

	if c.Tracing.Endpoint != "" && c.Tracing.ServiceName == "" {
		errs = append(errs, fmt.Errorf("tracing.service_name is required when tracing.endpoint is set"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", logLevels))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", logFormats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the parent directory of the SQLite database.
func (c *Config) EnsurePaths() error {
	if c.Storage.Backend != StorageSQLite || c.Storage.SQLite.Path == "" {
		return nil
	}
	directory := filepath.Dir(c.Storage.SQLite.Path)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}
