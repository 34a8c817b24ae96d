// Package config provides configuration management for the paper pipeline service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/helixir/paper-pipeline-service/internal/resilience"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Dispatch backends.
const (
	// BackendLocal runs stage tasks in-process.
	BackendLocal = "local"
	// BackendAsynq submits stage tasks to Redis-backed asynq queues.
	BackendAsynq = "asynq"
)

// Config holds all configuration for the paper pipeline service.
type Config struct {
	// Server contains HTTP/gRPC server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Redis contains the task store and queue backend connection.
	Redis RedisConfig `mapstructure:"redis"`
	// Dispatch contains task dispatcher settings.
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	// Retry contains retry policy settings.
	Retry RetryConfig `mapstructure:"retry"`
	// Notify contains notification bus settings.
	Notify NotifyConfig `mapstructure:"notify"`
	// Kafka contains event export and requeue intake settings.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Extraction contains the extraction service client settings.
	Extraction ExtractionConfig `mapstructure:"extraction"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Health contains health check settings.
	Health HealthConfig `mapstructure:"health"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort is the worker health server port (default: 9090).
	GRPCPort int `mapstructure:"grpc_port"`
	// MetricsPort is the worker metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a non-streaming response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (loaded from PIPELINE_DATABASE_PASSWORD).
	Password string `mapstructure:"-"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 20).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 2).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string `mapstructure:"addr"`
	// Password is the Redis password (loaded from PIPELINE_REDIS_PASSWORD).
	Password string `mapstructure:"-"`
	// DB is the Redis database number.
	DB int `mapstructure:"db"`
}

// DispatchConfig holds task dispatcher configuration.
type DispatchConfig struct {
	// Backend selects where stage tasks run (local, asynq).
	Backend string `mapstructure:"backend"`
	// Workers is the worker pool size. Zero means 2 x GOMAXPROCS.
	Workers int `mapstructure:"workers"`
	// Retention is how long task records, history and progress are kept.
	Retention time.Duration `mapstructure:"retention"`
	// JanitorInterval is how often expired task records are pruned.
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	// PollInterval is how often asynq task handles poll for completion.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// TaskTimeout bounds one task execution including its retries.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// QueueRateLimits throttles task starts per queue, in tasks per second.
	QueueRateLimits map[string]float64 `mapstructure:"queue_rate_limits"`
}

// RetryConfig holds retry policy configuration.
type RetryConfig struct {
	// InferCategories classifies unlabelled errors by sentinel and message.
	InferCategories bool `mapstructure:"infer_categories"`
	// Default is the strategy for errors without a category.
	Default resilience.Strategy `mapstructure:"default"`
	// Transient is the strategy for transient errors.
	Transient resilience.Strategy `mapstructure:"transient"`
	// Dependency is the strategy for external dependency errors.
	Dependency resilience.Strategy `mapstructure:"dependency"`
	// DataRelated is the strategy for data errors.
	DataRelated resilience.Strategy `mapstructure:"data_related"`
	// System is the strategy for system errors.
	System resilience.Strategy `mapstructure:"system"`
}

// Policy builds the retry policy. Permanent errors are never retried.
func (c RetryConfig) Policy() *resilience.Policy {
	return &resilience.Policy{
		Strategies: map[resilience.ErrorCategory]resilience.Strategy{
			resilience.Transient:   c.Transient,
			resilience.Dependency:  c.Dependency,
			resilience.DataRelated: c.DataRelated,
			resilience.System:      c.System,
			resilience.Permanent:   resilience.NoRetryStrategy,
		},
		Default:         c.Default,
		InferCategories: c.InferCategories,
	}
}

// NotifyConfig holds notification bus configuration.
type NotifyConfig struct {
	// QueueSize is the per-connection outbound event buffer.
	QueueSize int `mapstructure:"queue_size"`
	// SendTimeout bounds delivery of one event to one connection.
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// KeepAlive is the SSE comment ping interval.
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// MaxStreamDuration is the maximum time an SSE stream may remain open.
	MaxStreamDuration time.Duration `mapstructure:"max_stream_duration"`
}

// KafkaConfig holds Kafka configuration.
type KafkaConfig struct {
	// Enabled controls whether event export and requeue intake are active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// EventsTopic receives every notification bus event.
	EventsTopic string `mapstructure:"events_topic"`
	// RequeueTopic carries requeue requests for failed papers.
	RequeueTopic string `mapstructure:"requeue_topic"`
	// GroupID is the consumer group of the requeue listener.
	GroupID string `mapstructure:"group_id"`
}

// ExtractionConfig holds extraction service client configuration.
type ExtractionConfig struct {
	// BaseURL is the extraction service base URL.
	BaseURL string `mapstructure:"base_url"`
	// APIKey is the extraction service key (loaded from PIPELINE_EXTRACTION_API_KEY).
	APIKey string `mapstructure:"-"`
	// Timeout is the timeout for a single stage call.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// Burst is the rate limiter burst size.
	Burst int `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace"`
}

// HealthConfig holds health check configuration.
type HealthConfig struct {
	// CheckInterval is how often the worker re-checks its dependencies.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// GRPCAddress returns the gRPC server address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// MetricsAddress returns the worker metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paper-pipeline-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets use mapstructure:"-" so config files can never carry them.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv("PIPELINE_DATABASE_PASSWORD")
	cfg.Redis.Password = os.Getenv("PIPELINE_REDIS_PASSWORD")
	cfg.Extraction.APIKey = os.Getenv("PIPELINE_EXTRACTION_API_KEY")
}

func setStrategyDefaults(v *viper.Viper, key string, s resilience.Strategy) {
	v.SetDefault(key+".max_retries", s.MaxRetries)
	v.SetDefault(key+".initial_delay", s.InitialDelay.String())
	v.SetDefault(key+".backoff_factor", s.BackoffFactor)
	v.SetDefault(key+".jitter", s.Jitter)
	v.SetDefault(key+".max_delay", s.MaxDelay.String())
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "pipeline")
	v.SetDefault("database.name", "paper_pipeline")
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Dispatch defaults
	v.SetDefault("dispatch.backend", BackendLocal)
	v.SetDefault("dispatch.workers", 0)
	v.SetDefault("dispatch.retention", "24h")
	v.SetDefault("dispatch.janitor_interval", "10m")
	v.SetDefault("dispatch.poll_interval", "500ms")
	v.SetDefault("dispatch.task_timeout", "2h")

	// Retry defaults
	v.SetDefault("retry.infer_categories", false)
	defaults := resilience.DefaultStrategies()
	setStrategyDefaults(v, "retry.default", resilience.DefaultStrategy)
	setStrategyDefaults(v, "retry.transient", defaults[resilience.Transient])
	setStrategyDefaults(v, "retry.dependency", defaults[resilience.Dependency])
	setStrategyDefaults(v, "retry.data_related", defaults[resilience.DataRelated])
	setStrategyDefaults(v, "retry.system", defaults[resilience.System])

	// Notify defaults
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.send_timeout", "5s")
	v.SetDefault("notify.keep_alive", "15s")
	v.SetDefault("notify.max_stream_duration", "4h")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.events_topic", "events.paper_pipeline.status")
	v.SetDefault("kafka.requeue_topic", "commands.paper_pipeline.requeue")
	v.SetDefault("kafka.group_id", "paper-pipeline-service")

	// Extraction defaults
	v.SetDefault("extraction.base_url", "http://localhost:8090")
	v.SetDefault("extraction.timeout", "5m")
	v.SetDefault("extraction.rate_limit", 5.0)
	v.SetDefault("extraction.burst", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "paper_pipeline")

	// Health defaults
	v.SetDefault("health.check_interval", "15s")
}

func validateStrategy(name string, s resilience.Strategy) error {
	if s.MaxRetries < 0 {
		return fmt.Errorf("retry %s max_retries must not be negative", name)
	}
	if s.Jitter < 0 || s.Jitter > 1 {
		return fmt.Errorf("retry %s jitter must be between 0 and 1", name)
	}
	if s.MaxRetries > 0 && s.BackoffFactor < 1 {
		return fmt.Errorf("retry %s backoff_factor must be >= 1", name)
	}
	if s.MaxDelay > 0 && s.InitialDelay > s.MaxDelay {
		return fmt.Errorf("retry %s initial_delay must not exceed max_delay", name)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	switch c.Dispatch.Backend {
	case BackendLocal:
	case BackendAsynq:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the %s backend", BackendAsynq)
		}
	default:
		return fmt.Errorf("invalid dispatch backend: %q", c.Dispatch.Backend)
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch workers must not be negative")
	}
	for queue, limit := range c.Dispatch.QueueRateLimits {
		if limit <= 0 {
			return fmt.Errorf("rate limit for queue %q must be positive", queue)
		}
	}

	for name, s := range map[string]resilience.Strategy{
		"default":      c.Retry.Default,
		"transient":    c.Retry.Transient,
		"dependency":   c.Retry.Dependency,
		"data_related": c.Retry.DataRelated,
		"system":       c.Retry.System,
	} {
		if err := validateStrategy(name, s); err != nil {
			return err
		}
	}

	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify queue_size must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}

	if c.Extraction.BaseURL == "" {
		return fmt.Errorf("extraction base_url is required")
	}
	if c.Extraction.RateLimit <= 0 {
		return fmt.Errorf("extraction rate_limit must be positive")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
