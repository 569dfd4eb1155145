package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Storage       StorageConfig       `yaml:"storage"`
	Security      SecurityConfig      `yaml:"security"`
	Audit         AuditConfig         `yaml:"audit"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Retention     RetentionConfig     `yaml:"retention"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Redis         RedisConfig         `yaml:"redis"`
	NATS          NATSConfig          `yaml:"nats"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StorageConfig selects where tenant partitions live.
type StorageConfig struct {
	Backend          string        `yaml:"backend"`
	DataDir          string        `yaml:"data_dir"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	PartitionConns   int           `yaml:"partition_conns"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
}

// SecurityConfig holds key material and caller token settings
type SecurityConfig struct {
	// MasterKey is base64 encoded; tenant keys are derived from it.
	MasterKey    string        `yaml:"master_key"`
	TokenSecret  string        `yaml:"token_secret"`
	TokenIssuer  string        `yaml:"token_issuer"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	RequireToken bool          `yaml:"require_token"`
	// AdminToken guards the tenant registry routes when set.
	AdminToken   string        `yaml:"admin_token"`
}

// AuditConfig holds risk analysis thresholds
type AuditConfig struct {
	RecentWindowSize int           `yaml:"recent_window_size"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	BurstThreshold   int           `yaml:"burst_threshold"`
	BurstWindow      time.Duration `yaml:"burst_window"`
	MirrorToLog      bool          `yaml:"mirror_to_log"`
}

// MetricsConfig holds usage collection settings
type MetricsConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ActiveWindow  time.Duration `yaml:"active_window"`
	LatencyTarget time.Duration `yaml:"latency_target"`
	AlertBudget   int           `yaml:"alert_budget"`
}

// RetentionConfig controls the background retention sweep
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// RedisConfig holds the idempotency store connection
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// NATSConfig holds the alert publisher connection
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTELEnabled    bool   `yaml:"otel_enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "tenantvault",
			Database:        "tenantvault",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			DataDir:          "./data",
			OperationTimeout: 5 * time.Second,
			PartitionConns:   4,
			RetryAttempts:    3,
			RetryInterval:    50 * time.Millisecond,
		},
		Security: SecurityConfig{
			TokenIssuer: "tenantvault",
			TokenTTL:    time.Hour,
		},
		Audit: AuditConfig{
			RecentWindowSize: 100,
			FailureThreshold: 5,
			FailureWindow:    time.Hour,
			BurstThreshold:   20,
			BurstWindow:      5 * time.Minute,
			MirrorToLog:      true,
		},
		Metrics: MetricsConfig{
			Interval:      time.Minute,
			ActiveWindow:  15 * time.Minute,
			LatencyTarget: 200 * time.Millisecond,
			AlertBudget:   10,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			CleanupInterval:   time.Minute,
			IdleTTL:           10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			IdempotencyTTL: 24 * time.Hour,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "tenantvault",
			Timeout:       5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			ServiceName:    "tenantvault",
			ServiceVersion: "0.1.0",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = parseDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = parseDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = parseDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = parseDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = parseInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = parseInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = parseDuration("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Storage.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", c.Storage.Backend))
	c.Storage.DataDir = getEnv("STORAGE_DATA_DIR", c.Storage.DataDir)
	c.Storage.OperationTimeout = parseDuration("STORAGE_OPERATION_TIMEOUT", c.Storage.OperationTimeout)
	c.Storage.PartitionConns = parseInt("STORAGE_PARTITION_CONNS", c.Storage.PartitionConns)
	c.Storage.RetryAttempts = parseInt("STORAGE_RETRY_ATTEMPTS", c.Storage.RetryAttempts)
	c.Storage.RetryInterval = parseDuration("STORAGE_RETRY_INTERVAL", c.Storage.RetryInterval)

	c.Security.MasterKey = getEnv("MASTER_KEY", c.Security.MasterKey)
	c.Security.TokenSecret = getEnv("TOKEN_SECRET", c.Security.TokenSecret)
	c.Security.TokenIssuer = getEnv("TOKEN_ISSUER", c.Security.TokenIssuer)
	c.Security.TokenTTL = parseDuration("TOKEN_TTL", c.Security.TokenTTL)
	c.Security.RequireToken = parseBool("REQUIRE_TOKEN", c.Security.RequireToken)
	c.Security.AdminToken = getEnv("ADMIN_TOKEN", c.Security.AdminToken)

	c.Audit.RecentWindowSize = parseInt("AUDIT_RECENT_WINDOW", c.Audit.RecentWindowSize)
	c.Audit.FailureThreshold = parseInt("AUDIT_FAILURE_THRESHOLD", c.Audit.FailureThreshold)
	c.Audit.FailureWindow = parseDuration("AUDIT_FAILURE_WINDOW", c.Audit.FailureWindow)
	c.Audit.BurstThreshold = parseInt("AUDIT_BURST_THRESHOLD", c.Audit.BurstThreshold)
	c.Audit.BurstWindow = parseDuration("AUDIT_BURST_WINDOW", c.Audit.BurstWindow)
	c.Audit.MirrorToLog = parseBool("AUDIT_MIRROR_TO_LOG", c.Audit.MirrorToLog)

	c.Metrics.Interval = parseDuration("METRICS_INTERVAL", c.Metrics.Interval)
	c.Metrics.ActiveWindow = parseDuration("METRICS_ACTIVE_WINDOW", c.Metrics.ActiveWindow)
	c.Metrics.LatencyTarget = parseDuration("METRICS_LATENCY_TARGET", c.Metrics.LatencyTarget)
	c.Metrics.AlertBudget = parseInt("METRICS_ALERT_BUDGET", c.Metrics.AlertBudget)

	c.Retention.Enabled = parseBool("RETENTION_ENABLED", c.Retention.Enabled)
	c.Retention.Interval = parseDuration("RETENTION_INTERVAL", c.Retention.Interval)

	c.RateLimit.RequestsPerSecond = parseFloat("RATELIMIT_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.CleanupInterval = parseDuration("RATELIMIT_CLEANUP_INTERVAL", c.RateLimit.CleanupInterval)
	c.RateLimit.IdleTTL = parseDuration("RATELIMIT_IDLE_TTL", c.RateLimit.IdleTTL)

	c.Redis.Enabled = parseBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = parseInt("REDIS_DB", c.Redis.DB)
	c.Redis.IdempotencyTTL = parseDuration("IDEMPOTENCY_TTL", c.Redis.IdempotencyTTL)

	c.NATS.Enabled = parseBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.NATS.Timeout = parseDuration("NATS_TIMEOUT", c.NATS.Timeout)

	c.Observability.LogLevel = getEnv("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = getEnv("LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.OTELEnabled = parseBool("OTEL_ENABLED", c.Observability.OTELEnabled)
	c.Observability.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Observability.ServiceName)
	c.Observability.ServiceVersion = getEnv("OTEL_SERVICE_VERSION", c.Observability.ServiceVersion)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("STORAGE_DATA_DIR is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Security.MasterKey == "" {
		if c.Storage.Backend != BackendMemory {
			return fmt.Errorf("MASTER_KEY is required for persistent backends")
		}
	} else if _, err := c.MasterKeyBytes(); err != nil {
		return err
	}

	if c.Security.RequireToken && c.Security.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required when REQUIRE_TOKEN is set")
	}
	if c.Security.TokenSecret != "" && len(c.Security.TokenSecret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes")
	}
	if c.Security.AdminToken != "" && len(c.Security.AdminToken) < 16 {
		return fmt.Errorf("ADMIN_TOKEN must be at least 16 bytes")
	}
	if c.Storage.OperationTimeout <= 0 {
		return fmt.Errorf("STORAGE_OPERATION_TIMEOUT must be positive")
	}
	if c.Storage.RetryAttempts < 0 {
		return fmt.Errorf("STORAGE_RETRY_ATTEMPTS must not be negative")
	}
	if c.Audit.FailureThreshold <= 0 || c.Audit.BurstThreshold <= 0 {
		return fmt.Errorf("audit thresholds must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("RATELIMIT_RPS must not be negative")
	}
	if c.RateLimit.CleanupInterval <= 0 || c.Metrics.Interval <= 0 {
		return fmt.Errorf("RATELIMIT_CLEANUP_INTERVAL and METRICS_INTERVAL must be positive")
	}
	if c.Retention.Enabled && c.Retention.Interval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be positive")
	}
	return nil
}

// MasterKeyBytes decodes the configured master key. It returns nil when no
// key is configured.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.Security.MasterKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Security.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("MASTER_KEY must be base64 encoded: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("MASTER_KEY must decode to at least 32 bytes")
	}
	return key, nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
