package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageCSV = "csv"
	StorageSQL = "sql"

	PendingMemory = "memory"
	PendingRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Database  DatabaseConfig  `json:"database"`
	Redmine   RedmineConfig   `json:"redmine"`
	Pending   PendingConfig   `json:"pending"`
	Tracing   TracingConfig   `json:"tracing"`
	Security  SecurityConfig  `json:"security"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	// Location is the IANA zone that decides "today" for coupon expiry.
	Location string `json:"location"`
	LogLevel string `json:"log_level"`
	// Features overrides individual feature flags by name.
	Features map[string]bool `json:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `json:"port"`
	Host            string `json:"host"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // in seconds
}

// StorageConfig selects where the coupon catalog and ledger live.
type StorageConfig struct {
	Backend     string `json:"backend"` // csv | sql
	CouponsFile string `json:"coupons_file"`
	LedgerFile  string `json:"ledger_file"`
	// With S3Bucket set, the CSV files are objects in the bucket instead of local files.
	S3Bucket   string `json:"s3_bucket"`
	S3Prefix   string `json:"s3_prefix"`
	S3Region   string `json:"s3_region"`
	S3Endpoint string `json:"s3_endpoint"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Driver string `json:"driver"` // sqlite3 | postgres
	DSN    string `json:"dsn"`
	Path   string `json:"path"` // sqlite file, used when DSN is empty
}

// RedmineConfig points at the issue tracker.
type RedmineConfig struct {
	URL         string `json:"url"`
	UserAgent   string `json:"user_agent"`
	Timeout     int    `json:"timeout"` // in seconds
	Concurrency int    `json:"concurrency"`
}

// PendingConfig controls where staged redemptions wait for payment.
type PendingConfig struct {
	Backend       string `json:"backend"` // memory | redis
	TTL           int    `json:"ttl"`     // in seconds, 0 = no expiry
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	Environment string  `json:"environment"`
	Events      bool    `json:"events"`
	SampleRatio float64 `json:"sample_ratio"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// LoadConfig loads configuration from .env, environment variables and/or a
// config file. Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", ""),
			ShutdownTimeout: getEnvInt("SERVER_SHUTDOWN_TIMEOUT", 15),
		},
		Storage: StorageConfig{
			Backend:     getEnv("STORAGE_BACKEND", StorageCSV),
			CouponsFile: getEnv("COUPONS_FILE", "./data/coupons.csv"),
			LedgerFile:  getEnv("LEDGER_FILE", "./data/ledger.csv"),
			S3Bucket:    getEnv("S3_BUCKET", ""),
			S3Prefix:    getEnv("S3_PREFIX", ""),
			S3Region:    getEnv("AWS_REGION", "us-east-1"),
			S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "sqlite3"),
			DSN:    getEnv("DATABASE_DSN", ""),
			Path:   getEnv("DATABASE_PATH", "./coupons.db"),
		},
		Redmine: RedmineConfig{
			URL:         getEnv("REDMINE_URL", ""),
			UserAgent:   getEnv("REDMINE_USER_AGENT", ""),
			Timeout:     getEnvInt("REDMINE_TIMEOUT", 10),
			Concurrency: getEnvInt("REDMINE_CONCURRENCY", 4),
		},
		Pending: PendingConfig{
			Backend:       getEnv("PENDING_BACKEND", PendingMemory),
			TTL:           getEnvInt("PENDING_TTL", 24*60*60),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			Environment: getEnv("ENVIRONMENT", "development"),
			Events:      getEnvBool("EVENTS_ENABLED", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Security: SecurityConfig{
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 100),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Location: getEnv("TIMEZONE", "Local"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Environment variables take precedence over the file.
	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	overrideString(&cfg.Server.Port, "SERVER_PORT")
	overrideString(&cfg.Server.Host, "SERVER_HOST")
	overrideInt(&cfg.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT")

	overrideString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	overrideString(&cfg.Storage.CouponsFile, "COUPONS_FILE")
	overrideString(&cfg.Storage.LedgerFile, "LEDGER_FILE")
	overrideString(&cfg.Storage.S3Bucket, "S3_BUCKET")
	overrideString(&cfg.Storage.S3Prefix, "S3_PREFIX")
	overrideString(&cfg.Storage.S3Region, "AWS_REGION")
	overrideString(&cfg.Storage.S3Endpoint, "S3_ENDPOINT")

	overrideString(&cfg.Database.Driver, "DATABASE_DRIVER")
	overrideString(&cfg.Database.DSN, "DATABASE_DSN")
	overrideString(&cfg.Database.Path, "DATABASE_PATH")

	overrideString(&cfg.Redmine.URL, "REDMINE_URL")
	overrideString(&cfg.Redmine.UserAgent, "REDMINE_USER_AGENT")
	overrideInt(&cfg.Redmine.Timeout, "REDMINE_TIMEOUT")
	overrideInt(&cfg.Redmine.Concurrency, "REDMINE_CONCURRENCY")

	overrideString(&cfg.Pending.Backend, "PENDING_BACKEND")
	overrideInt(&cfg.Pending.TTL, "PENDING_TTL")
	overrideString(&cfg.Pending.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.Pending.RedisPassword, "REDIS_PASSWORD")
	overrideInt(&cfg.Pending.RedisDB, "REDIS_DB")

	overrideBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	overrideString(&cfg.Tracing.Endpoint, "JAEGER_ENDPOINT")
	overrideString(&cfg.Tracing.Environment, "ENVIRONMENT")
	overrideBool(&cfg.Tracing.Events, "EVENTS_ENABLED")
	if ratio := os.Getenv("TRACING_SAMPLE_RATIO"); ratio != "" {
		if f, err := strconv.ParseFloat(ratio, 64); err == nil {
			cfg.Tracing.SampleRatio = f
		}
	}

	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	overrideString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")

	overrideBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	overrideInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	overrideInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	overrideString(&cfg.Location, "TIMEZONE")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")

	overrideFeatures(cfg, "FEATURES")
}

// overrideFeatures reads a list like "admin_api=false,tracker_tags=true".
// A bare name turns the flag on.
func overrideFeatures(cfg *Config, key string) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	if cfg.Features == nil {
		cfg.Features = make(map[string]bool)
	}
	for _, item := range strings.Split(value, ",") {
		name, raw, hasValue := strings.Cut(strings.TrimSpace(item), "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		enabled := true
		if hasValue {
			raw = strings.ToLower(strings.TrimSpace(raw))
			enabled = raw == "true" || raw == "1" || raw == "on"
		}
		cfg.Features[name] = enabled
	}
}

func overrideString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func overrideInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

func overrideBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = strings.ToLower(value) == "true" || value == "1"
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable or returns the default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// LoadLocation resolves the configured time zone.
func (c *Config) LoadLocation() (*time.Location, error) {
	if c.Location == "" || c.Location == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Location)
}

// PendingTTL returns how long staged redemptions are kept.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Pending.TTL) * time.Second
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Backend {
	case StorageCSV:
		if c.Storage.S3Bucket == "" && (c.Storage.CouponsFile == "" || c.Storage.LedgerFile == "") {
			return fmt.Errorf("coupons and ledger files are required for csv storage")
		}
	case StorageSQL:
		if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
			return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
		}
		if c.Database.DSN == "" && (c.Database.Driver != "sqlite3" || c.Database.Path == "") {
			return fmt.Errorf("database dsn is required")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Pending.Backend {
	case PendingMemory:
	case PendingRedis:
		if c.Pending.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis pending backend")
		}
	default:
		return fmt.Errorf("unknown pending backend %q", c.Pending.Backend)
	}
	if c.Pending.TTL < 0 {
		return fmt.Errorf("pending ttl must not be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}

	if _, err := c.LoadLocation(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Location, err)
	}

	return nil
}
