// Package config provides configuration management and environment variable handling for the application
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database   DatabaseConfig    `json:"database"`
	Partitions []PartitionConfig `json:"partitions"`
	Server     ServerConfig      `json:"server"`
	JWT        JWTConfig         `json:"jwt"`
	Provider   ProviderConfig    `json:"provider"`
	Dispatcher DispatcherConfig  `json:"dispatcher"`
	Queue      QueueConfig       `json:"queue"`
	Cache      CacheConfig       `json:"cache"`
	AMQP       AMQPConfig        `json:"amqp"`
	Webhook    WebhookConfig     `json:"webhook"`
	Logging    LoggingConfig     `json:"logging"`
	Metrics    MetricsConfig     `json:"metrics"`
	Deployment DeploymentConfig  `json:"deployment"`
}

type DatabaseConfig struct {
	ControlDSN      string        `json:"-"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
	// AutoMigrate creates tables on start; development only
	AutoMigrate bool `json:"auto_migrate"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	BodyLimit       int           `json:"body_limit"`
	RateLimit       int           `json:"rate_limit"` // requests per minute per IP
	SiteURL         string        `json:"site_url"`
}

type JWTConfig struct {
	SecretKey      string        `json:"-"`
	Issuer         string        `json:"issuer"`
	Audience       string        `json:"audience"`
	AccessTokenTTL time.Duration `json:"access_token_ttl"`
}

type ProviderConfig struct {
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"-"`
	Timeout        time.Duration `json:"timeout"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	MaxSenders     int           `json:"max_senders"`
}

type DispatcherConfig struct {
	WorkerCount        int           `json:"worker_count"`
	PollInterval       time.Duration `json:"poll_interval"`
	ClaimBatch         int           `json:"claim_batch"`
	TaskSoftTimeout    time.Duration `json:"task_soft_timeout"`
	TaskHardTimeout    time.Duration `json:"task_hard_timeout"`
	TickInterval       time.Duration `json:"tick_interval"`
	JanitorStuckAfter  time.Duration `json:"janitor_stuck_after"`
	BatchRecoveryGrace time.Duration `json:"batch_recovery_grace"`
}

type QueueConfig struct {
	Backend    string        `json:"backend"` // redis, memory
	Prefix     string        `json:"prefix"`
	Visibility time.Duration `json:"visibility"`
}

type CacheConfig struct {
	RedisURL       string        `json:"-"`
	HealthInterval time.Duration `json:"health_interval"`
}

type AMQPConfig struct {
	URL      string `json:"-"`
	Exchange string `json:"exchange"`
}

// Enabled reports whether outcome events are published
func (c AMQPConfig) Enabled() bool {
	return c.URL != ""
}

type WebhookConfig struct {
	Path         string `json:"path"`
	SecretHeader string `json:"secret_header"`
}

type LoggingConfig struct {
	Level            string `json:"level"`  // debug, info, warn, error
	Format           string `json:"format"` // json, console
	Output           string `json:"output"` // stdout, file, both
	FilePath         string `json:"file_path"`
	MaxSize          int    `json:"max_size"` // MB
	MaxBackups       int    `json:"max_backups"`
	MaxAge           int    `json:"max_age"` // days
	Compress         bool   `json:"compress"`
	EnableCaller     bool   `json:"enable_caller"`
	EnableStacktrace bool   `json:"enable_stacktrace"`
	EnableAccessLog  bool   `json:"enable_access_log"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Load environment variables from .env file
	if err := loadEnvFile(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			ControlDSN:      normalizeDSN(getEnvString("CONTROL_DB_DSN", "")),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", time.Second),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", false),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:       getEnvInt("SERVER_BODY_LIMIT", 4*1024*1024),
			RateLimit:       getEnvInt("SERVER_RATE_LIMIT", 600),
			SiteURL:         strings.TrimRight(getEnvString("SITE_URL", ""), "/"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnvString("JWT_SECRET_KEY", ""),
			Issuer:         getEnvString("JWT_ISSUER", "wa-campaign-dispatcher"),
			Audience:       getEnvString("JWT_AUDIENCE", "operators"),
			AccessTokenTTL: getEnvDuration("JWT_ACCESS_TOKEN_TTL", 12*time.Hour),
		},
		Provider: ProviderConfig{
			BaseURL:        strings.TrimRight(getEnvString("PROVIDER_BASE_URL", ""), "/"),
			APIKey:         getEnvString("PROVIDER_API_KEY", ""),
			Timeout:        time.Duration(getEnvInt("DEFAULT_TIMEOUT_S", 30)) * time.Second,
			MaxRetries:     getEnvInt("PROVIDER_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("PROVIDER_RETRY_BASE_DELAY", time.Second),
			MaxSenders:     getEnvInt("MAX_SENDERS", 20),
		},
		Dispatcher: DispatcherConfig{
			WorkerCount:        getEnvInt("WORKER_COUNT", 8),
			PollInterval:       getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
			ClaimBatch:         getEnvInt("WORKER_CLAIM_BATCH", 16),
			TaskSoftTimeout:    getEnvDuration("TASK_SOFT_TIMEOUT", 240*time.Second),
			TaskHardTimeout:    getEnvDuration("TASK_HARD_TIMEOUT", 300*time.Second),
			TickInterval:       getEnvDuration("SCHEDULER_TICK_INTERVAL", 30*time.Second),
			JanitorStuckAfter:  getEnvDuration("JANITOR_STUCK_AFTER", 5*time.Minute),
			BatchRecoveryGrace: getEnvDuration("BATCH_RECOVERY_GRACE", 10*time.Minute),
		},
		Queue: QueueConfig{
			Backend:    getEnvString("QUEUE_BACKEND", "redis"),
			Prefix:     getEnvString("QUEUE_PREFIX", "dispatcher:tasks"),
			Visibility: getEnvDuration("QUEUE_VISIBILITY", 6*time.Minute),
		},
		Cache: CacheConfig{
			RedisURL:       getEnvString("REDIS_URL", ""),
			HealthInterval: getEnvDuration("REDIS_HEALTH_INTERVAL", 30*time.Second),
		},
		AMQP: AMQPConfig{
			URL:      getEnvString("AMQP_URL", ""),
			Exchange: getEnvString("AMQP_EXCHANGE", "dispatcher.events"),
		},
		Webhook: WebhookConfig{
			Path:         getEnvString("WEBHOOK_PATH", "/api/v1/webhooks/evolution"),
			SecretHeader: getEnvString("WEBHOOK_SECRET_HEADER", "X-Webhook-Secret"),
		},
		Logging: LoggingConfig{
			Level:            getEnvString("LOG_LEVEL", "info"),
			Format:           getEnvString("LOG_FORMAT", "json"),
			Output:           getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:         getEnvString("LOG_FILE_PATH", "logs/dispatcher.log"),
			MaxSize:          getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:       getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:           getEnvInt("LOG_MAX_AGE", 30),
			Compress:         getEnvBool("LOG_COMPRESS", true),
			EnableCaller:     getEnvBool("LOG_ENABLE_CALLER", true),
			EnableStacktrace: getEnvBool("LOG_ENABLE_STACKTRACE", false),
			EnableAccessLog:  getEnvBool("LOG_ENABLE_ACCESS_LOG", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 9090),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("APP_VERSION", "dev"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
		},
	}

	partitions, err := LoadPartitions(getEnvString("PARTITIONS_FILE", ""), getEnvString("PARTITION_DSNS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Partitions = partitions

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads variables from path if it exists; variables already set win
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errs []string

	if cfg.Database.ControlDSN == "" {
		errs = append(errs, "CONTROL_DB_DSN is required")
	}
	if len(cfg.Partitions) == 0 {
		errs = append(errs, "at least one tenant partition is required (PARTITIONS_FILE or PARTITION_DSNS)")
	}
	seen := make(map[string]struct{}, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		if p.Name == "" || p.DSN == "" {
			errs = append(errs, "every partition needs a name and a dsn")
			continue
		}
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Sprintf("partition %q declared twice", p.Name))
		}
		seen[p.Name] = struct{}{}
	}

	if cfg.JWT.SecretKey == "" {
		errs = append(errs, "JWT_SECRET_KEY is required")
	} else if len(cfg.JWT.SecretKey) < 32 {
		errs = append(errs, "JWT_SECRET_KEY must be at least 32 characters long")
	}

	if cfg.Provider.BaseURL == "" {
		errs = append(errs, "PROVIDER_BASE_URL is required")
	}
	if cfg.Provider.APIKey == "" {
		errs = append(errs, "PROVIDER_API_KEY is required")
	}
	if cfg.Provider.Timeout <= 0 {
		errs = append(errs, "DEFAULT_TIMEOUT_S must be positive")
	}
	if cfg.Provider.MaxSenders <= 0 {
		errs = append(errs, "MAX_SENDERS must be positive")
	}
	if cfg.Server.SiteURL == "" {
		errs = append(errs, "SITE_URL is required for webhook registration")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "SERVER_PORT must be between 1 and 65535")
	}

	if cfg.Dispatcher.WorkerCount <= 0 {
		errs = append(errs, "WORKER_COUNT must be positive")
	}
	if cfg.Dispatcher.TaskSoftTimeout <= 0 || cfg.Dispatcher.TaskHardTimeout <= 0 {
		errs = append(errs, "TASK_SOFT_TIMEOUT and TASK_HARD_TIMEOUT must be positive")
	} else if cfg.Dispatcher.TaskSoftTimeout > cfg.Dispatcher.TaskHardTimeout {
		errs = append(errs, "TASK_SOFT_TIMEOUT must not exceed TASK_HARD_TIMEOUT")
	}
	if cfg.Dispatcher.JanitorStuckAfter <= 0 {
		errs = append(errs, "JANITOR_STUCK_AFTER must be positive")
	}

	switch cfg.Queue.Backend {
	case "redis":
		if cfg.Cache.RedisURL == "" {
			errs = append(errs, "REDIS_URL is required when QUEUE_BACKEND=redis")
		}
	case "memory":
	default:
		errs = append(errs, "QUEUE_BACKEND must be one of: redis, memory")
	}
	if cfg.Queue.Visibility <= cfg.Dispatcher.TaskHardTimeout {
		errs = append(errs, "QUEUE_VISIBILITY must exceed TASK_HARD_TIMEOUT")
	}

	if cfg.Webhook.SecretHeader == "" {
		errs = append(errs, "WEBHOOK_SECRET_HEADER is required")
	}

	if cfg.Logging.Level != "" {
		switch cfg.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, "LOG_LEVEL must be one of: [debug info warn error]")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
