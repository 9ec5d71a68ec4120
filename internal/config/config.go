// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all process configuration.
type Config struct {
	Service      ServiceConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Scheduler    SchedulerConfig
	Telemetry    TelemetryConfig
	CredentialKey string
}

// ServiceConfig holds process-identity settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// SchedulerConfig holds execution-loop and worker-pool tuning.
type SchedulerConfig struct {
	// MaxConcurrentNodes is the default per-Execution worker pool size;
	// a FlowVersion may override it in its settings map.
	MaxConcurrentNodes int
	// GlobalWorkerBudget bounds total in-flight handler invocations across
	// every Execution in the process.
	GlobalWorkerBudget int
	// CancelGracePeriod is how long the execution loop waits for in-flight
	// handlers to unwind after cancellation before force-finalizing.
	CancelGracePeriod time.Duration
	// DefaultTimeout is applied to a node with no explicit per-node timeout.
	DefaultTimeout time.Duration
}

// TelemetryConfig holds observability toggles.
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load reads configuration from the environment, applying defaults.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowengine"),
			User:        getEnv("POSTGRES_USER", "flowengine"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowengine"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentNodes: getEnvInt("SCHEDULER_MAX_CONCURRENT_NODES", 8),
			GlobalWorkerBudget: getEnvInt("SCHEDULER_GLOBAL_WORKER_BUDGET", 256),
			CancelGracePeriod:  getEnvDuration("SCHEDULER_CANCEL_GRACE_PERIOD", 5*time.Second),
			DefaultTimeout:     getEnvDuration("SCHEDULER_DEFAULT_NODE_TIMEOUT", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		// CredentialKey seals credential material at rest (internal/credential).
		// Must be 16, 24, or 32 bytes; the default is for local development only.
		CredentialKey: getEnv("CREDENTIAL_KEY", "dev-only-credential-key-32-byte!"),
	}

	return cfg, cfg.Validate()
}

// Validate checks whether the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	if c.Scheduler.MaxConcurrentNodes < 1 {
		return fmt.Errorf("scheduler max_concurrent_nodes must be >= 1")
	}
	if c.Scheduler.GlobalWorkerBudget < c.Scheduler.MaxConcurrentNodes {
		return fmt.Errorf("scheduler global_worker_budget must be >= max_concurrent_nodes")
	}
	return nil
}

// DatabaseURL returns the Postgres connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port Redis address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
