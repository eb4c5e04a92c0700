package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aegisshield/compliance-audit/internal/cache"
	"github.com/aegisshield/compliance-audit/internal/compliance"
	"github.com/aegisshield/compliance-audit/internal/events"
	"github.com/aegisshield/compliance-audit/internal/reporting"
	"github.com/aegisshield/compliance-audit/internal/screening"
)

// EnvPrefix prefixes environment overrides, e.g. COMPLIANCE_DATABASE_HOST.
const EnvPrefix = "COMPLIANCE"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Monitoring MonitoringConfig        `mapstructure:"monitoring"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Database   DatabaseConfig          `mapstructure:"database"`
	Redis      RedisConfig             `mapstructure:"redis"`
	Kafka      KafkaConfig             `mapstructure:"kafka"`
	Events     events.DispatcherConfig `mapstructure:"events"`
	Compliance ComplianceConfig        `mapstructure:"compliance"`
	Screening  ScreeningConfig         `mapstructure:"screening"`
	Reporting  ReportingConfig         `mapstructure:"reporting"`
	Rules      RulesConfig             `mapstructure:"rules"`
}

// ServerConfig contains HTTP/gRPC server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitoringConfig contains the metrics and health endpoint settings
type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	MetricsPort   int    `mapstructure:"metrics_port"`
	MetricsPath   string `mapstructure:"metrics_path"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig contains database connection settings. Driver "memory"
// keeps rules, checks and reports in process.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	Database  int           `mapstructure:"database"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"`
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Enabled        bool        `mapstructure:"enabled"`
	Brokers        []string    `mapstructure:"brokers"`
	ClientID       string      `mapstructure:"client_id"`
	ConsumerGroup  string      `mapstructure:"consumer_group"`
	EnableConsumer bool        `mapstructure:"enable_consumer"`
	Topics         KafkaTopics `mapstructure:"topics"`
}

// KafkaTopics defines all Kafka topic names
type KafkaTopics struct {
	Verdicts string `mapstructure:"verdicts"`
	Reports  string `mapstructure:"reports"`
}

// ComplianceConfig contains compliance engine settings
type ComplianceConfig struct {
	ScreeningTimeout   time.Duration       `mapstructure:"screening_timeout"`
	CheckBudget        time.Duration       `mapstructure:"check_budget"`
	PersistTimeout     time.Duration       `mapstructure:"persist_timeout"`
	SchemaVersion      int                 `mapstructure:"schema_version"`
	CategoryFrameworks map[string][]string `mapstructure:"category_frameworks"`
}

// ScreeningConfig selects and configures the watchlist provider.
type ScreeningConfig struct {
	Provider  string                     `mapstructure:"provider"`
	HTTP      screening.HTTPConfig       `mapstructure:"http"`
	Breaker   screening.BreakerConfig    `mapstructure:"breaker"`
	Watchlist []screening.WatchlistEntry `mapstructure:"watchlist"`
}

type ReportingConfig struct {
	Schedules []reporting.ScheduleConfig `mapstructure:"schedules"`
}

type RulesConfig struct {
	CatalogPath   string `mapstructure:"catalog_path"`
	SeedOnStartup bool   `mapstructure:"seed_on_startup"`
}

// LoadConfig loads configuration from file and environment variables. An
// empty path uses defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_port", 8081)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "compliance")
	v.SetDefault("database.username", "compliance")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", true)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.key_prefix", cache.DefaultKeyPrefix)
	v.SetDefault("redis.dedupe_ttl", cache.DefaultDedupeTTL.String())
	v.SetDefault("redis.latest_ttl", "0s")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "compliance-audit")
	v.SetDefault("kafka.consumer_group", "compliance-audit-verdicts")
	v.SetDefault("kafka.enable_consumer", false)
	v.SetDefault("kafka.topics.verdicts", "compliance.verdicts")
	v.SetDefault("kafka.topics.reports", "compliance.reports")

	// Event dispatcher defaults
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.workers", 2)
	v.SetDefault("events.max_retries", 5)
	v.SetDefault("events.initial_backoff", "100ms")
	v.SetDefault("events.max_backoff", "5s")
	v.SetDefault("events.enqueue_timeout", "1s")
	v.SetDefault("events.synchronous", false)

	// Compliance defaults
	v.SetDefault("compliance.screening_timeout", "5s")
	v.SetDefault("compliance.check_budget", "15s")
	v.SetDefault("compliance.persist_timeout", "5s")
	v.SetDefault("compliance.schema_version", compliance.VerdictSchemaVersion)
	v.SetDefault("compliance.category_frameworks", map[string][]string{})

	// Screening defaults
	v.SetDefault("screening.provider", "watchlist")
	v.SetDefault("screening.http.base_url", "")
	v.SetDefault("screening.http.api_key", "")
	v.SetDefault("screening.http.request_timeout", "10s")
	v.SetDefault("screening.breaker.consecutive_failures", 5)
	v.SetDefault("screening.breaker.open_timeout", "30s")
	v.SetDefault("screening.breaker.half_open_requests", 1)

	v.SetDefault("rules.catalog_path", "")
	v.SetDefault("rules.seed_on_startup", false)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if c.Monitoring.EnableMetrics && (c.Monitoring.MetricsPort <= 0 || c.Monitoring.MetricsPort > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Monitoring.MetricsPort)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("Kafka brokers are required")
	}

	if c.Compliance.ScreeningTimeout <= 0 {
		return fmt.Errorf("compliance.screening_timeout must be positive")
	}
	if c.Compliance.CheckBudget < c.Compliance.ScreeningTimeout {
		return fmt.Errorf("compliance.check_budget (%s) must be at least the screening timeout (%s)",
			c.Compliance.CheckBudget, c.Compliance.ScreeningTimeout)
	}

	switch c.Screening.Provider {
	case "http":
		if c.Screening.HTTP.BaseURL == "" {
			return fmt.Errorf("screening.http.base_url is required for the http provider")
		}
	case "watchlist":
	default:
		return fmt.Errorf("unsupported screening provider %q", c.Screening.Provider)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Username,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetMigrationURL returns the database URL used by migrations.
func (c *Config) GetMigrationURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis connection address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CacheConfig returns the verdict cache settings.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Addr:      c.GetRedisAddr(),
		Password:  c.Redis.Password,
		DB:        c.Redis.Database,
		KeyPrefix: c.Redis.KeyPrefix,
		DedupeTTL: c.Redis.DedupeTTL,
		LatestTTL: c.Redis.LatestTTL,
	}
}

// KafkaClientConfig returns the broker settings shared by producer and consumer.
func (c *Config) KafkaClientConfig() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:       c.Kafka.Brokers,
		ClientID:      c.Kafka.ClientID,
		ConsumerGroup: c.Kafka.ConsumerGroup,
	}
}

// DispatcherConfig returns the event dispatcher settings with topics applied.
func (c *Config) DispatcherConfig() events.DispatcherConfig {
	cfg := c.Events
	cfg.VerdictTopic = c.Kafka.Topics.Verdicts
	cfg.ReportTopic = c.Kafka.Topics.Reports
	return cfg
}

// EngineConfig returns the orchestrator settings.
func (c *Config) EngineConfig() compliance.EngineConfig {
	return compliance.EngineConfig{
		ScreeningTimeout: c.Compliance.ScreeningTimeout,
		CheckBudget:      c.Compliance.CheckBudget,
		PersistTimeout:   c.Compliance.PersistTimeout,
		SchemaVersion:    c.Compliance.SchemaVersion,
	}
}

// InitLogger initializes the logger based on configuration
func (c *Config) InitLogger() (*zap.Logger, error) {
	var config zap.Config

	if c.Logging.Development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	config.Level = level

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Named("compliance-audit"), nil
}
