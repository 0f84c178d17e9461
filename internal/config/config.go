package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	MaxUploadMB       int           `mapstructure:"max_upload_mb"`
	SubmitRatePerMin  float64       `mapstructure:"submit_rate_per_min"`
	SubmitBurst       int           `mapstructure:"submit_burst"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	AllowedOrigin     string        `mapstructure:"allowed_origin"`
}

// AnalysisConfig holds the mining and network defaults applied when a
// request does not override them
type AnalysisConfig struct {
	MinSupport  float64 `mapstructure:"min_support"`
	MaxLen      int     `mapstructure:"max_len"`
	MinLift     float64 `mapstructure:"min_lift"`
	MaxItemsets int     `mapstructure:"max_itemsets"`
	StrictGraph bool    `mapstructure:"strict_graph"`
	NClusters   int     `mapstructure:"n_clusters"`
}

// JobsConfig holds background worker configuration
type JobsConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	TTL              time.Duration `mapstructure:"ttl"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	MaxRecords       int           `mapstructure:"max_records"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath      string `mapstructure:"db_path"`
	ArtifactDir string `mapstructure:"artifact_dir"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// Neo4jConfig holds the optional graph database export target
type Neo4jConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URI      string        `mapstructure:"uri"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// OpenAIConfig holds the optional cluster naming backend
type OpenAIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envKeyReplacer maps nested keys such as jobs.workers to POSNET_JOBS_WORKERS
var envKeyReplacer = strings.NewReplacer(".", "_")

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("POSNET")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets conventionally live in .env under their vendor names.
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = v.GetString("openai_api_key_fallback")
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_upload_mb", 64)
	v.SetDefault("server.submit_rate_per_min", 30)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.allowed_origin", "*")

	v.SetDefault("analysis.min_support", 0.0001)
	v.SetDefault("analysis.max_len", 2)
	v.SetDefault("analysis.min_lift", 1.0)
	v.SetDefault("analysis.max_itemsets", 1000)
	v.SetDefault("analysis.strict_graph", true)
	v.SetDefault("analysis.n_clusters", 4)

	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_size", 16)
	v.SetDefault("jobs.ttl", "24h")
	v.SetDefault("jobs.eviction_interval", "10m")
	v.SetDefault("jobs.max_records", 500)

	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.artifact_dir", "")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.timeout", "30s")

	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", "30s")
	_ = v.BindEnv("openai_api_key_fallback", "OPENAI_API_KEY")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("server.max_upload_mb must be at least 1")
	}
	if c.Server.SubmitRatePerMin <= 0 {
		return fmt.Errorf("server.submit_rate_per_min must be positive")
	}
	if c.Server.SubmitBurst < 1 {
		return fmt.Errorf("server.submit_burst must be at least 1")
	}

	if c.Analysis.MinSupport <= 0 || c.Analysis.MinSupport > 1 {
		return fmt.Errorf("analysis.min_support must be in (0, 1]")
	}
	if c.Analysis.MaxLen < 1 {
		return fmt.Errorf("analysis.max_len must be at least 1")
	}
	if c.Analysis.MinLift < 0 {
		return fmt.Errorf("analysis.min_lift must not be negative")
	}
	if c.Analysis.MaxItemsets < 1 {
		return fmt.Errorf("analysis.max_itemsets must be at least 1")
	}
	if c.Analysis.NClusters < 1 {
		return fmt.Errorf("analysis.n_clusters must be at least 1")
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if c.Jobs.QueueSize < 1 {
		return fmt.Errorf("jobs.queue_size must be at least 1")
	}
	if c.Jobs.TTL < time.Minute {
		return fmt.Errorf("jobs.ttl must be at least 1 minute")
	}
	if c.Jobs.EvictionInterval < time.Second {
		return fmt.Errorf("jobs.eviction_interval must be at least 1 second")
	}
	if c.Jobs.MaxRecords < 1 {
		return fmt.Errorf("jobs.max_records must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Neo4j.Enabled && c.Neo4j.URI == "" {
		return fmt.Errorf("neo4j.uri is required when neo4j is enabled")
	}

	if c.OpenAI.Enabled && c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key (or OPENAI_API_KEY) is required when openai is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Addr returns the host:port the HTTP server listens on
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
