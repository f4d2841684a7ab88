// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./parley.yaml or /etc/parley/parley.yaml)
//  3. Default values
//
// Sensitive values (API keys, passwords) are masked in MarshalJSON and
// String, so a Config can be logged without leaking secrets. Validation
// uses sentinel errors so callers can check categories with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the selected provider has no API key.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidRateLimit indicates the rate limit policy is malformed.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidThreshold indicates the similarity threshold is out of [0,1].
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidPostgres indicates the PostgreSQL settings are malformed.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")

	// ErrInvalidRedis indicates the Redis settings are malformed.
	ErrInvalidRedis = errors.New("invalid Redis configuration")
)

// Supported AI providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Admission failure modes.
const (
	FailModeClosed = "closed"
	FailModeOpen   = "open"
)

// Config stores application configuration.
// Sensitive fields are masked in MarshalJSON; update it when adding new
// secrets.
type Config struct {
	// Server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// AI provider and model configuration
	Provider    string  `mapstructure:"provider" json:"provider"` // "openai", "anthropic", "gemini"
	ModelName   string  `mapstructure:"model_name" json:"model_name"`
	APIKey      string  `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Provider pacing (requests per second toward the backend; 0 disables)
	ProviderRPS   float64 `mapstructure:"provider_rps" json:"provider_rps"`
	ProviderBurst int     `mapstructure:"provider_burst" json:"provider_burst"`

	// Conversation history window
	HistoryLimit int `mapstructure:"history_limit" json:"history_limit"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Redis (admission window store)
	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"redis_password"` // SENSITIVE: masked in MarshalJSON
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`

	// Admission policy
	RateLimit       int    `mapstructure:"rate_limit" json:"rate_limit"`
	RateWindowSecs  int    `mapstructure:"rate_window_seconds" json:"rate_window_seconds"`
	RateFailureMode string `mapstructure:"rate_failure_mode" json:"rate_failure_mode"` // "closed" (default) or "open"

	// Retrieval defaults
	EmbedderModel       string  `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderAPIKey      string  `mapstructure:"embedder_api_key" json:"embedder_api_key"` // SENSITIVE: masked in MarshalJSON; falls back to APIKey
	Collection          string  `mapstructure:"collection" json:"collection"`
	TopK                int     `mapstructure:"top_k" json:"top_k"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" json:"similarity_threshold"`

	// Ingestion worker pool
	IngestWorkers   int `mapstructure:"ingest_workers" json:"ingest_workers"`
	IngestQueueSize int `mapstructure:"ingest_queue_size" json:"ingest_queue_size"`
	ChunkSize       int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap    int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// AuthTokens holds comma-separated "identity:token" pairs for bearer
	// authentication. Empty runs the server in single-user mode.
	AuthTokens string `mapstructure:"auth_tokens" json:"-"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("parley")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parley")

	setDefaults(v)

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindSecrets(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env carry it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(v.GetString("database_url")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("model_name", "gpt-4o-mini")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("provider_rps", 0.0)
	v.SetDefault("provider_burst", 1)
	v.SetDefault("history_limit", 20)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "parley")
	v.SetDefault("postgres_password", "parley_dev_password")
	v.SetDefault("postgres_db_name", "parley")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)

	v.SetDefault("rate_limit", 20)
	v.SetDefault("rate_window_seconds", 60)
	v.SetDefault("rate_failure_mode", FailModeClosed)

	v.SetDefault("embedder_model", "gemini-embedding-001")
	v.SetDefault("collection", "documents")
	v.SetDefault("top_k", 5)
	v.SetDefault("similarity_threshold", 0.7)

	v.SetDefault("ingest_workers", 4)
	v.SetDefault("ingest_queue_size", 64)
	v.SetDefault("chunk_size", 500)
	v.SetDefault("chunk_overlap", 50)
}

// bindSecrets binds secret environment variables that do not follow the
// PARLEY_ prefix convention.
func bindSecrets(v *viper.Viper) {
	mustBind := func(key string, envVars ...string) {
		if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q: %v", key, err))
		}
	}

	mustBind("api_key", "PARLEY_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY")
	mustBind("database_url", "DATABASE_URL")
	mustBind("redis_addr", "REDIS_ADDR")
	mustBind("redis_password", "REDIS_PASSWORD")
	mustBind("auth_tokens", "PARLEY_AUTH_TOKENS")
	mustBind("embedder_api_key", "PARLEY_EMBEDDER_API_KEY", "GEMINI_API_KEY")
}

// parseDatabaseURL overrides the discrete PostgreSQL fields from a
// postgres:// URL when one is set. Highest priority for storage settings.
func (c *Config) parseDatabaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPostgres, u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%w: port %q", ErrInvalidPostgres, port)
		}
		c.PostgresPort = p
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// Validate fails fast on malformed configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: provider %q", ErrMissingAPIKey, c.Provider)
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: empty model name", ErrInvalidProvider)
	}

	if c.RateLimit <= 0 {
		return fmt.Errorf("%w: limit %d", ErrInvalidRateLimit, c.RateLimit)
	}
	if c.RateWindowSecs <= 0 {
		return fmt.Errorf("%w: window %ds", ErrInvalidRateLimit, c.RateWindowSecs)
	}
	if c.RateFailureMode != FailModeClosed && c.RateFailureMode != FailModeOpen {
		return fmt.Errorf("%w: failure mode %q", ErrInvalidRateLimit, c.RateFailureMode)
	}

	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, c.SimilarityThreshold)
	}

	if c.PostgresHost == "" || c.PostgresDBName == "" {
		return fmt.Errorf("%w: host and database name are required", ErrInvalidPostgres)
	}
	if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidPostgres, c.PostgresPort)
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidRedis)
	}
	return nil
}

// DSN returns the pgx connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDBName,
		c.PostgresSSLMode)
}

// RateWindow returns the admission window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSecs) * time.Second
}

// maskedValue replaces secrets in serialized output.
const maskedValue = "********"

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return maskedValue
}

// MarshalJSON masks sensitive fields. When adding new secrets, update this
// method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.APIKey = maskSecret(a.APIKey)
	a.EmbedderAPIKey = maskSecret(a.EmbedderAPIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.RedisPassword = maskSecret(a.RedisPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer so printing a Config never leaks secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
