package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BuiltinOllamaModels seed the routing hint table before PROVIDER_MODEL_MAPPING
var BuiltinOllamaModels = []string{"llama3.2:1b", "llama2", "mistral", "codellama", "phi", "gemma"}

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Cache         CacheConfig
	Redis         RedisConfig
	Database      DatabaseConfig
	Routing       RoutingConfig
	Providers     ProvidersConfig
	Observability ObservabilityConfig
	Environment   string
	Debug         bool
	Version       string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig controls request authentication
type AuthConfig struct {
	Enabled      bool
	APIKeyHeader string
	APIKeys      []string
	JWTSecret    string
}

// RateLimitConfig controls the per-identity fixed window limiter
type RateLimitConfig struct {
	Enabled     bool
	MaxRequests int
	Window      time.Duration
}

// CacheConfig controls the response cache
type CacheConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// RedisConfig selects the shared store. An empty URL keeps state in-process.
type RedisConfig struct {
	URL string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RoutingConfig drives provider selection
type RoutingConfig struct {
	DefaultProvider   string
	FallbackProviders []string
	ModelMappings     []ModelMapping
}

// ModelMapping lists the models hinted to one provider
type ModelMapping struct {
	Provider string
	Models   []string
}

// ProvidersConfig holds LLM provider configurations
type ProvidersConfig struct {
	Ollama OllamaConfig
	OpenAI OpenAIConfig
}

// OllamaConfig holds Ollama provider configuration
type OllamaConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIConfig holds OpenAI provider configuration
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	mappings, err := loadModelMappings(getEnv("PROVIDER_MODEL_MAPPING", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENV", getEnv("ENVIRONMENT", "development")),
		Debug:       getEnvAsBool("DEBUG", false),
		Version:     getEnv("APP_VERSION", "1.0.0"),
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnvAsInt("PORT", 8000),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			Enabled:      getEnvAsBool("AUTH_ENABLED", false),
			APIKeyHeader: getEnv("API_KEY_HEADER", "X-API-Key"),
			APIKeys:      getEnvAsList("API_KEYS"),
			JWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvAsBool("RATE_LIMIT_ENABLED", true),
			MaxRequests: getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 100),
			Window:      time.Duration(getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    getEnvAsBool("CACHE_ENABLED", true),
			TTL:        time.Duration(getEnvAsInt("CACHE_TTL_SECONDS", 300)) * time.Second,
			MaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 10000),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Database: loadDatabaseConfig(),
		Routing: RoutingConfig{
			DefaultProvider:   strings.ToLower(getEnv("DEFAULT_PROVIDER", "ollama")),
			FallbackProviders: lowerAll(getEnvAsList("FALLBACK_PROVIDERS")),
			ModelMappings:     mappings,
		},
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{
				BaseURL:    getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
				Timeout:    getEnvAsDuration("OLLAMA_TIMEOUT", 30*time.Second),
				MaxRetries: getEnvAsInt("OLLAMA_MAX_RETRIES", 3),
			},
			OpenAI: OpenAIConfig{
				APIKey:     getEnv("OPENAI_API_KEY", ""),
				BaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Timeout:    getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
				MaxRetries: getEnvAsInt("OPENAI_MAX_RETRIES", 3),
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Routing.DefaultProvider == "" {
		return fmt.Errorf("default provider is required")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but neither API_KEYS nor AUTH_JWT_SECRET is set")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate limit max requests must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}

	if c.Cache.Enabled && c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	switch c.Observability.LogFormat {
	case "json", "console", "text":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Observability.LogFormat)
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Enabled reports whether a database is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadDatabaseConfig reads DATABASE_URL, or DB_HOST and friends when only those are set.
// Neither set leaves persistence disabled.
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		ConnectionString: getEnv("DATABASE_URL", ""),
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if cfg.ConnectionString != "" {
		return cfg
	}

	cfg.Host = getEnv("DB_HOST", "")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "gateway")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "llm_gateway")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// loadModelMappings merges PROVIDER_MODEL_MAPPING into the built-in ollama
// mapping. Each value may be a single model or a list. Providers from the
// variable are applied in sorted order.
func loadModelMappings(raw string) ([]ModelMapping, error) {
	mappings := []ModelMapping{{
		Provider: "ollama",
		Models:   append([]string(nil), BuiltinOllamaModels...),
	}}

	if strings.TrimSpace(raw) == "" {
		return mappings, nil
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_MODEL_MAPPING: %w", err)
	}

	providers := make([]string, 0, len(parsed))
	for provider := range parsed {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	for _, provider := range providers {
		models, err := decodeModels(parsed[provider])
		if err != nil {
			return nil, fmt.Errorf("invalid PROVIDER_MODEL_MAPPING entry %q: %w", provider, err)
		}

		name := strings.ToLower(strings.TrimSpace(provider))
		merged := false
		for i := range mappings {
			if mappings[i].Provider == name {
				mappings[i].Models = append(mappings[i].Models, models...)
				merged = true
				break
			}
		}
		if !merged {
			mappings = append(mappings, ModelMapping{Provider: name, Models: models})
		}
	}

	return mappings, nil
}

func decodeModels(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("expected a model name or a list of model names")
	}
	return many, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") or a bare number of seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lowerAll(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}
