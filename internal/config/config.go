// Package config provides environment-based configuration loading for
// the gateway engine and its subsystems.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration values for the gateway.
// Optional fields have sensible defaults; invalid combinations fail at
// startup and are never surfaced per-request.
type Config struct {
	// Prefix is the path root the gateway claims. Requests outside it
	// are declined and passed back to the surrounding server.
	Prefix string `envconfig:"API_PREFIX" default:"/api"`

	// Environment and logging
	Env         string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"apigate"`

	// CORS
	// CORSOrigin is "*", a single origin, or a comma-separated allow-list.
	CORSOrigin      string        `envconfig:"CORS_ORIGIN" default:"*"`
	CORSMethods     []string      `envconfig:"CORS_METHODS" default:"GET,POST,PUT,PATCH,DELETE,OPTIONS"`
	CORSCredentials bool          `envconfig:"CORS_CREDENTIALS" default:"false"`
	CORSMaxAge      time.Duration `envconfig:"CORS_MAX_AGE" default:"24h"`

	// Rate limiting
	RateLimitWindow     time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitMax        int           `envconfig:"RATE_LIMIT_MAX" default:"100"`
	RateLimitMaxEntries int           `envconfig:"RATE_LIMIT_MAX_ENTRIES" default:"10000"`

	// Security
	EnableCSRF            bool          `envconfig:"ENABLE_CSRF" default:"false"`
	CSRFTokenTTL          time.Duration `envconfig:"CSRF_TOKEN_TTL" default:"1h"`
	CSRFMaxTokens         int           `envconfig:"CSRF_MAX_TOKENS" default:"5000"`
	EnableSecurityHeaders bool          `envconfig:"ENABLE_SECURITY_HEADERS" default:"true"`
	MaxBodySize           int64         `envconfig:"MAX_BODY_SIZE" default:"1048576"`
	AllowedMethods        []string      `envconfig:"ALLOWED_METHODS" default:"GET,POST,PUT,PATCH,DELETE,OPTIONS,HEAD"`
	SanitizeInput         bool          `envconfig:"SANITIZE_INPUT" default:"true"`

	// Cache
	CacheEnabled    bool          `envconfig:"CACHE_ENABLED" default:"true"`
	CacheAdapter    string        `envconfig:"CACHE_ADAPTER" default:"memory"`
	CacheMaxSize    int           `envconfig:"CACHE_MAX_SIZE" default:"100"`
	CacheDefaultTTL time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"5m"`
	CacheKeyPrefix  string        `envconfig:"CACHE_KEY_PREFIX" default:"apigate:"`
	CacheVaryBy     []string      `envconfig:"CACHE_VARY_BY"`
	// CacheMethods is the set of methods eligible for caching.
	CacheMethods []string `envconfig:"CACHE_METHODS" default:"GET"`

	// Redis (external cache adapter)
	RedisHost         string        `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort         int           `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `envconfig:"REDIS_DB" default:"0"`
	RedisDialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	RedisReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	RedisWriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`

	// Compression
	CompressionEnabled   bool     `envconfig:"COMPRESSION_ENABLED" default:"true"`
	CompressionThreshold int      `envconfig:"COMPRESSION_THRESHOLD" default:"1024"`
	CompressionLevel     int      `envconfig:"COMPRESSION_LEVEL" default:"6"`
	CompressionAlgos     []string `envconfig:"COMPRESSION_ALGORITHMS" default:"br,gzip,deflate"`
	CompressibleTypes    []string `envconfig:"COMPRESSIBLE_TYPES" default:"application/json,text/html,text/plain,text/css,application/javascript,application/xml,image/svg+xml"`
	CompressionExcludes  []string `envconfig:"COMPRESSION_EXCLUDE_PATTERNS"`

	// Timeout
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// Sweeper
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`

	// Status endpoint
	StatusEnabled bool   `envconfig:"STATUS_ENABLED" default:"true"`
	StatusPath    string `envconfig:"STATUS_PATH" default:"/__status"`

	// Dev server
	Port            int           `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// OpenTelemetry
	OTELEnabled          bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTELExporterEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELExporterInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
}

// Redacted returns a safe string representation of the Config for logging.
func (c *Config) Redacted() string {
	safe := *c
	safe.RedisPassword = "[REDACTED]"
	return fmt.Sprintf("%+v", safe)
}

// Load reads configuration from environment variables.
// It returns an error if validation fails.
func Load() (*Config, error) {
	const op = "config.Load"

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// Validate normalizes fields and checks cross-field constraints.
func (c *Config) Validate() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.CacheAdapter = strings.ToLower(strings.TrimSpace(c.CacheAdapter))

	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("invalid ENV: must be one of development, staging, production, test")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: must be one of debug, info, warn, error")
	}

	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("invalid SERVICE_NAME: must not be empty")
	}

	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix == "" || !strings.HasPrefix(c.Prefix, "/") {
		return fmt.Errorf("invalid API_PREFIX: must start with '/'")
	}
	c.Prefix = strings.TrimRight(c.Prefix, "/")
	if c.Prefix == "" {
		return fmt.Errorf("invalid API_PREFIX: must not be the bare root")
	}

	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_WINDOW: must be greater than 0")
	}
	if c.RateLimitMax < 1 {
		return fmt.Errorf("invalid RATE_LIMIT_MAX: must be greater than 0")
	}
	if c.RateLimitMaxEntries < 1 {
		return fmt.Errorf("invalid RATE_LIMIT_MAX_ENTRIES: must be greater than 0")
	}

	if c.CSRFTokenTTL <= 0 {
		return fmt.Errorf("invalid CSRF_TOKEN_TTL: must be greater than 0")
	}
	if c.CSRFMaxTokens < 1 {
		return fmt.Errorf("invalid CSRF_MAX_TOKENS: must be greater than 0")
	}

	if c.MaxBodySize < 1 {
		return fmt.Errorf("invalid MAX_BODY_SIZE: must be greater than 0")
	}
	if len(c.AllowedMethods) == 0 {
		return fmt.Errorf("invalid ALLOWED_METHODS: must not be empty")
	}
	for i, m := range c.AllowedMethods {
		c.AllowedMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}

	switch c.CacheAdapter {
	case "memory", "external":
	default:
		return fmt.Errorf("invalid CACHE_ADAPTER: must be 'memory' or 'external'")
	}
	if c.CacheMaxSize < 1 {
		return fmt.Errorf("invalid CACHE_MAX_SIZE: must be greater than 0")
	}
	if c.CacheDefaultTTL <= 0 {
		return fmt.Errorf("invalid CACHE_DEFAULT_TTL: must be greater than 0")
	}
	for i, m := range c.CacheMethods {
		c.CacheMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}

	if c.CompressionThreshold < 0 {
		return fmt.Errorf("invalid COMPRESSION_THRESHOLD: must be non-negative")
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 11 {
		return fmt.Errorf("invalid COMPRESSION_LEVEL: must be between 1 and 11")
	}
	for _, algo := range c.CompressionAlgos {
		switch strings.ToLower(strings.TrimSpace(algo)) {
		case "br", "gzip", "deflate":
		default:
			return fmt.Errorf("invalid COMPRESSION_ALGORITHMS: unknown algorithm %q", algo)
		}
	}
	for _, pattern := range c.CompressionExcludes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid COMPRESSION_EXCLUDE_PATTERNS: %q: %w", pattern, err)
		}
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid REQUEST_TIMEOUT: must be greater than 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL: must be greater than 0")
	}

	if c.StatusEnabled {
		if !strings.HasPrefix(c.StatusPath, "/") {
			return fmt.Errorf("invalid STATUS_PATH: must start with '/'")
		}
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: must be between 0 and 65535")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid SHUTDOWN_TIMEOUT: must be greater than 0")
	}

	if c.OTELEnabled && strings.TrimSpace(c.OTELExporterEndpoint) == "" {
		return fmt.Errorf("OTEL_ENABLED is true but OTEL_EXPORTER_OTLP_ENDPOINT is empty")
	}

	return nil
}

// AllowedOrigins splits the configured CORS origin into an allow-list.
// "*" yields a single wildcard entry.
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSOrigin, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}

// IsDevelopment returns true if running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
