package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for caseboard-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// AllowedOrigins lists origins accepted on the live-collaboration WebSocket.
	// Comma-separated host patterns; empty accepts same-origin only.
	AllowedOriginsStr string   `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-default:""`
	AllowedOrigins    []string `yaml:"-"`

	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Collab   CollabConfig   `yaml:"collab"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an identity provider.
	// Defaults to true (see Load); no env-default tag so YAML false is honoured.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// CookieName is the cookie carrying the session JWT.
	CookieName string `yaml:"cookie_name" env:"AUTH_COOKIE_NAME" env-default:"caseboard_token"`
}

// DatabaseConfig holds node store configuration.
type DatabaseConfig struct {
	// Type selects the store: "postgres" or "memory". The memory store keeps
	// everything in process and is meant for local development.
	Type           string `yaml:"type" env:"PGTYPE" env-default:"postgres"`
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"caseboard"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"caseboard"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
	AutoMigrate    bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"` // Defaults to true (see Load)
}

// RedisConfig holds the optional Redis connection used to relay room
// broadcasts between engine instances. An empty host disables the relay.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// StorageConfig holds the attachment/image store configuration.
type StorageConfig struct {
	// Provider is "s3" or "none". With "none", attachment deletes are no-ops.
	Provider  string `yaml:"provider" env:"STORAGE_PROVIDER" env-default:"none"`
	Bucket    string `yaml:"bucket" env:"STORAGE_BUCKET" env-default:""`
	Region    string `yaml:"region" env:"STORAGE_REGION" env-default:"us-east-1"`
	Endpoint  string `yaml:"endpoint" env:"STORAGE_ENDPOINT" env-default:""` // MinIO or other S3-compatible endpoint
	AccessKey string `yaml:"-" env:"STORAGE_ACCESS_KEY"`                      // Secret - not in YAML
	SecretKey string `yaml:"-" env:"STORAGE_SECRET_KEY"`                      // Secret - not in YAML

	// MaxUploadBytes caps a single attachment upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"STORAGE_MAX_UPLOAD_BYTES" env-default:"26214400"`
}

// CollabConfig tunes the live-collaboration rooms.
type CollabConfig struct {
	// OutboundQueueSize bounds each participant's pending message queue.
	// A participant whose queue overflows is disconnected.
	OutboundQueueSize int           `yaml:"outbound_queue_size" env:"COLLAB_OUTBOUND_QUEUE_SIZE" env-default:"64"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"COLLAB_WRITE_TIMEOUT" env-default:"5s"`
	RegistryShards    int           `yaml:"registry_shards" env:"COLLAB_REGISTRY_SHARDS" env-default:"16"`
	ReadLimitBytes    int64         `yaml:"read_limit_bytes" env:"COLLAB_READ_LIMIT_BYTES" env-default:"1048576"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Environment variables override YAML values. Secrets (PGPASSWORD,
// REDIS_PASSWORD, STORAGE_*_KEY) must come from environment variables.
func Load(version string) (*Config, error) {
	// cleanenv applies env-default to any zero-valued field, which would turn
	// a YAML false back into true. Boolean defaults are set here instead.
	cfg := &Config{
		Version:  version,
		Auth:     AuthConfig{EnableVerification: true},
		Database: DatabaseConfig{AutoMigrate: true},
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.parseComplexFields()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)
	c.AllowedOrigins = splitList(c.AllowedOriginsStr)
}

func (c *Config) validate() error {
	switch c.Database.Type {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.type must be postgres or memory, got %q", c.Database.Type)
	}
	switch c.Storage.Provider {
	case "none":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required when storage.provider is s3")
		}
	default:
		return fmt.Errorf("storage.provider must be s3 or none, got %q", c.Storage.Provider)
	}
	if c.Collab.OutboundQueueSize <= 0 {
		return fmt.Errorf("collab.outbound_queue_size must be positive")
	}
	if c.Collab.RegistryShards <= 0 {
		return fmt.Errorf("collab.registry_shards must be positive")
	}
	if c.Auth.EnableVerification && len(c.Auth.JWKSEndpoints) == 0 {
		return fmt.Errorf("auth.jwks_endpoints is required when auth.enable_verification is true")
	}
	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range splitList(value) {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if ok {
			endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(jwksURL)
		}
	}
	return endpoints
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port pair.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
