package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	HomeCommunityID  string `mapstructure:"HOME_COMMUNITY_ID"`
	OrganizationName string `mapstructure:"ORGANIZATION_NAME"`
	OrganizationID   string `mapstructure:"ORGANIZATION_ID"`
	ReplyToURL       string `mapstructure:"REPLY_TO_URL"`

	SAMLPublicCertFile    string `mapstructure:"SAML_PUBLIC_CERT_FILE"`
	SecurityWindowMinutes int    `mapstructure:"SECURITY_WINDOW_MINUTES"`

	StorageBackend  string `mapstructure:"STORAGE_BACKEND"`
	DocumentsBucket string `mapstructure:"DOCUMENTS_BUCKET"`
	S3Endpoint      string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey     string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey     string `mapstructure:"S3_SECRET_KEY"`
	S3UseSSL        bool   `mapstructure:"S3_USE_SSL"`
	S3Region        string `mapstructure:"S3_REGION"`

	DRFetchConcurrency int `mapstructure:"DR_FETCH_CONCURRENCY"`

	DelegationSource          string        `mapstructure:"DELEGATION_SOURCE"`
	DelegationRefreshInterval time.Duration `mapstructure:"DELEGATION_REFRESH_INTERVAL"`
	RedisURL                  string        `mapstructure:"REDIS_URL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	OutboundTimeout time.Duration `mapstructure:"OUTBOUND_TIMEOUT"`
}

// Storage backends and delegation sources.
const (
	StorageMemory = "memory"
	StorageS3     = "s3"

	DelegationPostgres = "postgres"
	DelegationRedis    = "redis"
	DelegationNone     = "none"
)

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"HOME_COMMUNITY_ID", "ORGANIZATION_NAME", "ORGANIZATION_ID", "REPLY_TO_URL",
	"SAML_PUBLIC_CERT_FILE", "SECURITY_WINDOW_MINUTES",
	"STORAGE_BACKEND", "DOCUMENTS_BUCKET", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_USE_SSL", "S3_REGION",
	"DR_FETCH_CONCURRENCY",
	"DELEGATION_SOURCE", "DELEGATION_REFRESH_INTERVAL", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "OUTBOUND_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ORGANIZATION_NAME", "IHE Gateway")
	v.SetDefault("SECURITY_WINDOW_MINUTES", 5)
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("DOCUMENTS_BUCKET", "medical-documents")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("DR_FETCH_CONCURRENCY", 5)
	v.SetDefault("DELEGATION_SOURCE", "postgres")
	v.SetDefault("DELEGATION_REFRESH_INTERVAL", "5m")
	v.SetDefault("BODY_LIMIT", "20M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("OUTBOUND_TIMEOUT", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StorageBackend = strings.ToLower(cfg.StorageBackend)
	cfg.DelegationSource = strings.ToLower(cfg.DelegationSource)

	if cfg.HomeCommunityID == "" {
		return nil, fmt.Errorf("HOME_COMMUNITY_ID is required")
	}

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		log.Println("WARNING: admin API is unauthenticated in development mode; set AUTH_SIGNING_KEY or AUTH_ISSUER before deploying")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SecurityWindow is how far a WS-Security timestamp may expire after it
// was created.
func (c *Config) SecurityWindow() time.Duration {
	return time.Duration(c.SecurityWindowMinutes) * time.Minute
}

// Validate checks cross-field rules that Load cannot express as defaults.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
		}
	case StorageS3:
		if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required when STORAGE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\" or \"s3\", got %q", c.StorageBackend)
	}

	switch c.DelegationSource {
	case DelegationPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DELEGATION_SOURCE is \"postgres\"")
		}
	case DelegationRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when DELEGATION_SOURCE is \"redis\"")
		}
	case DelegationNone:
	default:
		return fmt.Errorf("DELEGATION_SOURCE must be \"postgres\", \"redis\", or \"none\", got %q", c.DelegationSource)
	}
	if c.DelegationSource != DelegationNone && c.DelegationRefreshInterval <= 0 {
		return fmt.Errorf("DELEGATION_REFRESH_INTERVAL must be positive")
	}

	if c.SecurityWindowMinutes <= 0 {
		return fmt.Errorf("SECURITY_WINDOW_MINUTES must be positive, got %d", c.SecurityWindowMinutes)
	}
	if c.DRFetchConcurrency <= 0 {
		return fmt.Errorf("DR_FETCH_CONCURRENCY must be positive, got %d", c.DRFetchConcurrency)
	}

	if c.IsProduction() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY is required in production")
	}
	return nil
}
