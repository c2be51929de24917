package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_RequiresHomeCommunityID(t *testing.T) {
	os.Unsetenv("HOME_COMMUNITY_ID")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when HOME_COMMUNITY_ID is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME_COMMUNITY_ID", "2.16.840.1.113883.3.9621")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HomeCommunityID != "2.16.840.1.113883.3.9621" {
		t.Errorf("expected HOME_COMMUNITY_ID to be set, got %s", cfg.HomeCommunityID)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.StorageBackend != "memory" {
		t.Errorf("expected memory storage, got %s", cfg.StorageBackend)
	}
	if cfg.DRFetchConcurrency != 5 {
		t.Errorf("expected DR concurrency 5, got %d", cfg.DRFetchConcurrency)
	}
	if cfg.DelegationRefreshInterval != 5*time.Minute {
		t.Errorf("expected 5m refresh, got %s", cfg.DelegationRefreshInterval)
	}
	if cfg.SecurityWindow() != 5*time.Minute {
		t.Errorf("expected 5m security window, got %s", cfg.SecurityWindow())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HOME_COMMUNITY_ID", "1.2.3")
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("OUTBOUND_TIMEOUT", "15s")
	t.Setenv("RATE_LIMIT_RPS", "7.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StorageBackend != "s3" {
		t.Errorf("expected lowercased s3, got %s", cfg.StorageBackend)
	}
	if cfg.OutboundTimeout != 15*time.Second {
		t.Errorf("expected 15s, got %s", cfg.OutboundTimeout)
	}
	if cfg.RateLimitRPS != 7.5 {
		t.Errorf("expected 7.5, got %v", cfg.RateLimitRPS)
	}
}

func validConfig() *Config {
	return &Config{
		Env:                       "development",
		HomeCommunityID:           "1.2.3",
		StorageBackend:            "memory",
		DelegationSource:          "postgres",
		DatabaseURL:               "postgres://localhost/gateway",
		DelegationRefreshInterval: time.Minute,
		SecurityWindowMinutes:     5,
		DRFetchConcurrency:        5,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"memory in production", func(c *Config) { c.Env = "production"; c.AuthSigningKey = "k" }, true},
		{"s3 without credentials", func(c *Config) { c.StorageBackend = "s3" }, true},
		{"s3 complete", func(c *Config) {
			c.StorageBackend = "s3"
			c.S3Endpoint, c.S3AccessKey, c.S3SecretKey = "minio:9000", "a", "b"
		}, false},
		{"unknown storage", func(c *Config) { c.StorageBackend = "gcs" }, true},
		{"postgres without url", func(c *Config) { c.DatabaseURL = "" }, true},
		{"redis without url", func(c *Config) { c.DelegationSource = "redis" }, true},
		{"no delegation", func(c *Config) { c.DelegationSource = "none"; c.DatabaseURL = "" }, false},
		{"zero refresh", func(c *Config) { c.DelegationRefreshInterval = 0 }, true},
		{"zero window", func(c *Config) { c.SecurityWindowMinutes = 0 }, true},
		{"zero concurrency", func(c *Config) { c.DRFetchConcurrency = 0 }, true},
		{"production without admin auth", func(c *Config) {
			c.Env = "production"
			c.StorageBackend = "s3"
			c.S3Endpoint, c.S3AccessKey, c.S3SecretKey = "minio:9000", "a", "b"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() || !c.IsProduction() {
		t.Error("expected production mode")
	}
}
