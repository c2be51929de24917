package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/ihegateway/internal/config"
	"github.com/ehr/ihegateway/internal/gateway/delegation"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/blobstore"
	"github.com/ehr/ihegateway/internal/platform/db"
)

// openPool connects when DATABASE_URL is set. A nil pool means the gateway
// runs without a database.
func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func requirePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newObjectStore(cfg *config.Config) (blobstore.ObjectStore, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		client, err := blobstore.NewMinioClient(blobstore.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return blobstore.NewMinioStore(client), nil
	case config.StorageMemory:
		return blobstore.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// newDelegationSource returns the configured grant source and a function
// releasing its connection.
func newDelegationSource(cfg *config.Config, pool *pgxpool.Pool) (delegation.Source, func(), error) {
	noop := func() {}
	switch cfg.DelegationSource {
	case config.DelegationPostgres:
		if pool == nil {
			return nil, noop, fmt.Errorf("postgres delegation source needs DATABASE_URL")
		}
		return delegation.NewPGSource(pool), noop, nil
	case config.DelegationRedis:
		client, err := newRedisClient(cfg)
		if err != nil {
			return nil, noop, err
		}
		return delegation.NewRedisSource(client), func() { _ = client.Close() }, nil
	case config.DelegationNone:
		return delegation.StaticSource{}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown delegation source %q", cfg.DelegationSource)
	}
}

// newRequester describes this gateway on outbound requests. The SAML
// certificate is required to build the holder-of-key assertion.
func newRequester(cfg *config.Config) (security.Requester, error) {
	if cfg.SAMLPublicCertFile == "" {
		return security.Requester{}, fmt.Errorf("SAML_PUBLIC_CERT_FILE is required for outbound requests")
	}
	pemBytes, err := os.ReadFile(cfg.SAMLPublicCertFile)
	if err != nil {
		return security.Requester{}, fmt.Errorf("read SAML certificate: %w", err)
	}
	id, err := security.NewIdentity(pemBytes)
	if err != nil {
		return security.Requester{}, err
	}
	return security.Requester{
		HomeCommunityID: cfg.HomeCommunityID,
		Organization:    cfg.OrganizationName,
		OrganizationID:  cfg.OrganizationID,
		Issuer:          cfg.HomeCommunityID,
		SubjectName:     cfg.OrganizationName,
		ReplyTo:         cfg.ReplyToURL,
		Identity:        id,
		Window:          cfg.SecurityWindow(),
	}, nil
}

func newSOAPClient(cfg *config.Config, logger zerolog.Logger) *soap.Client {
	return soap.NewClient(&http.Client{Timeout: cfg.OutboundTimeout}, logger)
}
