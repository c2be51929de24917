package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ihegateway/internal/config"
	"github.com/ehr/ihegateway/internal/gateway/delegation"
	"github.com/ehr/ihegateway/internal/gateway/dr"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/server"
	"github.com/ehr/ihegateway/internal/platform/auth"
	"github.com/ehr/ihegateway/internal/platform/db"
	"github.com/ehr/ihegateway/internal/platform/hipaa"
	"github.com/ehr/ihegateway/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ihe-gateway",
		Short: "IHE / Carequality cross-community gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(delegationCmd())
	rootCmd.AddCommand(xcpdCmd())
	rootCmd.AddCommand(dqCmd())
	rootCmd.AddCommand(drCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the responding gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if pool != nil {
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	// Storage
	store, err := newObjectStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open document storage")
	}

	// Delegation
	source, closeSource, err := newDelegationSource(cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open delegation source")
	}
	defer closeSource()
	grants := delegation.NewCache(source, logger)
	if err := grants.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial delegation load failed; delegated requests will be refused until the next refresh")
	}
	go grants.Run(ctx, cfg.DelegationRefreshInterval)

	// Disclosure accounting
	var disclosures hipaa.DisclosureStore = hipaa.NewMemoryDisclosureStore()
	if pool != nil {
		disclosures = hipaa.NewPGDisclosureStore(pool)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())

	checks := map[string]db.Check{
		"delegation": func(context.Context) error {
			if grants.LoadedAt().IsZero() {
				return errors.New("delegation grants not loaded")
			}
			return nil
		},
	}
	if pool != nil {
		checks["database"] = db.PoolCheck(pool)
	}
	e.GET("/health", db.HealthHandler(pool, checks))

	// Gateway endpoints
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	soapGroup := e.Group("", middleware.BodyLimit(cfg.BodyLimit), middleware.RateLimit(rateLimitCfg))

	gateway := server.NewHandler(server.Deps{
		Matcher:    server.NoMatch{},
		Index:      server.StorageIndex{Store: store, Bucket: cfg.DocumentsBucket, HomeCommunityID: cfg.HomeCommunityID},
		Locator:    server.StorageLocator{HomeCommunityID: cfg.HomeCommunityID},
		Authorizer: grants,
		Replay:     middleware.NewReplayGuard(cfg.SecurityWindow()),
		Store:      store,
		Retrieval:  dr.Options{Bucket: cfg.DocumentsBucket, Concurrency: cfg.DRFetchConcurrency},
		Responder: security.Responder{
			HomeCommunityID: cfg.HomeCommunityID,
			Organization:    cfg.OrganizationName,
			Window:          cfg.SecurityWindow(),
		},
		Disclosures: disclosures,
		Logger:      logger,
	})
	gateway.RegisterRoutes(soapGroup)

	// Operator API
	admin := e.Group("/admin", operatorAuth(cfg))
	delegation.NewHandler(grants).RegisterRoutes(admin.Group("", auth.RequireRole(auth.RoleAdmin)))
	hipaa.NewDisclosureHandler(disclosures).RegisterRoutes(admin.Group("", auth.RequireRole(auth.RoleAuditor)))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("home_community_id", cfg.HomeCommunityID).
			Str("storage", cfg.StorageBackend).
			Str("delegation", cfg.DelegationSource).
			Msg("starting gateway")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// operatorAuth picks bearer token validation, falling back to the
// development stub when no issuer or key is configured outside production.
func operatorAuth(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}
