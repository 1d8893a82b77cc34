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
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/inventory"
	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/domain/messaging"
	"github.com/lims/lims/internal/domain/pathology"
	"github.com/lims/lims/internal/domain/patient"
	"github.com/lims/lims/internal/domain/staff"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/cache"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/idempotency"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/reporting"
	"github.com/lims/lims/internal/platform/websocket"
)

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if _, err := db.NewMigratorFS(pool, migrationFS(cfg.MigrationsDir)).Up(ctx, db.SchemaFor(cfg.DefaultTenant)); err != nil {
		logger.Fatal().Err(err).Str("tenant", cfg.DefaultTenant).Msg("failed to migrate default tenant")
	}

	var checks []db.Check

	// Redis backs idempotency keys, token revocation and event sequences
	// when configured; single-instance deployments run in memory.
	var (
		idemStore idempotency.Store   = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		revoker   auth.Revoker        = auth.NewMemoryRevoker()
		sequencer websocket.Sequencer = websocket.NewMemorySequencer()
	)
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		idemStore = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
		revoker = auth.NewRedisRevoker(rdb)
		sequencer = websocket.NewRedisSequencer(rdb)
		checks = append(checks, db.Check{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
		logger.Info().Msg("connected to redis")
	}

	hub := websocket.NewHub(logger)
	bus := websocket.NewBus(hub, sequencer, logger)
	var relay *websocket.NATSRelay
	if cfg.NATSURL != "" {
		nc, err := websocket.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Close()
		relay = websocket.NewNATSRelay(nc, cfg.NATSSubject, bus, logger)
		checks = append(checks, db.Check{Name: "nats", Fn: func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		}})
	}

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	verifier := auth.NewVerifier(jwtCfg, revoker)
	issuer := auth.NewTokenIssuer(jwtCfg, cfg.TokenTTL)
	policy := auth.DefaultPolicy()
	keys := auth.NewAPIKeyManager(auth.NewPGAPIKeyStore(pool))

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = apperror.Handler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, "X-API-Key", "X-Tenant-ID", "If-Match", "If-None-Match", "Idempotency-Key"},
		ExposeHeaders: []string{echo.HeaderXRequestID, "ETag"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	authenticate := websocket.TokenAuthenticator(verifier.Verify)
	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		logger.Warn().Msg("development auth: requests without credentials act as admin")
		e.Use(auth.DevAuthMiddleware(verifier, keys))
	default:
		e.Use(auth.Authenticate(verifier, keys))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api")
	api.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	api.Use(middleware.Audit(logger, middleware.NewPGAuditRecorder(pool)))

	idem := idempotency.Middleware(idemStore, logger)
	tx := db.NewTransactor(pool)

	catalogSvc := catalog.NewService(catalog.NewRepoPG(pool), tx, logger)
	patientSvc := patient.NewService(patient.NewRepoPG(pool), logger)
	requestSvc := labrequest.NewService(labrequest.NewRepoPG(pool), catalogSvc, patientSvc, tx, bus, logger)
	pathologySvc := pathology.NewService(pathology.NewRepoPG(pool), catalogSvc, tx, policy, bus, logger)
	messagingSvc := messaging.NewService(messaging.NewRepoPG(pool), bus, logger)
	inventorySvc := inventory.NewService(inventory.NewRepoPG(pool), tx, logger)
	staffSvc := staff.NewService(staff.NewRepoPG(pool), issuer, revoker, policy, logger)

	catalog.NewHandler(catalogSvc).RegisterRoutes(api, policy)
	patient.NewHandler(patientSvc).RegisterRoutes(api, policy)
	labrequest.NewHandler(requestSvc, idem).RegisterRoutes(api, policy)
	pathology.NewHandler(pathologySvc, idem).RegisterRoutes(api, policy)
	messaging.NewHandler(messagingSvc).RegisterRoutes(api, policy)
	inventory.NewHandler(inventorySvc, idem).RegisterRoutes(api, policy)
	staff.NewHandler(staffSvc).RegisterRoutes(api, api, policy)
	auth.NewAPIKeyHandler(keys).RegisterRoutes(api, policy)
	reporting.NewHandler(reporting.NewPGRunner(pool), policy).RegisterRoutes(api)
	api.GET("/me", auth.MeHandler(policy))

	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		authenticate = func(ctx context.Context, token string) (*auth.Principal, error) {
			if token == "" {
				return &auth.Principal{UserID: "dev-user", Name: "Developer", Roles: []string{auth.RoleAdmin}, Method: "dev"}, nil
			}
			return verifier.Verify(ctx, token)
		}
	}
	websocket.NewHandler(hub, bus, authenticate, cfg.DefaultTenant, cfg.CORSOrigins, logger).RegisterRoutes(e, api)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting LIMS server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return metrics.ObservePool(gctx, pool, 15*time.Second)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
