package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/telemetry"
)

// app holds every long-lived store. It is built once by the composition
// root and handed to the HTTP server or a CLI command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	loc     *time.Location
	clock   scheduling.Clock
	pool    *pgxpool.Pool
	redis   *redis.Client
	metrics *telemetry.Metrics

	doctors *scheduling.Directory
	ledger  scheduling.Ledger
	avail   *scheduling.AvailabilityIndex
	life    *scheduling.Lifecycle
	queue   *scheduling.QueueTracker
}

// buildApp connects the configured backends. A nil clock means the system
// clock in the clinic timezone.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, clock scheduling.Clock) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = scheduling.LocalClock{Location: loc}
	}

	doctors, err := scheduling.LoadDirectory(cfg.DoctorsFile)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("doctors", len(doctors.List())).Str("file", cfg.DoctorsFile).Msg("doctor directory loaded")

	a := &app{
		cfg:     cfg,
		logger:  logger,
		loc:     loc,
		clock:   clock,
		metrics: telemetry.NewMetrics(),
		doctors: doctors,
	}

	if cfg.NeedsPostgres() {
		a.pool, err = db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
	}

	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		a.ledger = scheduling.NewPGLedger(a.pool)
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.ledger = scheduling.NewRedisLedger(a.redis, cfg.RedisKeyPrefix)
		logger.Info().Msg("connected to redis")
	default:
		a.ledger = scheduling.NewMemoryLedger()
	}

	var repo scheduling.AppointmentRepository
	opts := []scheduling.LifecycleOption{
		scheduling.WithLogger(logger),
		scheduling.WithMetrics(a.metrics),
	}
	if cfg.StoreBackend == config.BackendPostgres {
		repo = scheduling.NewAppointmentRepoPG(a.pool)
		opts = append(opts, scheduling.WithTx(db.NewTransactor(a.pool)))
	} else {
		repo = scheduling.NewMemoryAppointmentRepo()
	}
	logger.Info().Str("ledger", cfg.LedgerBackend).Str("store", cfg.StoreBackend).Msg("scheduling backends")

	a.queue = scheduling.NewQueueTracker(clock, a.metrics)
	opts = append(opts, scheduling.OnChange(a.queue.Sync))
	a.avail = scheduling.NewAvailabilityIndex(doctors, a.ledger, clock)
	a.life = scheduling.NewLifecycle(a.ledger, repo, doctors, clock, opts...)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(jwtConfig(a.cfg))
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		Timezone:          cfg.Timezone,
		ApplicationName:   "clinic-server",
	}
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

func callerKey(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// newServer builds the Echo instance: global middleware, the open health and
// metrics endpoints, and the authenticated /api/v1 group.
func newServer(a *app) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(echomw.Secure())
	e.Use(echomw.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.IdempotencyKeyHeader},
	}))

	e.GET("/health", db.HealthHandler(a.pool, a.healthChecks()...))
	e.GET("/metrics", a.metrics.Handler())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	idempotency, err := middleware.Idempotency(a.cfg.IdempotencyCacheSize, callerKey)
	if err != nil {
		return nil, err
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(a.authMiddleware())
	apiV1.Use(middleware.RateLimitBy(rateLimitCfg, callerKey))
	apiV1.Use(idempotency)

	h := scheduling.NewHandler(a.doctors, a.avail, a.life, a.queue, a.loc)
	h.RegisterRoutes(apiV1)
	return e, nil
}
