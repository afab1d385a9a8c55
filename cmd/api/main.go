// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Command api is the entry point for the Torii authentication server.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Connect to PostgreSQL (pgxpool).
//  4. Connect to Redis.
//  5. Run database migrations (idempotent).
//  6. Load the keystore and build the security primitives.
//  7. Wire the domain services and HTTP handlers.
//  8. Start HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jonboulle/clockwork"

	"github.com/taibuivan/torii/internal/api"
	"github.com/taibuivan/torii/internal/audit"
	"github.com/taibuivan/torii/internal/auth"
	"github.com/taibuivan/torii/internal/challenge"
	"github.com/taibuivan/torii/internal/credential"
	"github.com/taibuivan/torii/internal/device"
	"github.com/taibuivan/torii/internal/identity"
	"github.com/taibuivan/torii/internal/platform/cache"
	"github.com/taibuivan/torii/internal/platform/config"
	"github.com/taibuivan/torii/internal/platform/constants"
	"github.com/taibuivan/torii/internal/platform/migration"
	pgstore "github.com/taibuivan/torii/internal/platform/postgres"
	"github.com/taibuivan/torii/internal/platform/ratelimit"
	redisstore "github.com/taibuivan/torii/internal/platform/redis"
	"github.com/taibuivan/torii/internal/platform/sec"
	"github.com/taibuivan/torii/internal/risk"
	"github.com/taibuivan/torii/internal/session"
)

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Add global context to all log entries.
	log := rawLog.With(slog.String("app", constants.AppName))
	slog.SetDefault(log)

	log.Info("[Torii] service_initializing")

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", constants.AppName))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
	)

	// Root context for startup. Use a 30s deadline so misconfiguration is
	// caught quickly rather than hanging indefinitely.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	clock := clockwork.NewRealClock()

	// ── 3. PostgreSQL ─────────────────────────────────────────────────────
	pool, err := pgstore.NewPool(startupCtx, cfg.DatabaseURL, log)
	must(log, err, "connect to postgres")
	defer func() {
		log.Info("closing postgres pool")
		pool.Close()
	}()

	// ── 4. Redis ──────────────────────────────────────────────────────────
	rdb, err := redisstore.NewClient(startupCtx, cfg.RedisURL, log)
	must(log, err, "connect to redis")
	defer func() {
		log.Info("closing redis client")
		if cerr := rdb.Close(); cerr != nil {
			log.Error("redis close error", slog.Any("error", cerr))
		}
	}()

	// ── 5. Migrations ─────────────────────────────────────────────────────
	must(log, migration.RunUp(cfg.DatabaseURL, cfg.MigrationPath, log), "run migrations")

	// ── 6. Security Primitives ────────────────────────────────────────────
	keys, err := sec.NewKeystore(sec.KeystoreConfig{
		PrivateKeyPaths: cfg.JWTPrivateKeyPaths,
		PublicKeyPaths:  cfg.JWTPublicKeyPaths,
		SecretKeys:      cfg.SecretKeys,
		PepperVersions:  cfg.PepperVersions,
	})
	must(log, err, "load keystore")

	hasher, err := sec.NewHasher(sec.HashParams{
		MemoryKiB:   cfg.ArgonMemoryKiB,
		TimeCost:    cfg.ArgonTimeCost,
		Parallelism: cfg.ArgonParallelism,
	}, keys)
	must(log, err, "initialize password hasher")

	tokenService := sec.NewTokenService(keys, constants.AuthIssuer, constants.AuthAudience, clock)

	// One breaker guards the whole ephemeral tier: caches and rate limiter
	// share the same Redis, so they share the same failure evidence.
	redisBreaker := cache.NewBreaker(cache.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		MonitoringPeriod: cfg.BreakerMonitoringPeriod,
		Clock:            clock,
	})
	redisBreaker.OnStateChanged(func(from, to cache.BreakerState) {
		log.Warn("redis_breaker_transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	versionCache := cache.New(cache.Config{
		Prefix:    constants.RedisPrefixCache + "sv:",
		LocalSize: 8192,
		LocalTTL:  cfg.SecurityVersionTTL,
		RemoteTTL: cfg.SecurityVersionTTL,
	}, rdb, redisBreaker, log)

	riskCache := cache.New(cache.Config{
		Prefix:    constants.RedisPrefixCache + "risk:",
		LocalSize: 8192,
		LocalTTL:  time.Minute,
		RemoteTTL: 10 * time.Minute,
	}, rdb, redisBreaker, log)

	limiter := ratelimit.New(rdb, redisBreaker, clock, log)

	// ── 7. Health handlers (wired with real dependency checkers) ──────────
	liveness, readiness := api.NewHealthHandlers(api.HealthDependencies{
		CheckDatabase: func() error {
			return pgstore.Ping(context.Background(), pool)
		},
		CheckCache: func() error {
			return redisstore.Ping(context.Background(), rdb)
		},
	}, log)

	// ── 8. Domain Wiring ──────────────────────────────────────────────────
	userRepository := identity.NewUserRepository(pool)
	deviceRepository := device.NewRepository(pool)
	sessionRepository := session.NewRepository(pool)
	credentialRepository := credential.NewRepository(pool)

	registry := credential.NewRegistry(credentialRepository, keys, credential.LockoutPolicy{
		Threshold:    cfg.LockoutThreshold,
		BaseDuration: cfg.LockoutBaseDuration,
		Cap:          cfg.LockoutCap,
	}, clock, log)

	relyingParty, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	must(log, err, "initialize webauthn relying party")

	broker := challenge.NewBroker(
		challenge.NewRedisStore(rdb, clock),
		registry,
		relyingParty,
		challenge.Config{
			MagicLinkTTL:     cfg.MagicLinkTTL,
			CodeTTL:          cfg.CodeChallengeTTL,
			CeremonyTTL:      cfg.CodeChallengeTTL,
			CodeMaxAttempts:  cfg.CodeMaxAttempts,
			TOTPDriftWindows: cfg.TOTPDriftWindows,
		},
		clock, log)

	riskEngine, err := risk.NewEngine(risk.Config{
		ChallengeFloor: cfg.RiskChallengeFloor,
		DenyFloor:      cfg.RiskDenyFloor,
		DenylistCIDRs:  cfg.RiskDenylistCIDRs,
	}, sessionRepository, riskCache, clock, log)
	must(log, err, "initialize risk engine")

	// Audit pipeline: buffered, drained on its own context so in-flight
	// events survive the HTTP shutdown.
	auditCtx, auditCancel := context.WithCancel(context.Background())
	emitter := audit.NewEmitter(audit.NewPostgresSink(pool), cfg.AuditBufferSize, clock, log)
	go emitter.Run(auditCtx)

	authService := auth.NewService(auth.Options{
		AccessTokenTTL:          cfg.AccessTokenTTL,
		RefreshTokenTTL:         cfg.RefreshTokenTTL,
		AbsoluteSessionLifetime: cfg.AbsoluteSessionLifetime,
		SecurityVersionTTL:      cfg.SecurityVersionTTL,
	}, auth.Dependencies{
		Users:       userRepository,
		Devices:     deviceRepository,
		Sessions:    sessionRepository,
		Credentials: registry,
		Challenges:  broker,
		Hasher:      hasher,
		Tokens:      tokenService,
		Limiter:     limiter,
		Risk:        riskEngine,
		Versions:    versionCache,
		Events:      emitter,
		Messenger:   auth.NewLogMessenger(log),
		Clock:       clock,
		Logger:      log,
	})
	authHandler := auth.NewHandler(authService)

	// ── 9. Maintenance Loop ───────────────────────────────────────────────
	reapCtx, reapCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.SessionReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				if _, err := authService.ReapSessions(reapCtx, cfg.RevokedSessionRetention); err != nil {
					log.Warn("session reap failed", slog.Any("error", err))
				}
			}
		}
	}()

	// ── 10. HTTP Server ───────────────────────────────────────────────────
	handlers := api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		Auth:      authHandler,
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	server := api.NewServer(serverCtx, cfg, log, authService, handlers)

	// ── 11. Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until OS signal or server error.
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server startup error", slog.Any("error", err))
	}

	// Give in-flight requests enough time to complete.
	shutdownTimeout := constants.ShutdownTimeout
	log.Info("shutting down server", slog.Duration("timeout", shutdownTimeout))

	if err := server.Shutdown(shutdownTimeout); err != nil {
		log.Error("shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	// Stop background work, then drain the audit queue before the pool
	// closes underneath the sink.
	reapCancel()
	auditCancel()
	select {
	case <-emitter.Done():
	case <-time.After(constants.ShutdownTimeout):
		log.Warn("audit drain timed out")
	}

	log.Info("server stopped cleanly")
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is intentionally limited to startup wiring. After startup, all errors
// must be returned and handled explicitly (never panic).
func must(log *slog.Logger, err error, context string) {
	if err != nil {
		log.Error("startup failure",
			slog.String("context", context),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
