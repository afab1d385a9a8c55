// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis, Keystore) via constructors.
  - Closed Set: Every recognized option is enumerated here; an unknown
    TORII_-prefixed variable is a hard error at load time, never silently ignored.

This ensures the application is Twelve-Factor compliant by storing config in the env.
*/
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// envPrefix namespaces every Torii variable. The unknown-option check below
// only polices this namespace so unrelated environment noise is tolerated.
const envPrefix = "TORII_"

// # Configuration Schema

// Config holds all runtime configuration for the Torii authentication backend.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// Relational Database (PostgreSQL) — durable tier and session tier.
	DatabaseURL string `env:"DATABASE_URL,required"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Key-Value store (Redis) — ephemeral tier: challenges, counters, cache.
	RedisURL string `env:"REDIS_URL,required"`

	// Signing keys for access tokens. Ordered PEM paths; the first pair is
	// the primary, the rest are retired versions accepted for verification.
	JWTPrivateKeyPaths []string `env:"JWT_PRIVATE_KEY_PATHS,required" envSeparator:","`
	JWTPublicKeyPaths  []string `env:"JWT_PUBLIC_KEY_PATHS,required"  envSeparator:","`

	// Symmetric encryption keys for stored secrets, "version:hex" pairs,
	// first = primary. 32-byte keys (AES-256-GCM).
	SecretKeys []string `env:"SECRET_KEYS,required" envSeparator:","`

	// Password pepper versions, "version:secret" pairs, first = primary.
	PepperVersions []string `env:"PEPPER_VERSIONS,required" envSeparator:","`

	// Token lifetimes
	AccessTokenTTL          time.Duration `env:"ACCESS_TOKEN_TTL"           envDefault:"1h"`
	RefreshTokenTTL         time.Duration `env:"REFRESH_TOKEN_TTL"          envDefault:"720h"`
	AbsoluteSessionLifetime time.Duration `env:"ABSOLUTE_SESSION_LIFETIME"  envDefault:"2160h"`

	// Challenge lifetimes
	MagicLinkTTL     time.Duration `env:"MAGIC_LINK_TTL"     envDefault:"15m"`
	CodeChallengeTTL time.Duration `env:"CODE_CHALLENGE_TTL" envDefault:"5m"`
	TOTPDriftWindows uint          `env:"TOTP_DRIFT_WINDOWS" envDefault:"1"`

	// Argon2id parameters
	ArgonMemoryKiB   uint32 `env:"ARGON_MEMORY_KIB"  envDefault:"65536"`
	ArgonTimeCost    uint32 `env:"ARGON_TIME_COST"   envDefault:"3"`
	ArgonParallelism uint8  `env:"ARGON_PARALLELISM" envDefault:"2"`

	// Circuit breaker in front of the distributed tier
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT"  envDefault:"30s"`
	BreakerMonitoringPeriod time.Duration `env:"BREAKER_MONITORING_PERIOD" envDefault:"10s"`

	// Risk thresholds: [0, ChallengeFloor) allow, [ChallengeFloor, DenyFloor)
	// step-up, [DenyFloor, 100] deny.
	RiskChallengeFloor int `env:"RISK_CHALLENGE_FLOOR" envDefault:"40"`
	RiskDenyFloor      int `env:"RISK_DENY_FLOOR"      envDefault:"80"`

	// Credential lockout policy
	LockoutThreshold    int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutBaseDuration time.Duration `env:"LOCKOUT_BASE"      envDefault:"1m"`
	LockoutCap          time.Duration `env:"LOCKOUT_CAP"       envDefault:"1h"`

	// WebAuthn relying party
	RPID          string   `env:"RP_ID"           envDefault:"localhost"`
	RPDisplayName string   `env:"RP_DISPLAY_NAME" envDefault:"Torii"`
	RPOrigins     []string `env:"RP_ORIGINS"      envDefault:"http://localhost:8080" envSeparator:","`

	// Known-bad source ranges fed to the risk engine, CIDR notation.
	RiskDenylistCIDRs []string `env:"RISK_DENYLIST_CIDRS" envSeparator:","`

	// Operational tuning
	CodeMaxAttempts         int           `env:"CODE_MAX_ATTEMPTS"          envDefault:"5"`
	SecurityVersionTTL      time.Duration `env:"SECURITY_VERSION_TTL"       envDefault:"30s"`
	AuditBufferSize         int           `env:"AUDIT_BUFFER_SIZE"          envDefault:"1024"`
	SessionReapInterval     time.Duration `env:"SESSION_REAP_INTERVAL"      envDefault:"1h"`
	RevokedSessionRetention time.Duration `env:"REVOKED_SESSION_RETENTION"  envDefault:"720h"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	// Reject unrecognized options inside our namespace. A typo in an
	// operator-supplied variable must fail loudly, not fall back to defaults.
	if err := rejectUnknown(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces cross-field constraints that env tags cannot express.
func (c *Config) validate() error {
	if c.RiskChallengeFloor < 0 || c.RiskDenyFloor > 100 || c.RiskChallengeFloor >= c.RiskDenyFloor {
		return fmt.Errorf("config: risk thresholds must satisfy 0 <= challenge_floor < deny_floor <= 100 (got %d, %d)",
			c.RiskChallengeFloor, c.RiskDenyFloor)
	}
	if len(c.JWTPrivateKeyPaths) != len(c.JWTPublicKeyPaths) {
		return fmt.Errorf("config: signing key path lists must pair up (%d private, %d public)",
			len(c.JWTPrivateKeyPaths), len(c.JWTPublicKeyPaths))
	}
	if c.RefreshTokenTTL > c.AbsoluteSessionLifetime {
		return fmt.Errorf("config: refresh TTL (%s) cannot exceed the absolute session lifetime (%s)",
			c.RefreshTokenTTL, c.AbsoluteSessionLifetime)
	}
	if c.SecurityVersionTTL >= c.AccessTokenTTL {
		return fmt.Errorf("config: security version TTL (%s) must be shorter than the access token TTL (%s)",
			c.SecurityVersionTTL, c.AccessTokenTTL)
	}
	return nil
}

// rejectUnknown scans the TORII_ namespace for variables that no Config
// field recognizes.
func rejectUnknown(cfg *Config) error {
	recognized := map[string]bool{}

	structType := reflect.TypeOf(*cfg)
	for i := 0; i < structType.NumField(); i++ {
		tag := structType.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		recognized[envPrefix+name] = true
	}

	for _, pair := range os.Environ() {
		name := strings.SplitN(pair, "=", 2)[0]
		if !strings.HasPrefix(name, envPrefix) {
			continue
		}
		if !recognized[name] {
			return fmt.Errorf("config: unrecognized option %s", name)
		}
	}

	return nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
