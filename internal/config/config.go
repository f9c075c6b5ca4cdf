package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backends for the slot ledger and the appointment store.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	Timezone             string        `mapstructure:"CLINIC_TIMEZONE"`
	DoctorsFile          string        `mapstructure:"DOCTORS_FILE"`
	LedgerBackend        string        `mapstructure:"LEDGER_BACKEND"`
	StoreBackend         string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	DBHealthCheckPeriod  time.Duration `mapstructure:"DB_HEALTH_CHECK_PERIOD"`
	DBMaxConnIdleTime    time.Duration `mapstructure:"DB_MAX_CONN_IDLE_TIME"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix       string        `mapstructure:"REDIS_KEY_PREFIX"`
	AuthMode             string        `mapstructure:"AUTH_MODE"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS         float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int           `mapstructure:"RATE_LIMIT_BURST"`
	IdempotencyCacheSize int           `mapstructure:"IDEMPOTENCY_CACHE_SIZE"`
	TLSEnabled           bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile          string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile           string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "CLINIC_TIMEZONE", "DOCTORS_FILE", "LEDGER_BACKEND", "STORE_BACKEND",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_HEALTH_CHECK_PERIOD",
	"DB_MAX_CONN_IDLE_TIME", "REDIS_URL", "REDIS_KEY_PREFIX",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "IDEMPOTENCY_CACHE_SIZE",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the environment, falling back to a .env file in the working
// directory and then to defaults. It does not validate; call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("DOCTORS_FILE", "config/doctors.yaml")
	v.SetDefault("LEDGER_BACKEND", BackendMemory)
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_HEALTH_CHECK_PERIOD", "1m")
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", "30m")
	v.SetDefault("REDIS_KEY_PREFIX", "clinic:ledger:")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("IDEMPOTENCY_CACHE_SIZE", 1024)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE when set; otherwise development builds
// use the dev identity and everything else requires signed tokens.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Location loads CLINIC_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// NeedsPostgres reports whether either backend is PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.LedgerBackend == BackendPostgres || c.StoreBackend == BackendPostgres
}

// Validate checks that the selected backends have what they need and that
// production never runs without token authentication.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be memory, postgres or redis, got %q", c.LedgerBackend)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or postgres, got %q", c.StoreBackend)
	}
	// The ledger and the store must survive restarts together: a memory
	// ledger would forget the slots of stored appointments, a memory store
	// would forget the appointments holding shared slots.
	if c.StoreBackend == BackendMemory && c.LedgerBackend != BackendMemory {
		return fmt.Errorf("LEDGER_BACKEND=%s requires STORE_BACKEND=postgres", c.LedgerBackend)
	}
	if c.StoreBackend != BackendMemory && c.LedgerBackend == BackendMemory {
		return fmt.Errorf("STORE_BACKEND=%s requires LEDGER_BACKEND=postgres or redis", c.StoreBackend)
	}
	if c.NeedsPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres backend")
	}
	if c.LedgerBackend == BackendRedis && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for the redis ledger")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.ResolvedAuthMode() {
	case AuthModeDevelopment:
		if c.Env == "production" {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthModeJWT:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is %q", AuthModeJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, c.AuthMode)
	}

	if c.IdempotencyCacheSize <= 0 {
		return fmt.Errorf("IDEMPOTENCY_CACHE_SIZE must be positive, got %d", c.IdempotencyCacheSize)
	}
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
