package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Security modes accepted by AUTH_SECURITY_MODE.
const (
	ModeNormal   = "normal"
	ModeHardened = "hardened"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig       `envconfig:"APP"`
	Postgres  PostgresConfig  `envconfig:"POSTGRES"`
	Redis     RedisConfig     `envconfig:"REDIS"`
	Logger    LoggerConfig    `envconfig:"LOG"`
	Auth      AuthConfig      `envconfig:"AUTH"`
	RateLimit RateLimitConfig `envconfig:"RATE_LIMIT"`
	Upload    UploadConfig    `envconfig:"UPLOAD"`
	CSRF      CSRFConfig      `envconfig:"CSRF"`
	Audit     AuditConfig     `envconfig:"AUDIT"`
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `envconfig:"NAME" default:"security-gateway"`
	Env                   string `envconfig:"ENV" default:"development"`
	Host                  string `envconfig:"HOST" default:"0.0.0.0"`
	Port                  string `envconfig:"PORT" default:"8080"`
	Version               string `envconfig:"VERSION" default:"dev"`
	RequestTimeoutSeconds int    `envconfig:"REQUEST_TIMEOUT_SECONDS" default:"30"`
	BodyLimitBytes        int    `envconfig:"BODY_LIMIT_BYTES" default:"26214400"`
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string `envconfig:"DSN"`
	MaxConns       int32  `envconfig:"MAX_CONNS" default:"10"`
	MinConns       int32  `envconfig:"MIN_CONNS" default:"2"`
	RunMigrations  bool   `envconfig:"RUN_MIGRATIONS" default:"true"`
	ConnMaxIdleSec int32  `envconfig:"CONN_MAX_IDLE_SECONDS" default:"30"`
	ConnMaxLifeSec int32  `envconfig:"CONN_MAX_LIFE_SECONDS" default:"300"`
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	URL       string `envconfig:"URL"`
	Addr      string `envconfig:"ADDR" default:"127.0.0.1:6379"`
	Password  string `envconfig:"PASSWORD"`
	DB        int    `envconfig:"DB" default:"0"`
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"gateway"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level   string `envconfig:"LEVEL" default:"info"`
	Format  string `envconfig:"FORMAT" default:"json"`
	Service string `envconfig:"SERVICE" default:"security-gateway"`
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret            string        `envconfig:"JWT_SECRET"`
	Issuer               string        `envconfig:"ISSUER" default:"security-gateway"`
	AccessTokenTTL       time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL      time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"168h"`
	CleanupInterval      time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	BcryptCost           int           `envconfig:"BCRYPT_COST" default:"12"`
	SecurityMode         string        `envconfig:"SECURITY_MODE"`
	MinSecretLength      int           `envconfig:"MIN_SECRET_LENGTH" default:"32"`
	HardenedSecretLength int           `envconfig:"HARDENED_SECRET_LENGTH" default:"64"`
	SecretDenylist       []string      `envconfig:"SECRET_DENYLIST"`
	DefaultRole          string        `envconfig:"DEFAULT_ROLE" default:"viewer"`
	AdminRole            string        `envconfig:"ADMIN_ROLE" default:"admin"`
	RefreshStore         string        `envconfig:"REFRESH_STORE" default:"memory"`
	DisableRegistration  bool          `envconfig:"DISABLE_REGISTRATION" default:"false"`
	BootstrapAdmin       string        `envconfig:"BOOTSTRAP_ADMIN"`
	BootstrapEmail       string        `envconfig:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapPassword    string        `envconfig:"BOOTSTRAP_ADMIN_PASSWORD"`
}

// RateLimitConfig selects the limiter backend and the built-in policies.
type RateLimitConfig struct {
	Backend string       `envconfig:"BACKEND" default:"memory"`
	General PolicyConfig `envconfig:"GENERAL"`
	Auth    PolicyConfig `envconfig:"AUTH"`
	Upload  PolicyConfig `envconfig:"UPLOAD"`
}

// PolicyConfig mirrors ratelimit.Policy so each built-in policy can be tuned
// from the environment. Zero values fall back to DefaultPolicies.
type PolicyConfig struct {
	Algorithm  string        `envconfig:"ALGORITHM"`
	Limit      int           `envconfig:"LIMIT"`
	Window     time.Duration `envconfig:"WINDOW"`
	Capacity   int           `envconfig:"CAPACITY"`
	RefillRate float64       `envconfig:"REFILL_RATE"`
	Strict     *bool         `envconfig:"STRICT"`
}

// UploadConfig bounds the file-upload guard.
type UploadConfig struct {
	MaxFileSizeBytes int64    `envconfig:"MAX_FILE_SIZE_BYTES" default:"10485760"`
	MaxFiles         int      `envconfig:"MAX_FILES" default:"5"`
	AllowedTypes     []string `envconfig:"ALLOWED_TYPES" default:"image/png,image/jpeg,application/pdf,text/plain,application/json,application/zip"`
}

// CSRFConfig configures the double-submit cookie.
type CSRFConfig struct {
	CookieName   string        `envconfig:"COOKIE_NAME" default:"csrf_"`
	HeaderName   string        `envconfig:"HEADER_NAME" default:"X-CSRF-Token"`
	Expiration   time.Duration `envconfig:"EXPIRATION" default:"1h"`
	CookieSecure bool          `envconfig:"COOKIE_SECURE" default:"false"`
}

// AuditConfig tunes the asynchronous audit dispatcher.
type AuditConfig struct {
	BufferSize int  `envconfig:"BUFFER_SIZE" default:"1024"`
	Postgres   bool `envconfig:"POSTGRES" default:"false"`
}

// Load reads configuration from the environment (and an optional .env file),
// applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.Auth.SecurityMode = strings.ToLower(strings.TrimSpace(c.Auth.SecurityMode))
	if c.Auth.SecurityMode == "" {
		c.Auth.SecurityMode = ModeNormal
		if c.App.IsProduction() {
			c.Auth.SecurityMode = ModeHardened
		}
	}
	if c.Auth.SecurityMode != ModeNormal && c.Auth.SecurityMode != ModeHardened {
		return fmt.Errorf("invalid AUTH_SECURITY_MODE %q", c.Auth.SecurityMode)
	}

	switch c.Auth.RefreshStore {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("invalid AUTH_REFRESH_STORE %q", c.Auth.RefreshStore)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND %q", c.RateLimit.Backend)
	}
	return nil
}

// IsHardened reports whether production-grade checks are enforced.
func (a AuthConfig) IsHardened() bool {
	return a.SecurityMode == ModeHardened
}

// IsProduction reports whether the service runs in production.
func (a AppConfig) IsProduction() bool {
	return strings.EqualFold(a.Env, "production")
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}
