// Package config loads the gateway's configuration from environment
// variables via caarlos0/env struct tags: a .env file is loaded first
// (ignored if absent), then the process environment is parsed straight
// into a typed Config.
package config

import (
	"time"

	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/sse"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the gateway's fully-resolved configuration.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Secret    SecretConfig
	Google    GoogleOAuthConfig
	Cookie    CookieConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	SSE       SSEConfig
	Cleanup   CleanupConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port       string `env:"PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	Deployment string `env:"DEPLOYMENT" envDefault:"development"` // "production" or "development"

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`

	// RedirectWhitelist holds statically-approved redirect_uri values,
	// checked in union with the dynamic client registry.
	RedirectWhitelist []string `env:"REDIRECT_URI_WHITELIST" envSeparator:","`
}

type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type SecretConfig struct {
	Name          string        `env:"SECRET_NAME" envDefault:"mcpauth-data-key"`
	ProjectID     string        `env:"GCP_PROJECT_ID"`
	CacheTTL      time.Duration `env:"SECRET_CACHE_TTL" envDefault:"5m"`
	DevKeyHex     string        `env:"DEV_DATA_KEY"`
	DevPassphrase string        `env:"DEV_DATA_PASSPHRASE"`
}

type GoogleOAuthConfig struct {
	ClientID     string   `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string   `env:"GOOGLE_CLIENT_SECRET"`
	RedirectURL  string   `env:"GOOGLE_REDIRECT_URL"`
	Scopes       []string `env:"GOOGLE_SCOPES" envSeparator:","`
}

// SameSite defaults to None: the cookie has to survive the cross-site
// redirect back from the upstream consent screen, which a Lax cookie on a
// top-level GET would also do, but the MCP Inspector's fetch-based return
// leg would not.
type CookieConfig struct {
	Name     string        `env:"SESSION_COOKIE_NAME" envDefault:"mcp_session"`
	Secure   bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
	SameSite string        `env:"SESSION_COOKIE_SAMESITE" envDefault:"None"`
	Domain   string        `env:"SESSION_COOKIE_DOMAIN"`
	MaxAge   time.Duration `env:"SESSION_COOKIE_MAX_AGE" envDefault:"24h"`
}

// AbsoluteTTL and IdleTTL carry no envDefault tag: their defaults live next
// to session.DefaultAbsoluteTTL/DefaultIdleTTL and are pre-seeded onto the
// Config value in Load before env.Parse runs, so there is exactly one
// source of truth for each default instead of two that can drift apart.
type SessionConfig struct {
	AbsoluteTTL time.Duration `env:"SESSION_ABSOLUTE_TTL"`
	IdleTTL     time.Duration `env:"SESSION_IDLE_TTL"`
}

type RateLimitConfig struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
}

// Same reasoning as SessionConfig above: defaults come from
// sse.DefaultMaxTotal/DefaultMaxPerUser/DefaultHeartbeatEvery via Load's
// pre-seeding, not an envDefault tag.
type SSEConfig struct {
	MaxTotal       int           `env:"SSE_MAX_TOTAL"`
	MaxPerUser     int           `env:"SSE_MAX_PER_USER"`
	HeartbeatEvery time.Duration `env:"SSE_HEARTBEAT_INTERVAL"`
}

// CleanupConfig configures the background cleanup scheduler's jobx worker
// pool and sweep cadence.
type CleanupConfig struct {
	Concurrency     int           `env:"CLEANUP_CONCURRENCY" envDefault:"2"`
	PollInterval    time.Duration `env:"CLEANUP_POLL_INTERVAL" envDefault:"1m"`
	ShutdownTimeout time.Duration `env:"CLEANUP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// RateLimitSweepInterval is deliberately much coarser than PollInterval:
	// it drives a bulk clear of the rl:* keyspace (ratelimit.Limiter.ClearAll),
	// and running that on the same cadence as the session/bearer sweeps would
	// reset every limiter's window long before it naturally expires.
	RateLimitSweepInterval time.Duration `env:"CLEANUP_RATELIMIT_SWEEP_INTERVAL" envDefault:"1h"`
}

// MetricsConfig gates GET /metrics behind a shared scrape token in production.
// Outside production the endpoint is open, matching every other scrape
// target in a dev environment.
type MetricsConfig struct {
	AuthToken string `env:"METRICS_AUTH_TOKEN"`
}

// Load reads a .env file if present (ignoring its absence, since .env is a
// local-dev convenience only) and then parses the process environment into a
// Config, falling back to session/sse's own defaults for the two TTL and
// capacity groups that already have a canonical default living next to the
// code they govern.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Session: SessionConfig{
			AbsoluteTTL: session.DefaultAbsoluteTTL,
			IdleTTL:     session.DefaultIdleTTL,
		},
		SSE: SSEConfig{
			MaxTotal:       sse.DefaultMaxTotal,
			MaxPerUser:     sse.DefaultMaxPerUser,
			HeartbeatEvery: sse.DefaultHeartbeatEvery,
		},
	}
	if err := env.Parse(&cfg); err != nil {
		logx.Fatalf("config: failed to parse environment: %v", err)
	}
	return cfg
}
