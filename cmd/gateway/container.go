// cmd/gateway/container.go
//
// Composition root for the MCP authentication gateway. Wires every
// mcpauth component and its Redis-backed implementation behind the
// interfaces the orchestrator depends on, for this gateway's single
// bounded context and its Redis-only data plane.
package main

import (
	"context"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/Abraxas-365/authcore/pkg/config"
	"github.com/Abraxas-365/authcore/pkg/cryptox"
	"github.com/Abraxas-365/authcore/pkg/jobx"
	"github.com/Abraxas-365/authcore/pkg/jobx/jobxredis"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/audit"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/bearer"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/bearer/redisbearer"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/cleanup"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/dispatcher/noop"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/idp"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/idp/google"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode/redisoauthcode"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/orchestrator"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/ratelimit"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session/redissession"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/sse"
	"github.com/Abraxas-365/authcore/pkg/secretx"
	"github.com/Abraxas-365/authcore/pkg/secretx/gcpsecretmanager"
	"github.com/redis/go-redis/v9"
)

// Container holds every infrastructure handle and composed component the
// gateway needs, plus the orchestrator.Handlers built on top of them.
type Container struct {
	Config *config.Config

	Redis *redis.Client

	Handlers  *orchestrator.Handlers
	Cleanup   *cleanup.Scheduler
	SSE       *sse.Manager
	gcpClient *secretmanager.Client
}

// NewContainer builds the full dependency graph. Fatal on any
// infrastructure failure — there is no degraded mode for a gateway whose
// only job is mediating auth.
func NewContainer(cfg *config.Config) *Container {
	logx.Info("initializing gateway container")

	c := &Container{Config: cfg}

	c.initRedis()
	dataKeyProvider := c.initSecretProvider()
	cipher := c.initCipher(dataKeyProvider)

	sessions := redissession.New(c.Redis, cipher, cfg.Session.AbsoluteTTL, cfg.Session.IdleTTL)
	requests := redisoauthcode.NewRequestStore(c.Redis, 0)
	codes := redisoauthcode.NewCodeStore(c.Redis, 0)
	clients := redisoauthcode.NewClientRegistry(c.Redis, 0)
	tokens := redisbearer.New(c.Redis, 0)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(c.Redis)
	}

	c.SSE = sse.NewManager(cfg.SSE.MaxTotal, cfg.SSE.MaxPerUser, cfg.SSE.HeartbeatEvery)

	provider := c.initIdentityProvider()
	dispatcher := noop.New()
	auditSvc := audit.New()

	c.Handlers = orchestrator.New(
		sessions, requests, codes, clients, tokens,
		limiter, c.SSE, provider, dispatcher, auditSvc,
		cfg.Cookie, cfg.Server.BaseURL, cfg.Server.RedirectWhitelist,
		cfg.Server.Deployment, cfg.Metrics.AuthToken,
	)

	c.initCleanup(sessions, tokens, limiter)

	logx.Info("gateway container initialized")
	return c
}

func (c *Container) initRedis() {
	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Address,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if _, err := c.Redis.Ping(context.Background()).Result(); err != nil {
		logx.Fatalf("failed to connect to Redis: %v", err)
	}
	logx.Info("redis connected")
}

// initSecretProvider wires the GCP Secret Manager backend in production or
// whenever a Secret Manager project ID is configured, and no remote backend
// otherwise; outside production the dev key/passphrase is used through
// pkg/secretx.CachingProvider's own production-gated bypass.
func (c *Container) initSecretProvider() secretx.Provider {
	devKey := secretx.ResolveDevKey(c.Config.Secret.DevKeyHex, c.Config.Secret.DevPassphrase)

	cfg := secretx.Config{
		SecretName: c.Config.Secret.Name,
		Deployment: c.Config.Server.Deployment,
		CacheTTL:   c.Config.Secret.CacheTTL,
		DevKey:     devKey,
	}

	if c.Config.Server.Deployment == "production" || c.Config.Secret.ProjectID != "" {
		client, err := secretmanager.NewClient(context.Background())
		if err != nil {
			logx.Fatalf("failed to build GCP Secret Manager client: %v", err)
		}
		c.gcpClient = client
		return secretx.New(gcpsecretmanager.New(client, c.Config.Secret.ProjectID), cfg)
	}

	return secretx.New(nil, cfg)
}

func (c *Container) initCipher(provider secretx.Provider) *cryptox.Cipher {
	key, err := provider.GetDataKey(context.Background())
	if err != nil {
		logx.Fatalf("failed to obtain data-encryption key: %v", err)
	}
	cipher, err := cryptox.New(key)
	if err != nil {
		logx.Fatalf("failed to build cipher: %v", err)
	}
	return cipher
}

// initIdentityProvider builds the upstream Google OAuth2 collaborator.
// idp/fake is a test-only stand-in (no real redirect target exists for it
// to send a browser to) and is never wired here.
func (c *Container) initIdentityProvider() idp.Provider {
	if c.Config.Google.ClientID == "" || c.Config.Google.ClientSecret == "" {
		logx.Fatal("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}

	return google.New(
		c.Config.Google.ClientID,
		c.Config.Google.ClientSecret,
		c.Config.Google.RedirectURL,
		c.Config.Google.Scopes,
	)
}

func (c *Container) initCleanup(sessions session.Store, tokens bearer.Store, limiter *ratelimit.Limiter) {
	queue := jobxredis.NewRedisQueue(c.Redis)
	client := jobx.NewClient(queue,
		jobx.WithQueues(cleanup.QueueName),
		jobx.WithConcurrency(c.Config.Cleanup.Concurrency),
		jobx.WithShutdownTimeout(c.Config.Cleanup.ShutdownTimeout),
	)
	c.Cleanup = cleanup.New(client, c.Config.Cleanup.PollInterval, sessions, tokens, limiter, c.Config.Cleanup.RateLimitSweepInterval)
}

// StartBackgroundServices starts the SSE heartbeat and the cleanup
// scheduler. Blocks until ctx is cancelled, so the caller runs it in its
// own goroutine.
func (c *Container) StartBackgroundServices(ctx context.Context) {
	c.SSE.StartHeartbeat(ctx)
	if err := c.Cleanup.Run(ctx); err != nil {
		logx.WithError(err).Error("cleanup scheduler stopped")
	}
}

// Close tears down the container's long-lived resources. Call once on
// shutdown, after the HTTP server and background services have stopped.
func (c *Container) Close() {
	c.SSE.Shutdown()
	if c.gcpClient != nil {
		if err := c.gcpClient.Close(); err != nil {
			logx.WithError(err).Error("error closing Secret Manager client")
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logx.WithError(err).Error("error closing Redis")
		}
	}
}
