// Package orchestrator is the fiber HTTP surface that ties every other
// mcpauth component together — login, callback, token exchange, dynamic
// client registration, well-known metadata, the dual-auth middleware, and
// the MCP transports (SSE and Streamable HTTP).
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Abraxas-365/authcore/pkg/config"
	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/audit"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/bearer"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/dispatcher"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/idp"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/ratelimit"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/sse"
	"github.com/gofiber/fiber/v2"
)

// Handlers bundles every collaborator the gateway's HTTP surface needs.
type Handlers struct {
	Sessions   session.Store
	Requests   oauthcode.RequestStore
	Codes      oauthcode.CodeStore
	Clients    oauthcode.ClientRegistry
	Tokens     bearer.Store
	Limiter    *ratelimit.Limiter
	SSE        *sse.Manager
	Provider   idp.Provider
	Dispatcher dispatcher.Dispatcher
	Audit      *audit.Service

	Cookie            config.CookieConfig
	BaseURL           string
	RedirectWhitelist []string
	Deployment        string
	MetricsAuthToken  string
}

func New(
	sessions session.Store,
	requests oauthcode.RequestStore,
	codes oauthcode.CodeStore,
	clients oauthcode.ClientRegistry,
	tokens bearer.Store,
	limiter *ratelimit.Limiter,
	sseManager *sse.Manager,
	provider idp.Provider,
	disp dispatcher.Dispatcher,
	auditSvc *audit.Service,
	cookie config.CookieConfig,
	baseURL string,
	redirectWhitelist []string,
	deployment string,
	metricsAuthToken string,
) *Handlers {
	return &Handlers{
		Sessions: sessions, Requests: requests, Codes: codes, Clients: clients,
		Tokens: tokens, Limiter: limiter, SSE: sseManager, Provider: provider,
		Dispatcher: disp, Audit: auditSvc, Cookie: cookie, BaseURL: baseURL,
		RedirectWhitelist: redirectWhitelist, Deployment: deployment,
		MetricsAuthToken: metricsAuthToken,
	}
}

// isWhitelisted reports whether uri is an exact match in the static
// deployment-configured whitelist.
func (h *Handlers) isWhitelisted(uri string) bool {
	for _, w := range h.RedirectWhitelist {
		if w == uri {
			return true
		}
	}
	return false
}

// validateRedirectURI is the union check required before and after the
// upstream round trip: a URI passes if it is
// in the static whitelist OR registered for clientID in the dynamic
// registry. It is always re-run against the store, never a cached result.
func (h *Handlers) validateRedirectURI(ctx context.Context, clientID, redirectURI string) (bool, error) {
	if redirectURI == "" {
		return true, nil
	}
	if h.isWhitelisted(redirectURI) {
		return true, nil
	}
	if clientID == "" {
		return false, nil
	}
	return h.Clients.ValidateRedirectURI(ctx, clientID, redirectURI)
}

// RegisterRoutes wires every gateway endpoint onto app. The "general"
// policy is applied ahead of everything else as the fallback covering all
// routes — every other rateLimited/rateLimitedExcludingSuccess call layers
// its own, more specific policy on top of it for its route.
func (h *Handlers) RegisterRoutes(app *fiber.App) {
	app.Use(h.rateLimited(ratelimit.PolicyGeneral, ipScope))

	app.Get("/auth/login", h.rateLimitedExcludingSuccess(ratelimit.PolicyAuthLogin, ipScope), h.Login)
	app.Get("/oauth2callback", h.rateLimitedExcludingSuccess(ratelimit.PolicyAuthLogin, ipScope), h.Callback)
	app.Get("/auth/status", h.Status)
	app.Post("/auth/logout", h.Logout)

	app.Post("/api/generate-token", h.rateLimited(ratelimit.PolicyTokenExchange, ipScope), h.GenerateToken)
	app.Get("/api/tokens", h.RequireAuth(), h.ListTokens)
	app.Delete("/api/tokens", h.RequireAuth(), h.RevokeTokens)
	app.Get("/api/token/:token", h.RequireAuth(), h.GetToken)
	app.Delete("/api/token/:token", h.RequireAuth(), h.DeleteToken)

	app.Post("/oauth/register", h.rateLimited(ratelimit.PolicyClientRegistration, ipScope), h.RegisterClient)
	app.Get("/oauth/register/:clientId", h.GetClient)
	app.Delete("/oauth/register/:clientId", h.DeleteClient)

	app.Get("/.well-known/oauth-authorization-server", h.AuthorizationServerMetadata)
	app.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceMetadata)
	app.Get("/.well-known/oauth-protected-resource/mcp", h.ProtectedResourceMetadata)
	app.Get("/.well-known/openid-configuration", h.OpenIDConfiguration)

	app.Get("/sse", h.rateLimited(ratelimit.PolicySSEConnect, ipScope), h.RequireAuth(), h.SSEConnect)
	app.Get("/sse/stats", h.RequireAuth(), h.SSEStats)
	app.Post("/mcp/:connectionId", h.RequireAuth(), h.rateLimited(ratelimit.PolicyAPI, sessionScope), h.MCPMessage)

	app.Get("/mcp", h.OptionalAuth(), h.StreamableHTTP)
	app.Post("/mcp", h.RequireAuth(), h.rateLimited(ratelimit.PolicyAPI, sessionScope), h.StreamableHTTP)
	app.Delete("/mcp", h.RequireAuth(), h.StreamableHTTP)

	app.Get("/api/gdpr/user-data", h.RequireAuth(), h.rateLimited(ratelimit.PolicyGDPRExport, sessionScope), h.GDPRExport)
	app.Delete("/api/gdpr/user-data", h.RequireAuth(), h.rateLimited(ratelimit.PolicyGDPRDelete, sessionScope), h.GDPRDelete)

	app.Get("/health", h.Health)
	app.Get("/metrics", h.Metrics)
}

func ipScope(c *fiber.Ctx) string { return c.IP() }

// sessionScope scopes a rate limiter to the caller's authenticated session
// rather than its source IP, for operator-action endpoints (GDPR
// export/erasure) where the thing worth throttling is "how often this
// session does this", not "how often this IP does".
func sessionScope(c *fiber.Ctx) string {
	if rc := requestContext(c); rc != nil {
		return rc.SessionID.String()
	}
	return c.IP()
}

func (h *Handlers) rateLimited(policy ratelimit.Policy, scopeFn func(*fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if h.Limiter == nil {
			return c.Next()
		}
		result, err := h.Limiter.Check(c.Context(), policy, scopeFn(c))
		if err != nil {
			return writeErr(c, err)
		}
		if !result.Allowed {
			h.Audit.RateLimitExceeded(c.Context(), policy.Name, scopeFn(c))
			return writeErr(c, ratelimit.ErrExceeded(result.ResetIn))
		}
		return c.Next()
	}
}

// rateLimitedExcludingSuccess applies policy to the requests scoped by
// scopeFn, but only counts attempts that end in a failure response toward
// the window. It peeks the current count before running
// the handler (rejecting outright if already exhausted) and increments
// only afterward, and only if the handler's response was a 4xx/5xx.
func (h *Handlers) rateLimitedExcludingSuccess(policy ratelimit.Policy, scopeFn func(*fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if h.Limiter == nil {
			return c.Next()
		}
		scope := scopeFn(c)

		peek, err := h.Limiter.Peek(c.Context(), policy, scope)
		if err != nil {
			return writeErr(c, err)
		}
		if !peek.Allowed {
			h.Audit.RateLimitExceeded(c.Context(), policy.Name, scope)
			return writeErr(c, ratelimit.ErrExceeded(peek.ResetIn))
		}

		nextErr := c.Next()

		if c.Response().StatusCode() >= fiber.StatusBadRequest {
			h.Limiter.Check(c.Context(), policy, scope)
		}

		return nextErr
	}
}

func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"sse_connections": h.SSE.Count(),
		"server_time":     time.Now().UTC(),
	})
}

// Metrics exposes a minimal Prometheus-text scrape target covering the
// gateway's own process-wide state (SSE admission). Per-service API metrics
// belong to the tool backends, not this surface. In production it is
// bearer-gated against a single shared scrape token rather than going
// through the dual-auth session machinery, since a scraper has no session
// of its own.
func (h *Handlers) Metrics(c *fiber.Ctx) error {
	if h.Deployment == "production" {
		authHeader := c.Get("Authorization")
		if h.MetricsAuthToken == "" || authHeader != "Bearer "+h.MetricsAuthToken {
			return writeErr(c, ErrUnauthorized())
		}
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(fmt.Sprintf(
		"# HELP mcpauth_sse_connections Current open SSE connections\n"+
			"# TYPE mcpauth_sse_connections gauge\n"+
			"mcpauth_sse_connections %d\n",
		h.SSE.Count(),
	))
}

// writeErr renders any error through the global JSON shape. *errx.Error
// carries its own HTTP status; anything else is a 500.
func writeErr(c *fiber.Ctx, err error) error {
	if ex, ok := err.(*errx.Error); ok {
		body := fiber.Map{"error": ex.Code, "error_description": ex.Message}
		for k, v := range ex.Details {
			body[k] = v
		}
		return c.Status(ex.HTTPStatus).JSON(body)
	}
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "error_description": "unexpected server error"})
}

func writeOAuthError(c *fiber.Ctx, status int, errCode, description string) error {
	return c.Status(status).JSON(fiber.Map{"error": errCode, "error_description": description})
}
