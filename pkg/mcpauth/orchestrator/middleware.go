package orchestrator

import (
	"context"
	"strings"

	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

// RequireAuth implements the gateway's dual-auth algorithm: try the
// Authorization: Bearer header first, fall back to the session cookie, and
// in both cases re-check session.Authenticated against the freshly-fetched
// session record (never a cached copy), so a token or cookie surviving
// revocation can never pass.
func (h *Handlers) RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc, err := h.authenticate(c)
		if err != nil {
			h.Audit.AuthenticationFailed(c.Context(), "", err.Error(), c.IP())
			return writeErr(c, err)
		}
		if rc == nil {
			h.Audit.AuthenticationFailed(c.Context(), "", "no valid bearer token or session cookie", c.IP())
			return writeErr(c, ErrUnauthorized())
		}

		c.Locals(string(kernel.RequestContextKey), rc)
		return c.Next()
	}
}

// OptionalAuth behaves like RequireAuth but lets unauthenticated requests
// through with no RequestContext set, for endpoints that behave differently
// for anonymous vs. authenticated callers instead of rejecting outright.
func (h *Handlers) OptionalAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc, err := h.authenticate(c)
		if err == nil && rc != nil {
			c.Locals(string(kernel.RequestContextKey), rc)
		}
		return c.Next()
	}
}

// authenticate runs the dual-auth algorithm: step 1 tries the bearer
// header, step 2 tries the cookie. Step 2 runs
// unconditionally whenever step 1 does not produce an authenticated
// context — a malformed header, an unknown/expired/revoked token, and a
// token whose session is no longer Authenticated all fall through to the
// cookie check rather than failing the request outright. A hard error (a
// store round-trip failing, as opposed to "not authenticated") still
// aborts immediately, since there is nothing a cookie fallback can do about
// a backend outage either.
func (h *Handlers) authenticate(c *fiber.Ctx) (*kernel.RequestContext, error) {
	ctx := c.Context()

	rc, err := h.authenticateBearer(ctx, c)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		return rc, nil
	}

	return h.authenticateCookie(ctx, c)
}

// authenticateBearer is dual-auth step 1. It returns (nil, nil) whenever
// the bearer attempt simply did not authenticate the caller — no header,
// a malformed header, an unknown/expired token, or a token bound to a
// session that is no longer Authenticated — so the caller always falls
// through to the cookie check. Only a genuine store failure is returned
// as an error.
func (h *Handlers) authenticateBearer(ctx context.Context, c *fiber.Ctx) (*kernel.RequestContext, error) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return nil, nil
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return nil, nil
	}

	data, err := h.Tokens.Validate(ctx, parts[1])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil // not found, expired, or revoked: fall through to cookie
	}

	sess, err := h.Sessions.Get(ctx, data.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Authenticated {
		return nil, nil // token outlived (or outraces) its session
	}

	return &kernel.RequestContext{
		SessionID:  kernel.NewSessionID(sess.ID),
		AuthMethod: kernel.AuthMethodBearer,
		UserEmail:  sess.UserEmail,
		Scopes:     strings.Fields(data.Scope),
	}, nil
}

// authenticateCookie is dual-auth step 2, the unconditional fallback.
func (h *Handlers) authenticateCookie(ctx context.Context, c *fiber.Ctx) (*kernel.RequestContext, error) {
	sessionID := c.Cookies(h.Cookie.Name)
	if sessionID == "" {
		return nil, nil
	}

	sess, err := h.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Authenticated {
		return nil, nil
	}

	return &kernel.RequestContext{
		SessionID:  kernel.NewSessionID(sess.ID),
		AuthMethod: kernel.AuthMethodCookie,
		UserEmail:  sess.UserEmail,
	}, nil
}

func requestContext(c *fiber.Ctx) *kernel.RequestContext {
	rc, _ := c.Locals(string(kernel.RequestContextKey)).(*kernel.RequestContext)
	return rc
}
