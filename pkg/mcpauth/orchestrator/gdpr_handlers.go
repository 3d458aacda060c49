package orchestrator

import "github.com/gofiber/fiber/v2"

// GDPRExport returns every record the gateway holds against the caller's own
// authenticated session: the session record itself (minus the ciphertext
// token blob, which never leaves the store) and metadata for every bearer
// token minted for it. Rate-limited separately from the general API limiter
// (ratelimit.PolicyGDPRExport) since a full export is comparatively costly.
func (h *Handlers) GDPRExport(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}
	ctx := c.Context()

	sess, err := h.Sessions.Get(ctx, rc.SessionID.String())
	if err != nil {
		return writeErr(c, err)
	}
	if sess == nil {
		return writeErr(c, ErrUnauthorized())
	}

	tokens, err := h.Tokens.ListForSession(ctx, rc.SessionID.String())
	if err != nil {
		return writeErr(c, err)
	}
	tokenViews := make([]fiber.Map, 0, len(tokens))
	for _, t := range tokens {
		tokenViews = append(tokenViews, fiber.Map{
			"token_preview": tokenPreview(t.Token),
			"client_id":     t.ClientID,
			"created_at":    t.CreatedAt,
			"expires_at":    t.ExpiresAt,
		})
	}

	return c.JSON(fiber.Map{
		"session": fiber.Map{
			"id":               sess.ID,
			"created_at":       sess.CreatedAt,
			"expires_at":       sess.ExpiresAt,
			"last_accessed_at": sess.LastAccessedAt,
			"user_email":       sess.UserEmail,
			"authenticated":    sess.Authenticated,
		},
		"bearer_tokens": tokenViews,
	})
}

// GDPRDelete erases the caller's own data: every bearer token minted for the
// session is revoked and the session itself is deleted. Unlike Logout this
// never touches the cookie, since an erasure request may itself arrive over
// a bearer-authenticated MCP client with no cookie at all.
func (h *Handlers) GDPRDelete(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}
	ctx := c.Context()

	n, err := h.Tokens.RevokeForSession(ctx, rc.SessionID.String())
	if err != nil {
		return writeErr(c, err)
	}
	if _, err := h.Sessions.Delete(ctx, rc.SessionID.String()); err != nil {
		return writeErr(c, err)
	}
	h.Audit.TokenRevoked(ctx, rc.SessionID.String(), "gdpr_erasure")

	return c.JSON(fiber.Map{"deleted": true, "tokens_revoked": n})
}
