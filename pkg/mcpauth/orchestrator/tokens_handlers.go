package orchestrator

import (
	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

// RevokeTokens implements bulk revocation for the caller's own session: every
// bearer token issued for it is revoked in one call, so a client logging out
// never has to enumerate and revoke tokens one at a time.
func (h *Handlers) RevokeTokens(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}

	n, err := h.Tokens.RevokeForSession(c.Context(), rc.SessionID.String())
	if err != nil {
		return writeErr(c, err)
	}
	h.Audit.TokenRevoked(c.Context(), rc.SessionID.String(), "bulk_revocation")

	return c.JSON(fiber.Map{"count": n})
}

// ListTokens reports metadata (never the token string's hash/verifier
// material) for every bearer token minted for the caller's session.
func (h *Handlers) ListTokens(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}

	tokens, err := h.Tokens.ListForSession(c.Context(), rc.SessionID.String())
	if err != nil {
		return writeErr(c, err)
	}

	out := make([]fiber.Map, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, fiber.Map{
			"token_preview": tokenPreview(t.Token),
			"client_id":     t.ClientID,
			"scope":         t.Scope,
			"created_at":    t.CreatedAt,
			"expires_at":    t.ExpiresAt,
			"last_used_at":  t.LastUsedAt,
		})
	}

	// ListForSession has no offset/limit of its own — a session's live
	// tokens are bounded by client count, never paged in practice — so this
	// is always a single page covering every result, reported through the
	// same Paginated[T] envelope the rest of the gateway would use once a
	// listing grows a real cursor.
	return c.JSON(kernel.NewPaginated(out, 1, len(out), len(out)))
}

// GetToken returns metadata for a single token, same-session only: a cookie
// session may only inspect tokens it minted itself, never another session's.
func (h *Handlers) GetToken(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}

	data, err := h.Tokens.GetData(c.Context(), c.Params("token"))
	if err != nil {
		return writeErr(c, err)
	}
	if data == nil {
		return writeErr(c, ErrUnauthorized())
	}
	if data.SessionID != rc.SessionID.String() {
		return writeErr(c, ErrForbidden())
	}

	return c.JSON(fiber.Map{
		"token_preview": tokenPreview(data.Token),
		"client_id":     data.ClientID,
		"scope":         data.Scope,
		"created_at":    data.CreatedAt,
		"expires_at":    data.ExpiresAt,
		"last_used_at":  data.LastUsedAt,
	})
}

// DeleteToken revokes a single token, same-session only: revoking a token
// bound to a different session is Forbidden.
func (h *Handlers) DeleteToken(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}

	token := c.Params("token")
	data, err := h.Tokens.GetData(c.Context(), token)
	if err != nil {
		return writeErr(c, err)
	}
	if data == nil {
		return writeErr(c, ErrUnauthorized())
	}
	if data.SessionID != rc.SessionID.String() {
		return writeErr(c, ErrForbidden())
	}

	if err := h.Tokens.Revoke(c.Context(), token); err != nil {
		return writeErr(c, err)
	}
	h.Audit.TokenRevoked(c.Context(), rc.SessionID.String(), "manual_revocation")

	return c.SendStatus(fiber.StatusNoContent)
}

// tokenPreview never exposes more than a short prefix of a bearer token
// string.
func tokenPreview(token string) string {
	const n = 8
	if len(token) <= n {
		return token
	}
	return token[:n] + "..."
}
