package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/Abraxas-365/authcore/pkg/asyncx"
	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/idp"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
	"github.com/gofiber/fiber/v2"
)

// upstreamTimeout is the hard deadline on every blocking call to the
// upstream IdP (token exchange, userinfo fetch).
const upstreamTimeout = 10 * time.Second

// Login starts the downstream authorization-code flow: it records the
// caller's PKCE challenge and redirect intent, mints a browser session, and
// redirects to the upstream provider with that session's ID as state.
func (h *Handlers) Login(c *fiber.Ctx) error {
	ctx := c.Context()

	redirectURI := c.Query("redirect_uri")
	clientID := c.Query("client_id")
	clientState := c.Query("state")
	codeChallenge := c.Query("code_challenge")
	codeChallengeMethod := c.Query("code_challenge_method")
	if codeChallenge != "" && codeChallengeMethod == "" {
		codeChallengeMethod = oauthcode.MethodS256
	}

	if codeChallenge != "" && codeChallengeMethod != oauthcode.MethodS256 {
		return writeOAuthError(c, fiber.StatusBadRequest, "invalid_request", "only the S256 code_challenge_method is supported")
	}

	if redirectURI != "" {
		ok, err := h.validateRedirectURI(ctx, clientID, redirectURI)
		if err != nil {
			return writeErr(c, err)
		}
		if !ok {
			h.Audit.AuthenticationFailed(ctx, "", "redirect_uri not in whitelist or client registry", c.IP())
			return writeOAuthError(c, fiber.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		}
	}

	// PKCE flow iff client_id, redirect_uri, and code_challenge are all
	// present; anything less falls back to the legacy/default branches at
	// /oauth2callback.
	isPKCE := clientID != "" && redirectURI != "" && codeChallenge != ""

	sess, err := h.Sessions.Create(ctx, session.CreateOptions{
		Metadata: session.Metadata{
			UserAgent:   c.Get("User-Agent"),
			IPAddress:   c.IP(),
			RedirectURI: redirectURI,
			IsPKCEFlow:  isPKCE,
			ClientID:    clientID,
			GrantType:   "authorization_code",
		},
	})
	if err != nil {
		return writeErr(c, err)
	}

	if isPKCE {
		if err := h.Requests.Create(ctx, oauthcode.AuthzRequest{
			SessionID:           sess.ID,
			ClientID:            clientID,
			RedirectURI:         redirectURI,
			State:               clientState,
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: codeChallengeMethod,
		}); err != nil {
			return writeErr(c, err)
		}
	}

	c.Cookie(&fiber.Cookie{
		Name:     h.Cookie.Name,
		Value:    sess.ID,
		Path:     "/",
		HTTPOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: h.Cookie.SameSite,
		Domain:   h.Cookie.Domain,
		MaxAge:   int(h.Cookie.MaxAge.Seconds()),
	})

	return c.Redirect(h.Provider.AuthURL(sess.ID), fiber.StatusFound)
}

// callbackErrorPage renders a consent-return failure as a minimal HTML page.
// /oauth2callback is the one endpoint whose caller is always a browser, so
// its errors are pages, not JSON — and every dynamic value is entity-escaped,
// since the upstream error description is attacker-influenceable.
func callbackErrorPage(c *fiber.Ctx, status int, detail string) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(status).SendString(fmt.Sprintf(
		"<!doctype html><html><head><title>Sign-in failed</title></head><body><h1>Sign-in failed</h1><p>%s</p></body></html>",
		html.EscapeString(detail)))
}

func redirectWithQuery(base string, params ...[2]string) string {
	out := base
	sep := "?"
	if strings.Contains(out, "?") {
		sep = "&"
	}
	for _, kv := range params {
		if kv[1] == "" {
			continue
		}
		out += sep + kv[0] + "=" + kv[1]
		sep = "&"
	}
	return out
}

// Callback completes the upstream round-trip: it exchanges the code,
// fetches the authenticated user's profile, stores the encrypted token set
// on the session, and dispatches into one of three terminal branches:
//   - PKCE branch: mint a single-use downstream authorization code and
//     redirect back to the client's own redirect_uri.
//   - Legacy branch: a redirect_uri was supplied without going through DCR
//     or PKCE; mint a bearer token directly and redirect with it attached.
//   - Default branch: no redirect_uri at all; this was a direct browser
//     login with nothing downstream to hand control back to.
//
// Both the PKCE and legacy branches re-validate their redirect_uri against
// the whitelist/registry union immediately before redirecting — the
// /auth/login-time check is never reused, since a client's registration can
// change mid-flow.
func (h *Handlers) Callback(c *fiber.Ctx) error {
	ctx := c.Context()

	if errParam := c.Query("error"); errParam != "" {
		h.Audit.AuthenticationFailed(ctx, c.Query("state"), errParam, c.IP())
		return callbackErrorPage(c, fiber.StatusBadRequest, "Authorization was denied upstream: "+errParam)
	}

	code := c.Query("code")
	sessionID := c.Query("state")
	if code == "" || sessionID == "" {
		return callbackErrorPage(c, fiber.StatusBadRequest, "The sign-in response is missing its code or state parameter.")
	}

	sess, err := h.Sessions.Get(ctx, sessionID)
	if err != nil {
		return writeErr(c, err)
	}
	if sess == nil {
		return callbackErrorPage(c, fiber.StatusBadRequest, "Your sign-in session was not found or has expired. Start over from the login page.")
	}

	defer h.Requests.Delete(ctx, sessionID)

	tokens, err := asyncx.WithTimeout(ctx, upstreamTimeout, func(ctx context.Context) (*idp.Tokens, error) {
		return h.Provider.Exchange(ctx, code)
	})
	if err != nil {
		// The upstream error detail is logged, never rendered: it can carry
		// provider internals and echoes of attacker-supplied parameters.
		logx.WithError(err).Error("callback: upstream token exchange failed")
		return callbackErrorPage(c, fiber.StatusBadGateway, "We could not complete sign-in with the upstream provider. Please try again.")
	}

	info, err := asyncx.WithTimeout(ctx, upstreamTimeout, func(ctx context.Context) (*idp.UserInfo, error) {
		return h.Provider.UserInfo(ctx, tokens.AccessToken)
	})
	if err != nil {
		logx.WithError(err).Error("callback: upstream userinfo fetch failed")
		return callbackErrorPage(c, fiber.StatusBadGateway, "We could not confirm your account with the upstream provider. Please try again.")
	}
	if !info.EmailVerified {
		return callbackErrorPage(c, fiber.StatusForbidden, "Your account's email address is not verified with the upstream provider.")
	}

	if _, err := h.Sessions.StoreTokens(ctx, sessionID, session.OAuthTokens{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope,
		TokenType:    tokens.TokenType,
		ExpiryDate:   tokens.ExpiryUnixMs,
	}, info.Email); err != nil {
		return writeErr(c, err)
	}

	switch {
	case sess.Metadata.IsPKCEFlow:
		req, err := h.Requests.Get(ctx, sessionID)
		if err != nil {
			return writeErr(c, err)
		}
		if req == nil {
			return callbackErrorPage(c, fiber.StatusBadRequest, "Your authorization request was not found or has expired. Start over from the login page.")
		}

		ok, err := h.validateRedirectURI(ctx, req.ClientID, req.RedirectURI)
		if err != nil {
			return writeErr(c, err)
		}
		if !ok {
			h.Audit.AuthenticationFailed(ctx, sessionID, "redirect_uri failed re-validation at callback", c.IP())
			return callbackErrorPage(c, fiber.StatusBadRequest, "The requested redirect address is no longer registered for this client.")
		}

		authzCode, err := h.Codes.Generate(ctx, oauthcode.AuthzCode{
			ClientID:            req.ClientID,
			RedirectURI:         req.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			State:               req.State,
			UserEmail:           info.Email,
			GoogleAccessToken:   tokens.AccessToken,
			GoogleRefreshToken:  tokens.RefreshToken,
			GoogleTokenExpiry:   tokens.ExpiryUnixMs,
			Scope:               tokens.Scope,
		})
		if err != nil {
			return writeErr(c, err)
		}
		h.Audit.AuthorizationCodeGenerated(ctx, sessionID, req.ClientID)

		return c.Redirect(redirectWithQuery(req.RedirectURI, [2]string{"code", authzCode}, [2]string{"state", req.State}), fiber.StatusFound)

	case sess.Metadata.RedirectURI != "":
		ok, err := h.validateRedirectURI(ctx, sess.Metadata.ClientID, sess.Metadata.RedirectURI)
		if err != nil {
			return writeErr(c, err)
		}
		if !ok {
			h.Audit.AuthenticationFailed(ctx, sessionID, "redirect_uri failed re-validation at callback", c.IP())
			return callbackErrorPage(c, fiber.StatusBadRequest, "The requested redirect address is no longer allowed.")
		}

		token, err := h.Tokens.Generate(ctx, sessionID, sess.Metadata.ClientID, tokens.Scope)
		if err != nil {
			return writeErr(c, err)
		}

		return c.Redirect(redirectWithQuery(sess.Metadata.RedirectURI, [2]string{"access_token", token.Token}, [2]string{"token_type", "Bearer"}), fiber.StatusFound)

	default:
		return c.Redirect(h.BaseURL+"/test", fiber.StatusFound)
	}
}

// Status reports whether the caller's session cookie is currently
// authenticated, without requiring a bearer token — used by the chat UI to
// decide whether to show a login prompt.
func (h *Handlers) Status(c *fiber.Ctx) error {
	ctx := c.Context()

	sessionID := c.Cookies(h.Cookie.Name)
	if sessionID == "" {
		return c.JSON(fiber.Map{"authenticated": false})
	}

	sess, err := h.Sessions.Get(ctx, sessionID)
	if err != nil {
		return writeErr(c, err)
	}
	if sess == nil || !sess.Authenticated {
		return c.JSON(fiber.Map{"authenticated": false})
	}

	return c.JSON(fiber.Map{
		"authenticated": true,
		"user_email":    sess.UserEmail,
	})
}

// Logout tears down the caller's browser session. Deleting a session does
// not cascade to its bearer tokens, so every token minted for it is revoked
// here explicitly before the session is deleted and the cookie cleared.
func (h *Handlers) Logout(c *fiber.Ctx) error {
	ctx := c.Context()

	sessionID := c.Cookies(h.Cookie.Name)
	if sessionID == "" {
		return c.JSON(fiber.Map{"success": true})
	}

	if n, err := h.Tokens.RevokeForSession(ctx, sessionID); err == nil && n > 0 {
		h.Audit.TokenRevoked(ctx, sessionID, "logout")
	}
	if _, err := h.Sessions.Delete(ctx, sessionID); err != nil {
		return writeErr(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     h.Cookie.Name,
		Value:    "",
		Path:     "/",
		HTTPOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: h.Cookie.SameSite,
		Domain:   h.Cookie.Domain,
		MaxAge:   -1,
	})

	return c.JSON(fiber.Map{"success": true})
}

// maxTokenRequestBodyBytes caps the /api/generate-token request body.
const maxTokenRequestBodyBytes = 10 * 1024

// Field length bounds for the authorization_code grant: code 1..512,
// redirect_uri 1..2048, code_verifier 43..128 (RFC 7636's own bounds on a
// base64url-encoded verifier), client_id 1..256.
const (
	minCodeLen = 1
	maxCodeLen = 512

	minRedirectURILen = 1
	maxRedirectURILen = 2048

	minCodeVerifierLen = 43
	maxCodeVerifierLen = 128

	minClientIDLen = 1
	maxClientIDLen = 256
)

func lengthInRange(s string, min, max int) bool {
	return len(s) >= min && len(s) <= max
}

type tokenRequest struct {
	GrantType    string `json:"grant_type" form:"grant_type"`
	Code         string `json:"code" form:"code"`
	CodeVerifier string `json:"code_verifier" form:"code_verifier"`
	ClientID     string `json:"client_id" form:"client_id"`
	RedirectURI  string `json:"redirect_uri" form:"redirect_uri"`
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
}

func parseTokenRequest(c *fiber.Ctx) (tokenRequest, error) {
	var req tokenRequest

	contentType := c.Get("Content-Type")
	if strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
		if err := c.BodyParser(&req); err != nil {
			return req, err
		}
		return req, nil
	}

	// application/x-www-form-urlencoded (RFC 6749 default).
	req.GrantType = c.FormValue("grant_type")
	req.Code = c.FormValue("code")
	req.CodeVerifier = c.FormValue("code_verifier")
	req.ClientID = c.FormValue("client_id")
	req.RedirectURI = c.FormValue("redirect_uri")
	req.RefreshToken = c.FormValue("refresh_token")
	return req, nil
}

// GenerateToken is the gateway's /token endpoint. Two paths:
//   - grant_type=authorization_code: redeem a downstream code (checking PKCE
//     and redirect_uri if the original request used them) and mint a bearer
//     token bound to a fresh Session decoupled from the browser session's
//     idle-timeout clock, so a long-lived MCP client session survives a
//     browser tab closing.
//   - anything else: the legacy cookie path — an already-authenticated
//     browser session exchanges its cookie directly for a bearer token.
func (h *Handlers) GenerateToken(c *fiber.Ctx) error {
	ctx := c.Context()

	if len(c.Body()) > maxTokenRequestBodyBytes {
		return writeOAuthError(c, fiber.StatusRequestEntityTooLarge, "invalid_request", "request body exceeds the 10KB limit")
	}

	req, err := parseTokenRequest(c)
	if err != nil {
		return writeOAuthError(c, fiber.StatusBadRequest, "invalid_request", "malformed token request body")
	}

	switch req.GrantType {
	case "authorization_code":
		if req.Code == "" || req.RedirectURI == "" || req.CodeVerifier == "" || req.ClientID == "" {
			return writeOAuthError(c, fiber.StatusBadRequest, "invalid_request", "code, redirect_uri, code_verifier, and client_id are all required")
		}
		if !lengthInRange(req.Code, minCodeLen, maxCodeLen) ||
			!lengthInRange(req.RedirectURI, minRedirectURILen, maxRedirectURILen) ||
			!lengthInRange(req.CodeVerifier, minCodeVerifierLen, maxCodeVerifierLen) ||
			!lengthInRange(req.ClientID, minClientIDLen, maxClientIDLen) {
			return writeOAuthError(c, fiber.StatusBadRequest, "invalid_request", "code, redirect_uri, code_verifier, or client_id is outside its allowed length")
		}

		rec, err := h.Codes.ValidateAndConsume(ctx, req.Code)
		if err != nil {
			var ex *errx.Error
			if errors.As(err, &ex) && ex.Code == oauthcode.CodeInvalidGrant.Code {
				return writeOAuthError(c, fiber.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired, or already used")
			}
			return writeErr(c, err)
		}

		// PKCE mismatch, redirect-URI mismatch, client-id mismatch: all
		// collapse to the same invalid_grant response so no internal
		// distinction leaks to the client.
		if rec.ClientID != req.ClientID || rec.RedirectURI != req.RedirectURI {
			return writeOAuthError(c, fiber.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired, or already used")
		}
		if rec.IsPKCE() && !oauthcode.VerifyPKCE(req.CodeVerifier, rec.CodeChallenge) {
			return writeOAuthError(c, fiber.StatusBadRequest, "invalid_grant", "authorization code is invalid, expired, or already used")
		}

		// A fresh Session decoupled from the browser session's idle clock
		// backs the bearer token, rebuilt from the upstream token set the
		// code itself carried.
		apiSess, err := h.Sessions.Create(ctx, session.CreateOptions{
			Metadata: session.Metadata{
				ClientID:  rec.ClientID,
				GrantType: "authorization_code",
			},
		})
		if err != nil {
			return writeErr(c, err)
		}
		if _, err := h.Sessions.StoreTokens(ctx, apiSess.ID, session.OAuthTokens{
			AccessToken:  rec.GoogleAccessToken,
			RefreshToken: rec.GoogleRefreshToken,
			Scope:        rec.Scope,
			TokenType:    "Bearer",
			ExpiryDate:   rec.GoogleTokenExpiry,
		}, rec.UserEmail); err != nil {
			return writeErr(c, err)
		}

		token, err := h.Tokens.Generate(ctx, apiSess.ID, rec.ClientID, rec.Scope)
		if err != nil {
			return writeErr(c, err)
		}

		return c.JSON(fiber.Map{
			"access_token": token.Token,
			"token_type":   "Bearer",
			"scope":        token.Scope,
			"expires_in":   int(token.ExpiresAt.Sub(token.CreatedAt).Seconds()),
		})

	default:
		// Legacy cookie path: exchange an already-authenticated browser
		// session directly for a bearer token bound to that same session.
		sessionID := c.Cookies(h.Cookie.Name)
		if sessionID == "" {
			return writeOAuthError(c, fiber.StatusBadRequest, "invalid_request", "missing session cookie")
		}

		sess, err := h.Sessions.Get(ctx, sessionID)
		if err != nil {
			return writeErr(c, err)
		}
		if sess == nil || !sess.Authenticated {
			return writeOAuthError(c, fiber.StatusUnauthorized, "invalid_request", "session is not authenticated")
		}

		scope := ""
		if sess.Tokens != nil {
			scope = sess.Tokens.Scope
		}
		token, err := h.Tokens.Generate(ctx, sess.ID, sess.Metadata.ClientID, scope)
		if err != nil {
			return writeErr(c, err)
		}

		return c.JSON(fiber.Map{
			"access_token": token.Token,
			"token_type":   "Bearer",
			"scope":        token.Scope,
			"expires_in":   int(token.ExpiresAt.Sub(token.CreatedAt).Seconds()),
			"user_email":   sess.UserEmail,
		})
	}
}
