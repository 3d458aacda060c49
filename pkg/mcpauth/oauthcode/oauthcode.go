// Package oauthcode models the downstream authorization-code flow the
// gateway runs as its own authorization server: the short-lived AuthzRequest
// that anchors a PKCE challenge to a browser round-trip, the single-use
// AuthzCode minted after upstream login succeeds, and the RegisteredClient
// records DCR (RFC 7591) produces.
package oauthcode

import (
	"context"
	"net/http"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
)

// Defaults, tunable by config.
const (
	DefaultRequestTTL = 10 * time.Minute
	DefaultCodeTTL    = 10 * time.Minute
	DefaultClientTTL  = 30 * 24 * time.Hour
)

// AuthzRequest anchors one in-flight browser login: the client's PKCE
// challenge plus everything needed to resume the flow on /oauth2callback.
type AuthzRequest struct {
	SessionID           string    `json:"session_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	State               string    `json:"state"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scope               string    `json:"scope"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (r *AuthzRequest) IsExpired(now time.Time) bool { return now.After(r.ExpiresAt) }
func (r *AuthzRequest) IsPKCE() bool { return r.CodeChallenge != "" }

// AuthzCode is the single-use code handed back to the client after a
// successful upstream login, redeemable exactly once at /token. It carries
// the upstream token set itself rather than a session reference, so
// redemption stays valid even if the browser session that ran the consent
// dance has already idled out by the time the client redeems.
type AuthzCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	State               string    `json:"state,omitempty"`
	UserEmail           string    `json:"user_email"`
	GoogleAccessToken   string    `json:"google_access_token"`
	GoogleRefreshToken  string    `json:"google_refresh_token,omitempty"`
	GoogleTokenExpiry   int64     `json:"google_token_expiry,omitempty"` // ms epoch
	Scope               string    `json:"scope"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (c *AuthzCode) IsExpired(now time.Time) bool { return now.After(c.ExpiresAt) }
func (c *AuthzCode) IsPKCE() bool { return c.CodeChallenge != "" }

// RegisteredClient is a dynamically-registered OAuth client (RFC 7591).
type RegisteredClient struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            *string   `json:"client_secret,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
	ExpiresAt               time.Time `json:"expires_at"`
}

func (c *RegisteredClient) IsExpired(now time.Time) bool { return now.After(c.ExpiresAt) }

// HasRedirectURI reports whether uri is registered verbatim for this client.
// Callers must always re-check this against the stored record at use time —
// never against a cached copy — since a client's redirect URIs can change
// underneath an in-flight flow.
func (c *RegisteredClient) HasRedirectURI(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// RequestStore persists in-flight AuthzRequests, one per session, for the
// duration of the browser round-trip to the upstream IdP and back.
type RequestStore interface {
	Create(ctx context.Context, req AuthzRequest) error
	Get(ctx context.Context, sessionID string) (*AuthzRequest, error)
	Delete(ctx context.Context, sessionID string) error
}

// CodeStore mints and redeems single-use authorization codes.
type CodeStore interface {
	Generate(ctx context.Context, code AuthzCode) (string, error)
	// ValidateAndConsume atomically fetches and deletes the code record so
	// a code can never be redeemed twice, even under concurrent requests.
	ValidateAndConsume(ctx context.Context, code string) (*AuthzCode, error)
}

// ClientRegistry stores dynamically-registered OAuth clients.
type ClientRegistry interface {
	Register(ctx context.Context, client RegisteredClient) (*RegisteredClient, error)
	Get(ctx context.Context, clientID string) (*RegisteredClient, error)
	ValidateRedirectURI(ctx context.Context, clientID, redirectURI string) (bool, error)
	Delete(ctx context.Context, clientID string) error
}

var ErrRegistry = errx.NewRegistry("OAUTHCODE")

var (
	CodeRequestNotFound = ErrRegistry.Register("REQUEST_NOT_FOUND", errx.TypeNotFound, http.StatusBadRequest, "Authorization request not found or expired")
	CodeInvalidGrant    = ErrRegistry.Register("INVALID_GRANT", errx.TypeValidation, http.StatusBadRequest, "Authorization code is invalid, expired, or already used")
	CodeClientNotFound  = ErrRegistry.Register("CLIENT_NOT_FOUND", errx.TypeNotFound, http.StatusBadRequest, "Client not registered")
	CodeRedirectURI     = ErrRegistry.Register("INVALID_REDIRECT_URI", errx.TypeValidation, http.StatusBadRequest, "redirect_uri does not match a registered URI for this client")
	CodeStoreFail       = ErrRegistry.Register("STORE_FAILURE", errx.TypeExternal, http.StatusInternalServerError, "Authorization store operation failed")
)

func ErrRequestNotFound() *errx.Error { return ErrRegistry.New(CodeRequestNotFound) }
func ErrInvalidGrant() *errx.Error { return ErrRegistry.New(CodeInvalidGrant) }
func ErrClientNotFound() *errx.Error { return ErrRegistry.New(CodeClientNotFound) }
func ErrInvalidRedirectURI() *errx.Error { return ErrRegistry.New(CodeRedirectURI) }
func ErrStoreFailure(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeStoreFail, cause) }
