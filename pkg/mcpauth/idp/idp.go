// Package idp abstracts the upstream identity provider the gateway
// delegates authentication to. The gateway itself only ever sees
// Provider — idp/google is the production implementation, idp/fake is a
// deterministic stand-in for tests.
package idp

import (
	"context"
	"net/http"

	"github.com/Abraxas-365/authcore/pkg/errx"
)

// UserInfo is the subset of upstream profile claims the gateway persists.
type UserInfo struct {
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Tokens is the upstream token set returned by an exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	TokenType    string
	ExpiryUnixMs int64
}

// Provider is the upstream OAuth2 identity provider contract.
type Provider interface {
	// AuthURL returns the URL to redirect the browser to, embedding state
	// for CSRF protection across the round trip.
	AuthURL(state string) string
	// Exchange redeems an authorization code from the upstream provider for
	// a token set.
	Exchange(ctx context.Context, code string) (*Tokens, error)
	// UserInfo fetches the authenticated user's profile using accessToken.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
	// Refresh exchanges a refresh token for a new access token.
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

var ErrRegistry = errx.NewRegistry("IDP")

var (
	CodeExchangeFailed  = ErrRegistry.Register("EXCHANGE_FAILED", errx.TypeExternal, http.StatusBadGateway, "Failed to exchange authorization code with upstream provider")
	CodeUserInfoFailed  = ErrRegistry.Register("USERINFO_FAILED", errx.TypeExternal, http.StatusBadGateway, "Failed to fetch user profile from upstream provider")
	CodeRefreshFailed   = ErrRegistry.Register("REFRESH_FAILED", errx.TypeExternal, http.StatusBadGateway, "Failed to refresh token with upstream provider")
	CodeUnverifiedEmail = ErrRegistry.Register("UNVERIFIED_EMAIL", errx.TypeValidation, http.StatusForbidden, "Upstream account email is not verified")
)

func ErrExchangeFailed(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeExchangeFailed, cause) }
func ErrUserInfoFailed(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeUserInfoFailed, cause) }
func ErrRefreshFailed(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeRefreshFailed, cause) }
func ErrUnverifiedEmail() *errx.Error { return ErrRegistry.New(CodeUnverifiedEmail) }
