// Package bearer models the opaque bearer-token handles the gateway issues
// after a successful token exchange. Tokens are UUID handles with no
// embedded claims — validating one always means a store round-trip, never a
// signature check, since self-contained signed tokens are explicitly out of
// scope for this gateway.
package bearer

import (
	"context"
	"net/http"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
)

// DefaultTTL is the lifetime of a minted bearer token.
const DefaultTTL = 24 * time.Hour

// TokenData is the record stored under a bearer token handle.
type TokenData struct {
	Token      string    `json:"token"`
	SessionID  string    `json:"session_id"`
	ClientID   string    `json:"client_id"`
	Scope      string    `json:"scope"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (t *TokenData) IsExpired(now time.Time) bool { return now.After(t.ExpiresAt) }

// Store mints, validates, and revokes opaque bearer tokens,
// each bound to the session that authorized it.
type Store interface {
	// Generate mints a new token bound to sessionID, retrying internally on
	// the vanishingly rare handle collision.
	Generate(ctx context.Context, sessionID, clientID, scope string) (*TokenData, error)
	// Validate looks up a token, returning (nil, nil) if it is missing,
	// expired, or malformed — callers treat all three as "unauthenticated".
	Validate(ctx context.Context, token string) (*TokenData, error)
	Revoke(ctx context.Context, token string) error
	RevokeForSession(ctx context.Context, sessionID string) (int, error)
	ListForSession(ctx context.Context, sessionID string) ([]TokenData, error)
	GetData(ctx context.Context, token string) (*TokenData, error)
	CleanupExpired(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

var ErrRegistry = errx.NewRegistry("BEARER")

var (
	CodeNotFound     = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusUnauthorized, "Bearer token not found or expired")
	CodeGenerateFail = ErrRegistry.Register("GENERATE_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Failed to generate a unique bearer token")
	CodeStoreFail    = ErrRegistry.Register("STORE_FAILURE", errx.TypeExternal, http.StatusInternalServerError, "Bearer token store operation failed")
)

func ErrNotFound() *errx.Error { return ErrRegistry.New(CodeNotFound) }
func ErrGenerateFailed(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeGenerateFail, cause) }
func ErrStoreFailure(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeStoreFail, cause) }
