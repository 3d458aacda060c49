// Package session models the gateway's authenticated Session record and the
// store contract the orchestrator depends on.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
)

// Defaults, tunable by config.
const (
	DefaultAbsoluteTTL     = 4 * time.Hour
	DefaultIdleTTL         = 30 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour // informational only
)

// OAuthTokens is the upstream Google token set, never stored outside a
// Session and always ciphertext on the wire to/from the store.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	ExpiryDate   int64  `json:"expiry_date"` // ms epoch
}

// Metadata is the opaque bag of request-origin context carried alongside a
// Session across its lifetime.
type Metadata struct {
	UserAgent   string `json:"user_agent,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	IsPKCEFlow  bool   `json:"is_pkce_flow,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	GrantType   string `json:"grant_type,omitempty"`
}

// Session is the server-side authenticated context, keyed by UUID.
type Session struct {
	ID              string       `json:"id"`
	CreatedAt       time.Time    `json:"created_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	LastAccessedAt  time.Time    `json:"last_accessed_at"`
	Authenticated   bool         `json:"authenticated"`
	UserEmail       string       `json:"user_email,omitempty"`
	EncryptedTokens string       `json:"encrypted_tokens,omitempty"`
	Metadata        Metadata     `json:"metadata"`
	Tokens          *OAuthTokens `json:"-"` // decrypted, never persisted directly
}

// IsExpired reports whether the session has passed its absolute TTL.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsIdle reports whether the session has been untouched longer than idleTTL.
func (s *Session) IsIdle(now time.Time, idleTTL time.Duration) bool {
	return now.Sub(s.LastAccessedAt) > idleTTL
}

// CreateOptions configure Session creation.
type CreateOptions struct {
	TTL      time.Duration // 0 uses the store's configured absoluteTTL
	Metadata Metadata
}

// Patch describes a partial update applied by Store.Update. Only non-nil
// fields are applied; id and LastAccessedAt are always forced by the store.
type Patch struct {
	Tokens        *OAuthTokens
	Authenticated *bool
	UserEmail     *string
	Metadata      *Metadata
}

// Store is Redis-backed CRUD over Session records with
// absolute + idle expiry and optimistic concurrency for updates.
type Store interface {
	Create(ctx context.Context, opts CreateOptions) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, patch Patch) (*Session, error)
	StoreTokens(ctx context.Context, id string, tokens OAuthTokens, userEmail string) (*Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	Refresh(ctx context.Context, id string) (*Session, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("SESSION")

var (
	CodeNotFound  = ErrRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Session not found or expired")
	CodeConflict  = ErrRegistry.Register("CONFLICT", errx.TypeConflict, http.StatusConflict, "Session update lost all retries")
	CodeStoreFail = ErrRegistry.Register("STORE_FAILURE", errx.TypeExternal, http.StatusInternalServerError, "Session store operation failed")
)

func ErrNotFound() *errx.Error { return ErrRegistry.New(CodeNotFound) }
func ErrConflict() *errx.Error { return ErrRegistry.New(CodeConflict) }
func ErrStoreFailure(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeStoreFail, cause) }
