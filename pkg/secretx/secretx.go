// Package secretx fetches the data-encryption key used by pkg/cryptox from
// an external secret store, with a time-bounded cache and a dev-mode
// fallback so local development never needs a real secret manager.
package secretx

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/logx"
)

const KeySize = 32 // AES-256

var ErrRegistry = errx.NewRegistry("SECRET")

var (
	CodeFetchFailed   = ErrRegistry.Register("FETCH_FAILED", errx.TypeExternal, http.StatusInternalServerError, "Failed to fetch data-encryption key")
	CodeInvalidKey    = ErrRegistry.Register("INVALID_KEY", errx.TypeInternal, http.StatusInternalServerError, "Data-encryption key is malformed")
	CodeNotConfigured = ErrRegistry.Register("NOT_CONFIGURED", errx.TypeInternal, http.StatusInternalServerError, "No data-encryption key source configured")
)

func ErrFetchFailed(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeFetchFailed, cause) }
func ErrInvalidKey() *errx.Error { return ErrRegistry.New(CodeInvalidKey) }
func ErrNotConfigured() *errx.Error { return ErrRegistry.New(CodeNotConfigured) }

// secretPayload is the parsed shape of the remote secret: a JSON object with
// a hex-encoded "key" field.
type secretPayload struct {
	Key string `json:"key"`
}

// remoteFetcher is the narrow seam a concrete secret backend must satisfy.
// It returns the raw secret payload bytes for a named secret.
type remoteFetcher interface {
	FetchSecret(ctx context.Context, name string) ([]byte, error)
}

// Provider fetches the 256-bit data-encryption key.
type Provider interface {
	GetDataKey(ctx context.Context) ([]byte, error)
	ClearCache()
}

// CachingProvider wraps a remote secret backend with a sync.RWMutex-guarded
// cache (shared read lock, exclusive write lock) and a dev-mode bypass.
type CachingProvider struct {
	remote     remoteFetcher
	secretName string
	deployment string
	cacheTTL   time.Duration
	devKey     []byte // pre-derived, may be nil

	mu        sync.RWMutex
	cached    []byte
	fetchedAt time.Time
}

// Config configures a CachingProvider.
type Config struct {
	SecretName string
	Deployment string // "production" gates the dev-mode bypass off
	CacheTTL   time.Duration
	DevKey     []byte // already-derived 32-byte key, or nil
}

// New builds a CachingProvider. remote may be nil when a DevKey is always
// expected to satisfy every fetch (e.g. in tests).
func New(remote remoteFetcher, cfg Config) *CachingProvider {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachingProvider{
		remote:     remote,
		secretName: cfg.SecretName,
		deployment: cfg.Deployment,
		cacheTTL:   ttl,
		devKey:     cfg.DevKey,
	}
}

func (p *CachingProvider) isProduction() bool {
	return p.deployment == "production"
}

// GetDataKey returns the 32-byte data-encryption key, using the cache when
// fresh, the dev-mode key when outside production and available, and the
// remote secret store otherwise.
func (p *CachingProvider) GetDataKey(ctx context.Context) ([]byte, error) {
	if !p.isProduction() && p.devKey != nil {
		if key, ok := p.readCache(); ok {
			return key, nil
		}
		logx.WithFields(logx.Fields{
			"audit_event": "encryption_key_accessed",
			"source":      "env",
			"success":     true,
		}).Info("Audit: data-encryption key sourced from environment")
		p.writeCache(p.devKey)
		return p.devKey, nil
	}

	if key, ok := p.readCache(); ok {
		return key, nil
	}

	key, err := p.fetchRemote(ctx)
	if err != nil {
		logx.WithFields(logx.Fields{
			"audit_event": "encryption_key_accessed",
			"source":      "secret_manager",
			"success":     false,
		}).WithError(err).Warn("Audit: data-encryption key fetch failed")

		if !p.isProduction() && p.devKey != nil {
			p.writeCache(p.devKey)
			return p.devKey, nil
		}
		return nil, err
	}

	logx.WithFields(logx.Fields{
		"audit_event": "encryption_key_accessed",
		"source":      "secret_manager",
		"success":     true,
	}).Info("Audit: data-encryption key fetched")

	p.writeCache(key)
	return key, nil
}

func (p *CachingProvider) fetchRemote(ctx context.Context) ([]byte, error) {
	if p.remote == nil || p.secretName == "" {
		return nil, ErrNotConfigured()
	}

	raw, err := p.remote.FetchSecret(ctx, p.secretName)
	if err != nil {
		return nil, ErrFetchFailed(err)
	}

	var payload secretPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrRegistry.NewWithCause(CodeInvalidKey, err)
	}

	key, err := hex.DecodeString(payload.Key)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKey()
	}

	return key, nil
}

func (p *CachingProvider) readCache() ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return nil, false
	}
	if time.Since(p.fetchedAt) > p.cacheTTL {
		return nil, false
	}
	return p.cached, true
}

func (p *CachingProvider) writeCache(key []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = key
	p.fetchedAt = time.Now()
}

// ClearCache invalidates the cached key, forcing the next GetDataKey call to
// re-fetch. Exposed so tests can build and tear down cache state
// deterministically.
func (p *CachingProvider) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.fetchedAt = time.Time{}
}
