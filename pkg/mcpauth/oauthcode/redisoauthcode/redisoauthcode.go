// Package redisoauthcode implements oauthcode's RequestStore, CodeStore, and
// ClientRegistry on Redis. The atomic consume-on-read of CodeStore mirrors
// pkg/jobx/jobxredis's promoteScript: a single redis.NewScript call so the
// GET and DEL can never interleave with a second concurrent redemption.
package redisoauthcode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode"
	"github.com/redis/go-redis/v9"
)

func requestKey(sessionID string) string { return "oauth:authz_request:" + sessionID }
func codeKey(code string) string         { return "oauth:authz_code:" + code }
func clientKey(clientID string) string   { return "oauth:client:" + clientID }

// consumeScript atomically fetches and deletes a key, returning its value or
// an empty string if absent — the same GET-then-DEL-in-one-round-trip shape
// as jobxredis.promoteScript's ZRANGEBYSCORE-then-ZREMRANGEBYSCORE.
var consumeScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if value then
	redis.call('DEL', KEYS[1])
end
return value
`)

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RequestStore implements oauthcode.RequestStore.
type RequestStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRequestStore(rdb *redis.Client, ttl time.Duration) *RequestStore {
	if ttl <= 0 {
		ttl = oauthcode.DefaultRequestTTL
	}
	return &RequestStore{rdb: rdb, ttl: ttl}
}

func (s *RequestStore) Create(ctx context.Context, req oauthcode.AuthzRequest) error {
	now := time.Now().UTC()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(req)
	if err != nil {
		return oauthcode.ErrStoreFailure(err)
	}
	if err := s.rdb.Set(ctx, requestKey(req.SessionID), data, s.ttl).Err(); err != nil {
		return oauthcode.ErrStoreFailure(err)
	}
	return nil
}

func (s *RequestStore) Get(ctx context.Context, sessionID string) (*oauthcode.AuthzRequest, error) {
	data, err := s.rdb.Get(ctx, requestKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}

	var req oauthcode.AuthzRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}
	if req.IsExpired(time.Now().UTC()) {
		s.rdb.Del(ctx, requestKey(sessionID))
		return nil, nil
	}
	return &req, nil
}

func (s *RequestStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, requestKey(sessionID)).Err(); err != nil {
		return oauthcode.ErrStoreFailure(err)
	}
	return nil
}

// CodeStore implements oauthcode.CodeStore.
type CodeStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCodeStore(rdb *redis.Client, ttl time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = oauthcode.DefaultCodeTTL
	}
	return &CodeStore{rdb: rdb, ttl: ttl}
}

func (s *CodeStore) Generate(ctx context.Context, code oauthcode.AuthzCode) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", oauthcode.ErrStoreFailure(err)
	}
	code.Code = token

	now := time.Now().UTC()
	code.CreatedAt = now
	code.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(code)
	if err != nil {
		return "", oauthcode.ErrStoreFailure(err)
	}
	if err := s.rdb.Set(ctx, codeKey(code.Code), data, s.ttl).Err(); err != nil {
		return "", oauthcode.ErrStoreFailure(err)
	}
	return code.Code, nil
}

// ValidateAndConsume redeems a code exactly once: the Lua script's GET+DEL
// is a single Redis command invocation, so two concurrent redemptions of
// the same code can never both succeed.
func (s *CodeStore) ValidateAndConsume(ctx context.Context, code string) (*oauthcode.AuthzCode, error) {
	result, err := consumeScript.Run(ctx, s.rdb, []string{codeKey(code)}).Text()
	if err == redis.Nil || result == "" {
		return nil, oauthcode.ErrInvalidGrant()
	}
	if err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}

	var rec oauthcode.AuthzCode
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}
	if rec.IsExpired(time.Now().UTC()) {
		return nil, oauthcode.ErrInvalidGrant()
	}
	return &rec, nil
}

// ClientRegistry implements oauthcode.ClientRegistry.
type ClientRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewClientRegistry(rdb *redis.Client, ttl time.Duration) *ClientRegistry {
	if ttl <= 0 {
		ttl = oauthcode.DefaultClientTTL
	}
	return &ClientRegistry{rdb: rdb, ttl: ttl}
}

func (s *ClientRegistry) Register(ctx context.Context, client oauthcode.RegisteredClient) (*oauthcode.RegisteredClient, error) {
	now := time.Now().UTC()
	client.CreatedAt = now
	client.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(client)
	if err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}
	if err := s.rdb.Set(ctx, clientKey(client.ClientID), data, s.ttl).Err(); err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}
	return &client, nil
}

func (s *ClientRegistry) Get(ctx context.Context, clientID string) (*oauthcode.RegisteredClient, error) {
	data, err := s.rdb.Get(ctx, clientKey(clientID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}

	var client oauthcode.RegisteredClient
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, oauthcode.ErrStoreFailure(err)
	}
	if client.IsExpired(time.Now().UTC()) {
		s.rdb.Del(ctx, clientKey(clientID))
		return nil, nil
	}
	return &client, nil
}

// ValidateRedirectURI always re-fetches the client record rather than
// trusting any cached copy, since registered redirect URIs can change
// underneath an in-flight authorization flow.
func (s *ClientRegistry) ValidateRedirectURI(ctx context.Context, clientID, redirectURI string) (bool, error) {
	client, err := s.Get(ctx, clientID)
	if err != nil {
		return false, err
	}
	if client == nil {
		return false, oauthcode.ErrClientNotFound()
	}
	return client.HasRedirectURI(redirectURI), nil
}

func (s *ClientRegistry) Delete(ctx context.Context, clientID string) error {
	if err := s.rdb.Del(ctx, clientKey(clientID)).Err(); err != nil {
		return oauthcode.ErrStoreFailure(err)
	}
	return nil
}
