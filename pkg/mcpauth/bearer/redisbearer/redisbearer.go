// Package redisbearer implements bearer.Store on Redis. Token handles are
// written with SetNX so a UUID collision (vanishingly unlikely, but checked
// anyway) never overwrites an existing token. Per-session operations cursor-scan the
// token namespace in 100-key batches; they are O(N) over live tokens, which
// is acceptable for the operator actions (logout-all, erasure) that call
// them, and those callers are rate-limited.
package redisbearer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Abraxas-365/authcore/pkg/asyncx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/bearer"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	maxGenerateAttempts = 3
	scanBatch           = 100
)

func tokenKey(token string) string { return "api-token:" + token }

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = bearer.DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Generate(ctx context.Context, sessionID, clientID, scope string) (*bearer.TokenData, error) {
	data, err := asyncx.Retry(ctx, maxGenerateAttempts, func(ctx context.Context) (*bearer.TokenData, error) {
		token := uuid.NewString()
		now := time.Now().UTC()
		td := bearer.TokenData{
			Token:      token,
			SessionID:  sessionID,
			ClientID:   clientID,
			Scope:      scope,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.ttl),
			LastUsedAt: now,
		}

		payload, mErr := json.Marshal(td)
		if mErr != nil {
			return nil, bearer.ErrStoreFailure(mErr)
		}

		ok, setErr := s.rdb.SetNX(ctx, tokenKey(token), payload, s.ttl).Result()
		if setErr != nil {
			return nil, bearer.ErrStoreFailure(setErr)
		}
		if !ok {
			return nil, bearer.ErrGenerateFailed(nil) // collision, asyncx.Retry tries again
		}

		return &td, nil
	})
	if err != nil {
		return nil, bearer.ErrGenerateFailed(err)
	}
	return data, nil
}

func (s *Store) Validate(ctx context.Context, token string) (*bearer.TokenData, error) {
	data, err := s.GetData(ctx, token)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	data.LastUsedAt = time.Now().UTC()
	if payload, mErr := json.Marshal(data); mErr == nil {
		s.rdb.Set(ctx, tokenKey(token), payload, redis.KeepTTL)
	}
	return data, nil
}

func (s *Store) GetData(ctx context.Context, token string) (*bearer.TokenData, error) {
	raw, err := s.rdb.Get(ctx, tokenKey(token)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, bearer.ErrStoreFailure(err)
	}

	var data bearer.TokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, bearer.ErrStoreFailure(err)
	}
	if data.IsExpired(time.Now().UTC()) {
		s.rdb.Del(ctx, tokenKey(token))
		return nil, nil
	}
	return &data, nil
}

func (s *Store) Revoke(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, tokenKey(token)).Err(); err != nil {
		return bearer.ErrStoreFailure(err)
	}
	return nil
}

// forEachToken walks the token namespace in cursor batches, calling fn with
// each parseable record and its key.
func (s *Store) forEachToken(ctx context.Context, fn func(key string, data bearer.TokenData)) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "api-token:*", scanBatch).Result()
		if err != nil {
			return bearer.ErrStoreFailure(err)
		}

		for _, k := range keys {
			raw, err := s.rdb.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var data bearer.TokenData
			if err := json.Unmarshal(raw, &data); err != nil {
				continue
			}
			fn(k, data)
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) RevokeForSession(ctx context.Context, sessionID string) (int, error) {
	revoked := 0
	err := s.forEachToken(ctx, func(key string, data bearer.TokenData) {
		if data.SessionID != sessionID {
			return
		}
		if err := s.rdb.Del(ctx, key).Err(); err == nil {
			revoked++
		}
	})
	return revoked, err
}

func (s *Store) ListForSession(ctx context.Context, sessionID string) ([]bearer.TokenData, error) {
	now := time.Now().UTC()
	out := make([]bearer.TokenData, 0, 4)
	err := s.forEachToken(ctx, func(key string, data bearer.TokenData) {
		if data.SessionID != sessionID || data.IsExpired(now) {
			return
		}
		out = append(out, data)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupExpired deletes every token whose recorded ExpiresAt has passed.
// Redis's own key TTL normally gets there first; this sweep catches records
// whose TTL was lost or whose configured lifetime was shortened after issue.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	deleted := 0
	err := s.forEachToken(ctx, func(key string, data bearer.TokenData) {
		if data.IsExpired(now) {
			if delErr := s.rdb.Del(ctx, key).Err(); delErr == nil {
				deleted++
			}
		}
	})
	return deleted, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "api-token:*", scanBatch).Result()
		if err != nil {
			return count, bearer.ErrStoreFailure(err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}
