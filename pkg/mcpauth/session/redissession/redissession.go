// Package redissession implements session.Store on top of Redis, following
// the key-helper / JSON-marshal / pipeline idiom of
// pkg/jobx/jobxredis.RedisQueue, adapted from that package's fire-and-forget
// writes to the optimistic-concurrency (WATCH/MULTI/EXEC) shape a Session
// update requires.
package redissession

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/authcore/pkg/asyncx"
	"github.com/Abraxas-365/authcore/pkg/cryptox"
	"github.com/Abraxas-365/authcore/pkg/logx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 3

func key(id string) string { return fmt.Sprintf("sess:%s", id) }

// Store implements session.Store backed by Redis.
type Store struct {
	rdb         *redis.Client
	cipher      *cryptox.Cipher
	absoluteTTL time.Duration
	idleTTL     time.Duration
}

// New builds a Redis-backed session store. absoluteTTL/idleTTL default to
// session.DefaultAbsoluteTTL/DefaultIdleTTL when zero.
func New(rdb *redis.Client, cipher *cryptox.Cipher, absoluteTTL, idleTTL time.Duration) *Store {
	if absoluteTTL <= 0 {
		absoluteTTL = session.DefaultAbsoluteTTL
	}
	if idleTTL <= 0 {
		idleTTL = session.DefaultIdleTTL
	}
	return &Store{rdb: rdb, cipher: cipher, absoluteTTL: absoluteTTL, idleTTL: idleTTL}
}

func (s *Store) Create(ctx context.Context, opts session.CreateOptions) (*session.Session, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.absoluteTTL
	}
	now := time.Now().UTC()

	sess := &session.Session{
		ID:             uuid.New().String(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		Authenticated:  false,
		Metadata:       opts.Metadata,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, session.ErrStoreFailure(err)
	}
	if err := s.rdb.Set(ctx, key(sess.ID), data, ttl).Err(); err != nil {
		return nil, session.ErrStoreFailure(err)
	}
	return sess, nil
}

// Get reads a Session, enforcing absolute then idle expiry in that order.
// On either, the key is deleted and (nil, nil) is returned. A successful
// read stamps LastAccessedAt and rewrites with the preserved remaining TTL.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, session.ErrStoreFailure(err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, session.ErrStoreFailure(err)
	}

	now := time.Now().UTC()
	if sess.IsExpired(now) {
		s.rdb.Del(ctx, key(id))
		return nil, nil
	}
	if sess.IsIdle(now, s.idleTTL) {
		s.rdb.Del(ctx, key(id))
		return nil, nil
	}

	if sess.EncryptedTokens != "" {
		var tokens session.OAuthTokens
		if err := cryptox.DecryptJSON(s.cipher, sess.EncryptedTokens, &tokens); err != nil {
			logx.WithError(err).Warnf("session: failed to decrypt tokens for %s, returning unauthenticated", id)
		} else {
			sess.Tokens = &tokens
		}
	}

	sess.LastAccessedAt = now
	out, mErr := json.Marshal(&sess)
	if mErr != nil {
		return &sess, nil
	}

	ttl := s.rdb.TTL(ctx, key(id)).Val()
	if ttl <= 0 {
		ttl = s.absoluteTTL
	}
	if err := s.rdb.Set(ctx, key(id), out, ttl).Err(); err != nil {
		// Non-critical write: the read still returns its session.
		logx.WithError(err).Warnf("session: failed to stamp lastAccessedAt for %s", id)
	}

	return &sess, nil
}

// Update applies patch under Redis's WATCH/MULTI/EXEC optimistic-concurrency
// protocol: a concurrent writer touching the same session between our GET and
// our EXEC aborts the transaction with redis.TxFailedErr, and asyncx.Retry
// re-runs the whole read-modify-write up to maxUpdateRetries times before
// giving up as a conflict.
//
// The idle-expiry check is evaluated against the WATCHed snapshot's
// LastAccessedAt. On the patch path, a concurrent Get that refreshes the
// stamp between WATCH and EXEC aborts this transaction and the retry
// re-reads the refreshed value. The absolute- and idle-expiry deletes are
// issued directly, outside MULTI/EXEC, so a Get that refreshes the stamp
// after this read but before that delete does not stop it: the session is
// deleted early (the conservative outcome).
func (s *Store) Update(ctx context.Context, id string, patch session.Patch) (*session.Session, error) {
	result, err := asyncx.Retry(ctx, maxUpdateRetries, func(ctx context.Context) (*session.Session, error) {
		var txResult *session.Session

		txErr := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key(id)).Bytes()
			if err == redis.Nil {
				txResult = nil
				return nil
			}
			if err != nil {
				return err
			}

			var sess session.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return err
			}

			now := time.Now().UTC()
			if sess.IsExpired(now) {
				tx.Del(ctx, key(id))
				txResult = nil
				return nil
			}
			if sess.IsIdle(now, s.idleTTL) {
				tx.Del(ctx, key(id))
				txResult = nil
				return nil
			}

			if patch.Tokens != nil {
				enc, encErr := cryptox.EncryptJSON(s.cipher, *patch.Tokens)
				if encErr != nil {
					return encErr
				}
				sess.EncryptedTokens = enc
			}
			if patch.Authenticated != nil {
				sess.Authenticated = *patch.Authenticated
			}
			if patch.UserEmail != nil {
				sess.UserEmail = *patch.UserEmail
			}
			if patch.Metadata != nil {
				sess.Metadata = *patch.Metadata
			}
			sess.ID = id
			sess.LastAccessedAt = now

			ttl := tx.TTL(ctx, key(id)).Val()
			if ttl <= 0 {
				ttl = s.absoluteTTL
			}

			out, mErr := json.Marshal(&sess)
			if mErr != nil {
				return mErr
			}

			_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key(id), out, ttl)
				return nil
			})
			if pipeErr != nil {
				return pipeErr
			}

			if patch.Tokens != nil {
				sess.Tokens = patch.Tokens
			}
			txResult = &sess
			return nil
		}, key(id))

		return txResult, txErr
	})

	if err == nil {
		return result, nil
	}
	if err == redis.TxFailedErr {
		return nil, session.ErrConflict()
	}
	return nil, session.ErrStoreFailure(err)
}

func (s *Store) StoreTokens(ctx context.Context, id string, tokens session.OAuthTokens, userEmail string) (*session.Session, error) {
	authenticated := true
	return s.Update(ctx, id, session.Patch{
		Tokens:        &tokens,
		Authenticated: &authenticated,
		UserEmail:     &userEmail,
	})
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, key(id)).Result()
	if err != nil {
		return false, session.ErrStoreFailure(err)
	}
	return n > 0, nil
}

func (s *Store) Refresh(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.rdb.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, session.ErrStoreFailure(err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, session.ErrStoreFailure(err)
	}

	sess.ExpiresAt = time.Now().UTC().Add(s.absoluteTTL)
	out, mErr := json.Marshal(&sess)
	if mErr != nil {
		return nil, session.ErrStoreFailure(mErr)
	}
	if err := s.rdb.Set(ctx, key(id), out, s.absoluteTTL).Err(); err != nil {
		return nil, session.ErrStoreFailure(err)
	}
	return &sess, nil
}

// CleanupExpired scans the session keyspace in 100-key batches (never a
// blocking KEYS call) and deletes any record whose ExpiresAt has passed, or
// that fails to parse at all.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	var cursor uint64
	deleted := 0
	now := time.Now().UTC()

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "sess:*", 100).Result()
		if err != nil {
			return deleted, session.ErrStoreFailure(err)
		}

		for _, k := range keys {
			data, err := s.rdb.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}

			var sess session.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				s.rdb.Del(ctx, k)
				deleted++
				continue
			}
			if sess.ExpiresAt.Before(now) {
				s.rdb.Del(ctx, k)
				deleted++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}
