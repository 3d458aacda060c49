// Package ratelimit implements the gateway's distributed rate limiters. Each
// limiter is a single atomic Redis script — INCR then, only on the counter's
// first increment, EXPIRE — following the same one-script-per-operation
// idiom as pkg/jobx/jobxredis's promoteScript, so a limiter's check-and-
// increment can never race with itself across gateway instances.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and sets its expiry only the first time it
// is created within the current window, so the window slides from the
// first hit rather than resetting on every call.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Policy configures one named limiter.
type Policy struct {
	Name       string
	Window     time.Duration
	Max        int
	FailClosed bool // on Redis error: true rejects the request, false allows it
}

// Default policies. Auth, token, api, and sse endpoints fail closed (a Redis outage should
// not let brute force or quota abuse sail through); the general fallback
// limiter fails open so Redis being briefly unavailable never takes the
// whole gateway down.
var (
	PolicyAuthLogin          = Policy{Name: "auth", Window: 15 * time.Minute, Max: 10, FailClosed: true}
	PolicyTokenExchange      = Policy{Name: "token", Window: 15 * time.Minute, Max: 5, FailClosed: true}
	PolicyClientRegistration = Policy{Name: "client_registration", Window: time.Hour, Max: 20, FailClosed: true}
	PolicyAPI                = Policy{Name: "api", Window: 15 * time.Minute, Max: 100, FailClosed: true}
	PolicyGeneral            = Policy{Name: "general", Window: 15 * time.Minute, Max: 300, FailClosed: false}
	PolicySSEConnect         = Policy{Name: "sse", Window: 15 * time.Minute, Max: 10, FailClosed: true}
	PolicyGDPRExport         = Policy{Name: "gdpr_export", Window: time.Hour, Max: 10, FailClosed: true}
	PolicyGDPRDelete         = Policy{Name: "gdpr_delete", Window: 15 * time.Minute, Max: 5, FailClosed: true}
)

// Result reports the outcome of a single Check.
type Result struct {
	Allowed   bool
	Hits      int
	Remaining int
	ResetIn   time.Duration
}

type Limiter struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Check increments the counter for (policy, scopeKey) — scopeKey is
// typically an IP address, session ID, or client ID, whatever the policy is
// scoped by — and reports whether the request is within policy.Max for the
// current window.
func (l *Limiter) Check(ctx context.Context, policy Policy, scopeKey string) (Result, error) {
	key := fmt.Sprintf("rl:%s:%s", policy.Name, scopeKey)

	res, err := incrScript.Run(ctx, l.rdb, []string{key}, policy.Window.Milliseconds()).Result()
	if err != nil {
		if policy.FailClosed {
			return Result{Allowed: false}, ErrLimiterUnavailable(err)
		}
		return Result{Allowed: true}, nil
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		if policy.FailClosed {
			return Result{Allowed: false}, ErrLimiterUnavailable(nil)
		}
		return Result{Allowed: true}, nil
	}

	hits := toInt(values[0])
	ttlMillis := toInt(values[1])

	remaining := policy.Max - hits
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   hits <= policy.Max,
		Hits:      hits,
		Remaining: remaining,
		ResetIn:   time.Duration(ttlMillis) * time.Millisecond,
	}, nil
}

// ClearAll resets every rate-limit counter in the keyspace via cursor
// scanning and pipelined deletes (never a blocking `KEYS` scan).
// It is an operator-triggered/administrative reset, wired
// into the cleanup scheduler's periodic sweep as a backstop
// for any `rl:*` key that somehow never picked up its window's TTL (the
// atomic incrScript above makes this vanishingly rare, but the same
// scan+pipeline shape also has to exist for a manual limiter reset).
func (l *Limiter) ClearAll(ctx context.Context) (int, error) {
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, "rl:*", 100).Result()
		if err != nil {
			return deleted, ErrLimiterUnavailable(err)
		}

		if len(keys) > 0 {
			pipe := l.rdb.Pipeline()
			for _, k := range keys {
				pipe.Del(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return deleted, ErrLimiterUnavailable(err)
			}
			deleted += len(keys)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}

// Peek reports the current hit count for (policy, scopeKey) without
// incrementing it, for policies like PolicyAuthLogin whose window only
// counts failed attempts — the caller checks
// Peek before running the handler and only calls Check afterward if the
// attempt failed.
func (l *Limiter) Peek(ctx context.Context, policy Policy, scopeKey string) (Result, error) {
	key := fmt.Sprintf("rl:%s:%s", policy.Name, scopeKey)

	hits, err := l.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return Result{Allowed: true, Hits: 0, Remaining: policy.Max}, nil
	}
	if err != nil {
		if policy.FailClosed {
			return Result{Allowed: false}, ErrLimiterUnavailable(err)
		}
		return Result{Allowed: true}, nil
	}

	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil {
		ttl = 0
	}

	remaining := policy.Max - hits
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   hits < policy.Max,
		Hits:      hits,
		Remaining: remaining,
		ResetIn:   ttl,
	}, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

var ErrRegistry = errx.NewRegistry("RATELIMIT")

var (
	CodeExceeded    = ErrRegistry.Register("EXCEEDED", errx.TypeBusiness, http.StatusTooManyRequests, "Rate limit exceeded")
	CodeUnavailable = ErrRegistry.Register("LIMITER_UNAVAILABLE", errx.TypeExternal, http.StatusServiceUnavailable, "Rate limiter backend unavailable")
)

func ErrExceeded(retryAfter time.Duration) *errx.Error {
	return ErrRegistry.New(CodeExceeded).WithDetail("retry_after", int(retryAfter.Seconds()))
}
func ErrLimiterUnavailable(cause error) *errx.Error { return ErrRegistry.NewWithCause(CodeUnavailable, cause) }
