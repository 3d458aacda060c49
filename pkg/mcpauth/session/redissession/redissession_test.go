package redissession_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/authcore/pkg/cryptox"
	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session/redissession"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, absoluteTTL, idleTTL time.Duration) (*redissession.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	cipher, err := cryptox.New(key)
	if err != nil {
		t.Fatalf("cryptox.New: %v", err)
	}

	return redissession.New(rdb, cipher, absoluteTTL, idleTTL), mr
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, 30*time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{
		Metadata: session.Metadata{UserAgent: "test-agent"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Authenticated {
		t.Fatal("new sessions must start unauthenticated")
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected to find the session just created")
	}
	if got.Metadata.UserAgent != "test-agent" {
		t.Fatalf("metadata not preserved: %+v", got.Metadata)
	}
}

func TestGetMissingSessionReturnsNil(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, 30*time.Minute)
	got, err := store.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for a missing session")
	}
}

// Property: a session is deleted once its absolute TTL has elapsed,
// regardless of activity.
func TestAbsoluteExpiry(t *testing.T) {
	store, _ := newTestStore(t, 30*time.Millisecond, time.Hour)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected the session to be expired by absolute TTL")
	}
}

// Property: a session idle longer than idleTTL is treated as expired even
// though its absolute TTL has not elapsed.
func TestIdleExpiry(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, 20*time.Millisecond)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected the session to be expired by idle TTL")
	}
}

// An access within the idle window keeps the session alive, and Get stamps
// LastAccessedAt so the idle clock effectively restarts.
func TestActivityResetsIdleClock(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, 50*time.Millisecond)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got, err := store.Get(ctx, sess.ID); err != nil || got == nil {
		t.Fatalf("expected session still alive at 30ms: got=%v err=%v", got, err)
	}

	time.Sleep(30 * time.Millisecond) // 60ms total, but only 30ms since last access
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected the access at 30ms to have reset the idle clock")
	}
}

func TestStoreTokensRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, 30*time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tokens := session.OAuthTokens{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		Scope:        "email profile",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	}

	updated, err := store.StoreTokens(ctx, sess.ID, tokens, "user@example.com")
	if err != nil {
		t.Fatalf("StoreTokens: %v", err)
	}
	if !updated.Authenticated {
		t.Fatal("expected session to be authenticated after StoreTokens")
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Tokens == nil {
		t.Fatal("expected decrypted tokens on re-read")
	}
	if got.Tokens.AccessToken != tokens.AccessToken {
		t.Fatalf("access token mismatch: got %q want %q", got.Tokens.AccessToken, tokens.AccessToken)
	}
	if got.UserEmail != "user@example.com" {
		t.Fatalf("user email not preserved: %q", got.UserEmail)
	}
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, 30*time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := store.Delete(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected the session to be gone after Delete")
	}
}

// Refresh pushes ExpiresAt out by a full absolute TTL from now, so a session
// refreshed late in its life gains a whole new window.
func TestRefreshExtendsAbsoluteExpiry(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, time.Hour)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	refreshed, err := store.Refresh(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed == nil {
		t.Fatal("expected the session to still exist")
	}
	if !refreshed.ExpiresAt.After(sess.ExpiresAt) {
		t.Fatalf("expected ExpiresAt to advance: was %v, now %v", sess.ExpiresAt, refreshed.ExpiresAt)
	}

	if got, err := store.Refresh(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("expected (nil, nil) refreshing a missing session, got %v, %v", got, err)
	}
}

// Property: concurrent Update calls on the same session never silently lose
// a patch — each either commits or surfaces ConflictError after retries,
// and the session ends up reflecting exactly one of the attempted patches.
func TestConcurrentUpdatesDoNotSilentlyLosePatches(t *testing.T) {
	store, _ := newTestStore(t, time.Hour, time.Hour)
	ctx := context.Background()

	sess, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]error, n)
	candidates := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		email := fmt.Sprintf("user-%d@example.com", i)
		candidates[i] = email
		go func(i int, email string) {
			defer wg.Done()
			_, err := store.Update(ctx, sess.ID, session.Patch{UserEmail: &email})
			results[i] = err
		}(i, email)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var ex *errx.Error
		if !errors.As(err, &ex) || ex.Code != session.ErrConflict().Code {
			t.Fatalf("unexpected error from concurrent Update: %v", err)
		}
	}
	if succeeded == 0 {
		t.Fatal("expected at least one concurrent Update to succeed")
	}

	final, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	matched := false
	for _, email := range candidates {
		if final.UserEmail == email {
			matched = true
			break
		}
	}
	if !matched {
		t.Fatalf("final session email %q does not match any attempted patch", final.UserEmail)
	}
}

// CleanupExpired must find and delete sessions whose ExpiresAt has already
// passed even though the underlying Redis key itself has not yet expired
// (e.g. a long key TTL set alongside a short application-level absoluteTTL
// during a config change). Inject such records directly so the scan path is
// exercised independently of Redis's own key eviction.
func TestCleanupExpiredDeletesPastSessions(t *testing.T) {
	store, mr := newTestStore(t, time.Hour, time.Hour)
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	writePastSession := func(id string) {
		sess := session.Session{
			ID:             id,
			CreatedAt:      time.Now().UTC().Add(-2 * time.Hour),
			ExpiresAt:      time.Now().UTC().Add(-time.Hour),
			LastAccessedAt: time.Now().UTC().Add(-2 * time.Hour),
		}
		data, err := json.Marshal(sess)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := rdb.Set(ctx, "sess:"+id, data, time.Hour).Err(); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	writePastSession("expired-1")
	writePastSession("expired-2")

	live, err := store.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n < 2 {
		t.Fatalf("expected at least 2 expired sessions cleaned up, got %d", n)
	}

	if got, err := store.Get(ctx, live.ID); err != nil || got == nil {
		t.Fatalf("expected the live session to survive cleanup: got=%v err=%v", got, err)
	}
}
