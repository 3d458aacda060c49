package redisbearer_test

import (
	"context"
	"testing"
	"time"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/bearer/redisbearer"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, ttl time.Duration) *redisbearer.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisbearer.New(rdb, ttl)
}

func TestGenerateAndValidate(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	td, err := store.Generate(ctx, "sess-1", "mcp_client", "email profile")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if td.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	got, err := store.Validate(ctx, td.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got == nil {
		t.Fatal("expected the token to validate")
	}
	if got.SessionID != "sess-1" || got.ClientID != "mcp_client" {
		t.Fatalf("token data not preserved: %+v", got)
	}
}

func TestValidateUnknownTokenReturnsNilNoError(t *testing.T) {
	store := newTestStore(t, time.Hour)

	got, err := store.Validate(context.Background(), "never-issued")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for an unknown token")
	}
}

func TestValidateStampsLastUsedAt(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	td, err := store.Generate(ctx, "sess-2", "mcp_client", "email")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	firstUsed := td.LastUsedAt

	time.Sleep(5 * time.Millisecond)
	got, err := store.Validate(ctx, td.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.LastUsedAt.After(firstUsed) {
		t.Fatalf("expected LastUsedAt to advance: first=%v got=%v", firstUsed, got.LastUsedAt)
	}
}

// Property: sequentially generated tokens are always unique handles.
func TestGenerateProducesUniqueTokens(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		td, err := store.Generate(ctx, "sess-unique", "mcp_client", "email")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[td.Token] {
			t.Fatalf("duplicate token generated: %q", td.Token)
		}
		seen[td.Token] = true
	}
}

func TestExpiredTokenIsNotReturned(t *testing.T) {
	store := newTestStore(t, 20*time.Millisecond)
	ctx := context.Background()

	td, err := store.Generate(ctx, "sess-3", "mcp_client", "email")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	got, err := store.Validate(ctx, td.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got != nil {
		t.Fatal("expected the token to be expired")
	}
}

func TestRevoke(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	td, err := store.Generate(ctx, "sess-4", "mcp_client", "email")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := store.Revoke(ctx, td.Token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	got, err := store.Validate(ctx, td.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got != nil {
		t.Fatal("expected the token to be gone after Revoke")
	}
}

func TestRevokeForSession(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		td, err := store.Generate(ctx, "sess-5", "mcp_client", "email")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		tokens = append(tokens, td.Token)
	}
	// A token for a different session must survive the revocation.
	other, err := store.Generate(ctx, "sess-other", "mcp_client", "email")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	n, err := store.RevokeForSession(ctx, "sess-5")
	if err != nil {
		t.Fatalf("RevokeForSession: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 tokens revoked, got %d", n)
	}

	for _, tok := range tokens {
		got, err := store.Validate(ctx, tok)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if got != nil {
			t.Fatalf("expected token %q to be revoked", tok)
		}
	}

	got, err := store.Validate(ctx, other.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got == nil {
		t.Fatal("expected the other session's token to survive")
	}
}

func TestListForSession(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Generate(ctx, "sess-6", "mcp_client", "email"); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}

	list, err := store.ListForSession(ctx, "sess-6")
	if err != nil {
		t.Fatalf("ListForSession: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(list))
	}
}

func TestCleanupExpired(t *testing.T) {
	store := newTestStore(t, 20*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := store.Generate(ctx, "sess-7", "mcp_client", "email"); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	time.Sleep(40 * time.Millisecond)

	n, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n < 2 {
		t.Fatalf("expected at least 2 tokens cleaned up, got %d", n)
	}
}

func TestCount(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Generate(ctx, "sess-8", "mcp_client", "email"); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected count 5, got %d", n)
	}
}

func TestGetDataEquivalentToValidateWithoutTouchingLastUsedAt(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	td, err := store.Generate(ctx, "sess-9", "mcp_client", "email")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	got, err := store.GetData(ctx, td.Token)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if got == nil || got.Token != td.Token {
		t.Fatalf("unexpected GetData result: %+v", got)
	}

	again, err := store.GetData(ctx, td.Token)
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if again == nil || !again.LastUsedAt.Equal(td.LastUsedAt) {
		t.Fatalf("expected GetData to leave LastUsedAt at %v, got %+v", td.LastUsedAt, again)
	}
}
