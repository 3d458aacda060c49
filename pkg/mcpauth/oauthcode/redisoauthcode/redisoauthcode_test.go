package redisoauthcode_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode/redisoauthcode"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRequestStore_CreateGetDelete(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewRequestStore(rdb, time.Hour)
	ctx := context.Background()

	req := oauthcode.AuthzRequest{
		SessionID:           "sess-1",
		ClientID:            "mcp_abc",
		RedirectURI:         "https://client.example/cb",
		State:               "xyz",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		Scope:               "email",
	}
	if err := store.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected to find the request just created")
	}
	if got.ClientID != req.ClientID || got.RedirectURI != req.RedirectURI {
		t.Fatalf("request fields not preserved: %+v", got)
	}
	if !got.IsPKCE() {
		t.Fatal("expected IsPKCE true when a code_challenge is set")
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get after Delete: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after Delete")
	}
}

func TestRequestStore_GetMissingReturnsNil(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewRequestStore(rdb, time.Hour)

	got, err := store.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for a missing request")
	}
}

func TestRequestStore_ExpiredRequestIsNotReturned(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewRequestStore(rdb, 20*time.Millisecond)
	ctx := context.Background()

	if err := store.Create(ctx, oauthcode.AuthzRequest{SessionID: "sess-2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	got, err := store.Get(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected the request to be expired")
	}
}

// Property: a code can be redeemed exactly once, even under heavy concurrent
// contention for the same code.
func TestCodeStore_SingleUseUnderConcurrency(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewCodeStore(rdb, time.Hour)
	ctx := context.Background()

	code, err := store.Generate(ctx, oauthcode.AuthzCode{
		ClientID:          "mcp_abc",
		RedirectURI:       "https://client.example/cb",
		CodeChallenge:     "challenge",
		UserEmail:         "user@example.com",
		GoogleAccessToken: "ya29.access",
		Scope:             "email",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code == "" {
		t.Fatal("expected a non-empty code")
	}

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.ValidateAndConsume(ctx, code)
			if err == nil && rec != nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful redemption among %d concurrent attempts, got %d", n, successes)
	}

	// A second, sequential attempt must also fail: the code is gone.
	if _, err := store.ValidateAndConsume(ctx, code); err == nil {
		t.Fatal("expected redemption after consumption to fail")
	}
}

func TestCodeStore_ValidateAndConsumeReturnsFields(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewCodeStore(rdb, time.Hour)
	ctx := context.Background()

	code, err := store.Generate(ctx, oauthcode.AuthzCode{
		ClientID:            "mcp_abc",
		RedirectURI:         "https://client.example/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		State:               "abc123",
		UserEmail:           "user@example.com",
		GoogleAccessToken:   "ya29.access",
		GoogleRefreshToken:  "1//refresh",
		Scope:               "email profile",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	rec, err := store.ValidateAndConsume(ctx, code)
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if rec.ClientID != "mcp_abc" || rec.Scope != "email profile" || rec.State != "abc123" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.UserEmail != "user@example.com" || rec.GoogleAccessToken != "ya29.access" || rec.GoogleRefreshToken != "1//refresh" {
		t.Fatalf("expected the upstream token set to survive the round trip: %+v", rec)
	}
}

func TestCodeStore_UnknownCodeFails(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewCodeStore(rdb, time.Hour)

	_, err := store.ValidateAndConsume(context.Background(), "never-issued")
	if err == nil {
		t.Fatal("expected an error for an unknown code")
	}
	var ex *errx.Error
	if !errors.As(err, &ex) || ex.Code != oauthcode.CodeInvalidGrant.Code {
		t.Fatalf("expected CodeInvalidGrant, got %v", err)
	}
}

func TestCodeStore_ExpiredCodeFails(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewCodeStore(rdb, 20*time.Millisecond)
	ctx := context.Background()

	code, err := store.Generate(ctx, oauthcode.AuthzCode{ClientID: "mcp_expiring"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := store.ValidateAndConsume(ctx, code); err == nil {
		t.Fatal("expected an expired code to fail validation")
	}
}

func TestCodeStore_GenerateProducesUniqueCodes(t *testing.T) {
	rdb := newTestRedis(t)
	store := redisoauthcode.NewCodeStore(rdb, time.Hour)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := store.Generate(ctx, oauthcode.AuthzCode{ClientID: "mcp_unique"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[code] {
			t.Fatalf("duplicate code generated: %q", code)
		}
		seen[code] = true
	}
}

func TestClientRegistry_RegisterGetDelete(t *testing.T) {
	rdb := newTestRedis(t)
	registry := redisoauthcode.NewClientRegistry(rdb, time.Hour)
	ctx := context.Background()

	client := oauthcode.RegisteredClient{
		ClientID:                "mcp_deadbeefdeadbeefdeadbeefdeadbeef",
		ClientName:              "test client",
		RedirectURIs:            []string{"https://client.example/cb"},
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	}

	stored, err := registry.Register(ctx, client)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if stored.CreatedAt.IsZero() || stored.ExpiresAt.IsZero() {
		t.Fatal("expected Register to stamp CreatedAt/ExpiresAt")
	}

	got, err := registry.Get(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected to find the registered client")
	}
	if got.ClientName != "test client" {
		t.Fatalf("client fields not preserved: %+v", got)
	}

	ok, err := registry.ValidateRedirectURI(ctx, client.ClientID, "https://client.example/cb")
	if err != nil {
		t.Fatalf("ValidateRedirectURI: %v", err)
	}
	if !ok {
		t.Fatal("expected the registered redirect URI to validate")
	}

	ok, err = registry.ValidateRedirectURI(ctx, client.ClientID, "https://evil.example/cb")
	if err != nil {
		t.Fatalf("ValidateRedirectURI: %v", err)
	}
	if ok {
		t.Fatal("expected an unregistered redirect URI to fail validation")
	}

	if err := registry.Delete(ctx, client.ClientID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = registry.Get(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("Get after Delete: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after Delete")
	}
}

func TestClientRegistry_ValidateRedirectURIUnknownClient(t *testing.T) {
	rdb := newTestRedis(t)
	registry := redisoauthcode.NewClientRegistry(rdb, time.Hour)

	_, err := registry.ValidateRedirectURI(context.Background(), "mcp_unknown", "https://client.example/cb")
	if err == nil {
		t.Fatal("expected an error for an unregistered client")
	}
	var ex *errx.Error
	if !errors.As(err, &ex) || ex.Code != oauthcode.CodeClientNotFound.Code {
		t.Fatalf("expected CodeClientNotFound, got %v", err)
	}
}

func TestClientRegistry_ExpiredClientIsNotReturned(t *testing.T) {
	rdb := newTestRedis(t)
	registry := redisoauthcode.NewClientRegistry(rdb, 20*time.Millisecond)
	ctx := context.Background()

	client := oauthcode.RegisteredClient{
		ClientID:      "mcp_short_lived",
		RedirectURIs:  []string{"https://client.example/cb"},
		GrantTypes:    []string{"authorization_code"},
		ResponseTypes: []string{"code"},
	}
	if _, err := registry.Register(ctx, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	got, err := registry.Get(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected the client registration to be expired")
	}
}
