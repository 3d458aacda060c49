package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/ratelimit"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*ratelimit.Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return ratelimit.New(rdb), mr
}

func TestCheckAllowsWithinLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := ratelimit.Policy{Name: "test_allow", Window: time.Minute, Max: 5, FailClosed: true}

	for i := 1; i <= 5; i++ {
		res, err := limiter.Check(context.Background(), policy, "scope-a")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d should be allowed within Max=5, got Hits=%d", i, res.Hits)
		}
		if res.Hits != i {
			t.Fatalf("expected Hits=%d, got %d", i, res.Hits)
		}
	}
}

func TestCheckRejectsOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := ratelimit.Policy{Name: "test_reject", Window: time.Minute, Max: 3, FailClosed: true}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Check(ctx, policy, "scope-b"); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}

	res, err := limiter.Check(ctx, policy, "scope-b")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected the 4th hit against Max=3 to be rejected")
	}
	if res.Remaining != 0 {
		t.Fatalf("expected Remaining=0 once over limit, got %d", res.Remaining)
	}
}

// Property: Check's INCR+EXPIRE pair is one atomic script invocation, so N
// concurrent callers against the same scope must land on exactly N distinct
// incrementing hit counts — no lost updates, no double counting.
func TestCheckIsAtomicUnderConcurrency(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := ratelimit.Policy{Name: "test_concurrent", Window: time.Minute, Max: 1000, FailClosed: true}
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	hits := make([]int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := limiter.Check(ctx, policy, "scope-concurrent")
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			hits[i] = res.Hits
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, h := range hits {
		if seen[h] {
			t.Fatalf("duplicate hit count %d observed across concurrent Check calls", h)
		}
		seen[h] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Fatalf("expected hit count %d to appear exactly once, never saw it", i)
		}
	}
}

// The window's expiry is set on the counter's first increment, so the limit
// naturally resets once the window elapses.
func TestWindowResetsAfterExpiry(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	policy := ratelimit.Policy{Name: "test_window", Window: 50 * time.Millisecond, Max: 1, FailClosed: true}
	ctx := context.Background()

	res, err := limiter.Check(ctx, policy, "scope-window")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Fatal("first hit should be allowed")
	}

	res, err = limiter.Check(ctx, policy, "scope-window")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("second hit within the window should be rejected")
	}

	// miniredis only applies TTLs when time is advanced explicitly.
	mr.FastForward(80 * time.Millisecond)

	res, err = limiter.Check(ctx, policy, "scope-window")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected the limit to reset after the window elapsed")
	}
	if res.Hits != 1 {
		t.Fatalf("expected the counter to restart at 1, got %d", res.Hits)
	}
}

func TestCheckScopesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	policy := ratelimit.Policy{Name: "test_scopes", Window: time.Minute, Max: 1, FailClosed: true}
	ctx := context.Background()

	res, err := limiter.Check(ctx, policy, "ip-1")
	if err != nil || !res.Allowed {
		t.Fatalf("expected ip-1's first hit to be allowed: res=%+v err=%v", res, err)
	}
	res, err = limiter.Check(ctx, policy, "ip-2")
	if err != nil || !res.Allowed {
		t.Fatalf("expected ip-2's first hit to be allowed independently of ip-1: res=%+v err=%v", res, err)
	}
}

// A FailClosed policy must reject (not allow) requests when the backend is
// unreachable.
func TestFailClosedRejectsOnBackendFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.New(rdb)
	policy := ratelimit.Policy{Name: "test_failclosed", Window: time.Minute, Max: 10, FailClosed: true}

	mr.Close()

	res, err := limiter.Check(context.Background(), policy, "scope-down")
	if err == nil {
		t.Fatal("expected an error when the rate limiter backend is unreachable")
	}
	if res.Allowed {
		t.Fatal("a fail-closed policy must reject when the backend is down")
	}
}

// A FailOpen (FailClosed=false) policy must allow requests through when the
// backend is unreachable, so a Redis outage never blocks all traffic.
func TestFailOpenAllowsOnBackendFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.New(rdb)
	policy := ratelimit.Policy{Name: "test_failopen", Window: time.Minute, Max: 10, FailClosed: false}

	mr.Close()

	res, err := limiter.Check(context.Background(), policy, "scope-down")
	if err != nil {
		t.Fatalf("expected no error surfaced for a fail-open policy, got %v", err)
	}
	if !res.Allowed {
		t.Fatal("a fail-open policy must allow when the backend is down")
	}
}
