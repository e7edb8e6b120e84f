package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lprpipeline/internal/pipeline/core"
)

func newTestLimiter(t *testing.T, clock *fakeClock, policies ...core.RateLimitPolicy) *core.RateLimiter {
	t.Helper()
	if len(policies) == 0 {
		policies = core.DefaultPolicies()
	}
	limiter, err := core.NewRateLimiter(policies, core.RateLimiterOptions{Shards: 4, Now: clock.Now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return limiter
}

func TestRateLimiter_AuthBlockScenario(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		decision, err := limiter.Consume(ctx, core.PolicyAuth, "ip:1.2.3.4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("expected call %d admitted", i)
		}
		if decision.Remaining != 5-i {
			t.Fatalf("expected remaining %d got %d", 5-i, decision.Remaining)
		}
		clock.Advance(100 * time.Millisecond)
	}

	sixth, err := limiter.Consume(ctx, core.PolicyAuth, "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sixth.Allowed || sixth.MsBeforeNext() <= 0 {
		t.Fatalf("expected sixth call rejected with wait, got %#v", sixth)
	}

	clock.Advance(time.Minute)
	seventh, err := limiter.Consume(ctx, core.PolicyAuth, "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seventh.Allowed {
		t.Fatalf("expected block to persist after one minute")
	}
	if seventh.RetryAfter != 14*time.Minute {
		t.Fatalf("expected retry after 14m got %s", seventh.RetryAfter)
	}
	if _, blocked := limiter.Blocked(core.PolicyAuth, "ip:1.2.3.4"); !blocked {
		t.Fatalf("expected key to report blocked")
	}

	clock.Advance(14 * time.Minute)
	after, err := limiter.Consume(ctx, core.PolicyAuth, "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !after.Allowed {
		t.Fatalf("expected admission once block expired")
	}
}

func TestRateLimiter_FixedWindowRejectionKeepsBalance(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, core.RateLimitPolicy{Name: "api", Points: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := limiter.Consume(ctx, "api", "k"); !d.Allowed {
			t.Fatalf("expected admission %d", i)
		}
	}
	clock.Advance(10 * time.Second)
	rejected, _ := limiter.Consume(ctx, "api", "k")
	if rejected.Allowed {
		t.Fatalf("expected rejection")
	}
	if rejected.RetryAfter != 50*time.Second {
		t.Fatalf("expected retry after 50s got %s", rejected.RetryAfter)
	}

	clock.Advance(50 * time.Second)
	fresh, _ := limiter.Consume(ctx, "api", "k")
	if !fresh.Allowed || fresh.Remaining != 1 {
		t.Fatalf("expected new window with remaining 1, got %#v", fresh)
	}
	if fresh.MsBeforeReset() != time.Minute.Milliseconds() {
		t.Fatalf("expected reset in 60000ms got %d", fresh.MsBeforeReset())
	}
}

func TestRateLimiter_ConcurrentConsumeNeverExceedsBudget(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, core.RateLimitPolicy{Name: "sms", Points: 10, Window: time.Hour})
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := limiter.Consume(ctx, "sms", "+15550001")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if decision.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 10 {
		t.Fatalf("expected 10 admissions got %d", got)
	}
}

func TestRateLimiter_SlidingWindowBoundsAnyInterval(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	window := 10 * time.Second
	limiter := newTestLimiter(t, clock, core.RateLimitPolicy{Name: "slide", Points: 3, Window: window, Algorithm: core.AlgorithmSlidingWindow})
	ctx := context.Background()

	var admittedAt []time.Time
	for step := 0; step < 120; step++ {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				decision, err := limiter.Consume(ctx, "slide", "user")
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if decision.Allowed {
					mu.Lock()
					admittedAt = append(admittedAt, clock.Now())
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		clock.Advance(700 * time.Millisecond)
	}

	for i, start := range admittedAt {
		count := 0
		for _, at := range admittedAt[i:] {
			if at.Sub(start) < window {
				count++
			}
		}
		if count > 3 {
			t.Fatalf("expected at most 3 admissions in window starting %s got %d", start, count)
		}
	}
	if len(admittedAt) == 0 {
		t.Fatalf("expected some admissions")
	}
}

func TestRateLimiter_TokenBucketRefills(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, core.RateLimitPolicy{Name: "bucket", Points: 2, Window: 2 * time.Second, Algorithm: core.AlgorithmTokenBucket})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := limiter.Consume(ctx, "bucket", "k"); !d.Allowed {
			t.Fatalf("expected burst admission %d", i)
		}
	}
	rejected, _ := limiter.Consume(ctx, "bucket", "k")
	if rejected.Allowed || rejected.RetryAfter <= 0 {
		t.Fatalf("expected rejection with wait, got %#v", rejected)
	}
	clock.Advance(time.Second)
	if d, _ := limiter.Consume(ctx, "bucket", "k"); !d.Allowed {
		t.Fatalf("expected refill after one second")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTestLimiter(t, clock, core.RateLimitPolicy{Name: "api", Points: 1, Window: time.Minute})
	ctx := context.Background()

	if d, _ := limiter.Consume(ctx, "api", "a"); !d.Allowed {
		t.Fatalf("expected a admitted")
	}
	if d, _ := limiter.Consume(ctx, "api", "b"); !d.Allowed {
		t.Fatalf("expected b admitted")
	}
	if d, _ := limiter.Consume(ctx, "api", "a"); d.Allowed {
		t.Fatalf("expected a rejected")
	}
	limiter.Reset("api", "a")
	if d, _ := limiter.Consume(ctx, "api", "a"); !d.Allowed {
		t.Fatalf("expected a admitted after reset")
	}
}

func TestRateLimiter_InvalidInput(t *testing.T) {
	t.Parallel()

	limiter := newTestLimiter(t, newFakeClock())
	if _, err := limiter.Consume(context.Background(), "missing", "k"); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown policy, got %v", err)
	}
	if _, err := limiter.Consume(context.Background(), core.PolicyAPI, ""); core.CodeOf(err) != core.CodeInvalidInput {
		t.Fatalf("expected invalid input for empty key, got %v", err)
	}
	if _, err := core.NewRateLimiter([]core.RateLimitPolicy{{Name: "x", Points: 0, Window: time.Second}}, core.RateLimiterOptions{}); err == nil {
		t.Fatalf("expected error for zero points")
	}
}

func TestRateLimiter_EvictsOnlyIdleKeys(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter, err := core.NewRateLimiter([]core.RateLimitPolicy{{Name: "api", Points: 1, Window: time.Minute}}, core.RateLimiterOptions{
		Shards:          1,
		MaxKeysPerShard: 2,
		Now:             clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := limiter.Consume(ctx, "api", fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := limiter.Keys(); got != 5 {
		t.Fatalf("expected active keys retained, got %d", got)
	}
	if d, _ := limiter.Consume(ctx, "api", "k0"); d.Allowed {
		t.Fatalf("expected active key to keep its spent budget")
	}

	clock.Advance(2 * time.Minute)
	if _, err := limiter.Consume(ctx, "api", "fresh"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := limiter.Keys(); got > 2 {
		t.Fatalf("expected idle keys evicted down to 2, got %d", got)
	}
}
