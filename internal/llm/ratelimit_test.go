package llm

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterRequestCeiling(t *testing.T) {
	clk := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{Requests: 3, Window: time.Minute}, clk.Now)

	for i := 0; i < 3; i++ {
		if err := l.Acquire(10); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
	if err := l.Acquire(10); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if s := l.Snapshot(); s.Requests != 3 || s.Tokens != 30 {
		t.Fatalf("rejection must not mutate counters: %+v", s)
	}

	clk.Advance(time.Minute)
	if s := l.Snapshot(); s.Requests != 0 || s.Tokens != 0 {
		t.Fatalf("expected fresh counters after reset, got %+v", s)
	}
	if err := l.Acquire(10); err != nil {
		t.Fatalf("expected acceptance after window, got %v", err)
	}
	s := l.Snapshot()
	if s.Requests != 1 || !s.ResetAt.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("unexpected state after reset: %+v", s)
	}
}

func TestRateLimiterTokenCeiling(t *testing.T) {
	clk := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{Tokens: 100}, clk.Now)

	if err := l.Acquire(60); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(41); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected token rejection, got %v", err)
	}
	if err := l.Acquire(40); err != nil {
		t.Fatalf("exact fit should pass, got %v", err)
	}
}

func TestRateLimiterZeroDisables(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{}, nil)
	for i := 0; i < 1000; i++ {
		if err := l.Acquire(1 << 20); err != nil {
			t.Fatalf("unlimited limiter rejected call %d: %v", i, err)
		}
	}
}

func TestRateLimiterConcurrentAcquire(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{Requests: 50}, newFakeClock().Now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(1) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 50 {
		t.Fatalf("expected exactly 50 accepted, got %d", accepted)
	}
}

func TestRateLimiterReconcile(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{Requests: 10, Tokens: 1000}, newFakeClock().Now)
	_ = l.Acquire(5)

	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", "20")
	h.Set("x-ratelimit-remaining-requests", "12")
	h.Set("x-ratelimit-remaining-tokens", "900")
	l.Reconcile(h, openAISpec.headers)

	s := l.Snapshot()
	if s.RequestCeiling != 20 || s.Requests != 8 {
		t.Fatalf("expected adopted ceiling 20 with 8 used, got %+v", s)
	}
	if s.TokenCeiling != 1000 || s.Tokens != 100 {
		t.Fatalf("expected 100 tokens used, got %+v", s)
	}
}

func TestRateLimiterReconcileIgnoresGarbage(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{Requests: 10}, newFakeClock().Now)
	_ = l.Acquire(0)

	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-remaining", "soon")
	l.Reconcile(h, anthropicSpec.headers)
	l.Reconcile(h, HeaderSpec{})
	l.Reconcile(nil, anthropicSpec.headers)

	if s := l.Snapshot(); s.Requests != 1 || s.RequestCeiling != 10 {
		t.Fatalf("unparseable headers must not change state: %+v", s)
	}
}

func TestEstimateUnits(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "12345"}} // 5 chars -> 2 units
	if got := estimateUnits(msgs, 10); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := estimateUnits(nil, 0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
