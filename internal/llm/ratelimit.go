package llm

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultRateWindow = time.Minute

// HeaderSpec names the response headers a backend uses to report its quota.
// Empty names disable reconciliation for that value.
type HeaderSpec struct {
	RequestLimit     string
	RequestRemaining string
	TokenLimit       string
	TokenRemaining   string
}

func (s HeaderSpec) empty() bool {
	return s == HeaderSpec{}
}

// RateLimitState is a point-in-time copy of the limiter counters.
type RateLimitState struct {
	RequestCeiling int           `json:"request_ceiling"`
	TokenCeiling   int           `json:"token_ceiling"`
	Requests       int           `json:"requests"`
	Tokens         int           `json:"tokens"`
	ResetAt        time.Time     `json:"reset_at"`
	Window         time.Duration `json:"window"`
}

// RemainingRequests is -1 when the request dimension is disabled.
func (s RateLimitState) RemainingRequests() int {
	if s.RequestCeiling <= 0 {
		return -1
	}
	return max(s.RequestCeiling-s.Requests, 0)
}

// RemainingTokens is -1 when the token dimension is disabled.
func (s RateLimitState) RemainingTokens() int {
	if s.TokenCeiling <= 0 {
		return -1
	}
	return max(s.TokenCeiling-s.Tokens, 0)
}

// RateLimiter is a fixed-window request and token counter for one adapter
// instance. A zero ceiling disables that dimension.
type RateLimiter struct {
	mu      sync.Mutex
	clk     func() time.Time
	window  time.Duration
	reqCap  int
	tokCap  int
	reqUsed int
	tokUsed int
	resetAt time.Time
}

// NewRateLimiter builds a limiter; clk defaults to time.Now.
func NewRateLimiter(cfg RateLimitConfig, clk func() time.Time) *RateLimiter {
	if clk == nil {
		clk = time.Now
	}
	l := &RateLimiter{clk: clk}
	l.setLimits(cfg)
	l.resetAt = clk().Add(l.window)
	return l
}

// SetLimits replaces the ceilings and window, keeping the current counters.
func (l *RateLimiter) SetLimits(cfg RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLimits(cfg)
}

func (l *RateLimiter) setLimits(cfg RateLimitConfig) {
	l.window = cfg.Window
	if l.window <= 0 {
		l.window = defaultRateWindow
	}
	l.reqCap = cfg.Requests
	l.tokCap = cfg.Tokens
}

// Acquire reserves one request and units tokens. On rejection nothing is
// mutated beyond a due window reset.
func (l *RateLimiter) Acquire(units int) error {
	if units < 0 {
		units = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked()
	if l.reqCap > 0 && l.reqUsed >= l.reqCap {
		return ErrRateLimitExceeded
	}
	if l.tokCap > 0 && l.tokUsed+units > l.tokCap {
		return ErrRateLimitExceeded
	}
	l.reqUsed++
	l.tokUsed += units
	return nil
}

func (l *RateLimiter) rollLocked() {
	now := l.clk()
	if !now.Before(l.resetAt) {
		l.reqUsed = 0
		l.tokUsed = 0
		l.resetAt = now.Add(l.window)
	}
}

// Reconcile overwrites local counters from server-reported quota headers.
// A reported limit replaces the local ceiling. Unparseable values are ignored.
func (l *RateLimiter) Reconcile(h http.Header, spec HeaderSpec) {
	if h == nil || spec.empty() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	reconcileDim(h, spec.RequestLimit, spec.RequestRemaining, &l.reqCap, &l.reqUsed)
	reconcileDim(h, spec.TokenLimit, spec.TokenRemaining, &l.tokCap, &l.tokUsed)
}

func reconcileDim(h http.Header, limitName, remainingName string, ceiling, used *int) {
	if limit, ok := headerInt(h, limitName); ok && limit > 0 {
		*ceiling = limit
	}
	remaining, ok := headerInt(h, remainingName)
	if !ok || *ceiling <= 0 {
		return
	}
	*used = min(max(*ceiling-remaining, 0), *ceiling)
}

func headerInt(h http.Header, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Snapshot returns the current counters after applying a due reset.
func (l *RateLimiter) Snapshot() RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return RateLimitState{
		RequestCeiling: l.reqCap,
		TokenCeiling:   l.tokCap,
		Requests:       l.reqUsed,
		Tokens:         l.tokUsed,
		ResetAt:        l.resetAt,
		Window:         l.window,
	}
}

// estimateUnits approximates prompt tokens as ceil(chars/4) plus the
// requested output budget.
func estimateUnits(msgs []Message, maxTokens int) int {
	chars := 0
	for _, m := range msgs {
		chars += len([]rune(m.Content))
	}
	return (chars+3)/4 + max(maxTokens, 0)
}
