package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptrelay/internal/eventbus"
	"promptrelay/internal/logging"
)

const (
	probePrompt    = "Hello"
	probeMaxTokens = 16
	sampleLimit    = 100
)

// ProviderEvent is the payload published on the event bus by adapters.
type ProviderEvent struct {
	Provider  string
	RequestID string
	Model     string
	Duration  time.Duration
	Kind      ErrorKind
	Err       error
}

// backendSpec is the static description of one backend.
type backendSpec struct {
	name         string
	display      string
	description  string
	capabilities []Capability
	defaultURL   string
	defaultModel string
	models       []ModelInfo
	headers      HeaderSpec
	keyPrefix    string // expected credential prefix, mismatch is a warning
	minKeyLen    int
	keyOptional  bool
}

// base carries the state every adapter shares: identity, auth state, the
// last classified failure and the rate limiter.
type base struct {
	spec    backendSpec
	deps    Deps
	limiter *RateLimiter

	mu            sync.RWMutex
	cfg           ProviderConfig
	authenticated bool
	lastErr       *LLMError
	liveModels    []ModelInfo
}

func newBase(spec backendSpec, cfg ProviderConfig, deps Deps) (*base, error) {
	deps = deps.withDefaults()
	if cfg.BaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("%s: %w: base_url: %v", spec.name, ErrInvalidConfig, err)
		}
	}
	return &base{
		spec:    spec,
		deps:    deps,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, deps.Now),
	}, nil
}

func (b *base) Name() string               { return b.spec.name }
func (b *base) DisplayName() string        { return b.spec.display }
func (b *base) Description() string        { return b.spec.description }
func (b *base) Capabilities() []Capability { return append([]Capability(nil), b.spec.capabilities...) }

func (b *base) IsAuthenticated() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.authenticated
}

func (b *base) LastError() *LLMError {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *base) DefaultModel() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cfg.Model != "" {
		return b.cfg.Model
	}
	return b.spec.defaultModel
}

func (b *base) Models() []string {
	ids := make([]string, len(b.spec.models))
	for i, m := range b.spec.models {
		ids[i] = m.ID
	}
	return ids
}

// RateLimit exposes the limiter for inspection.
func (b *base) RateLimit() RateLimitState {
	return b.limiter.Snapshot()
}

func (b *base) config() ProviderConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *base) baseURL(cfg ProviderConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return b.spec.defaultURL
}

func (b *base) hasCapability(c Capability) bool {
	for _, have := range b.spec.capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ValidateConfig applies the checks common to every backend.
func (b *base) ValidateConfig(cfg ProviderConfig) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}
	key := strings.TrimSpace(cfg.APIKey)
	switch {
	case key == "" && !b.spec.keyOptional:
		res.Errors = append(res.Errors, "api_key is required")
	case key != "" && len(key) < b.spec.minKeyLen:
		res.Errors = append(res.Errors, fmt.Sprintf("api_key is too short for %s", b.spec.display))
	case key != "" && b.spec.keyPrefix != "" && !strings.HasPrefix(key, b.spec.keyPrefix):
		res.Warnings = append(res.Warnings, fmt.Sprintf("api_key does not start with %q", b.spec.keyPrefix))
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		switch {
		case err != nil || u.Host == "":
			res.Errors = append(res.Errors, "base_url is not a valid URL")
		case u.Scheme != "http" && u.Scheme != "https":
			res.Errors = append(res.Errors, "base_url must use http or https")
		case u.Scheme == "http" && !isLoopback(u.Hostname()):
			res.Warnings = append(res.Warnings, "base_url uses plain http on a non-local host")
		}
	}

	if cfg.Model != "" && len(b.spec.models) > 0 && !b.knowsModel(cfg.Model) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("model %q is not in the known model list", cfg.Model))
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
		res.Errors = append(res.Errors, "temperature must be between 0 and 2")
	}
	if cfg.MaxTokens < 0 {
		res.Errors = append(res.Errors, "max_tokens must not be negative")
	}
	if cfg.Timeout < 0 {
		res.Errors = append(res.Errors, "timeout must not be negative")
	}
	rl := cfg.RateLimit
	if rl.Requests < 0 || rl.Tokens < 0 || rl.Window < 0 {
		res.Errors = append(res.Errors, "rate_limit values must not be negative")
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func (b *base) knowsModel(id string) bool {
	for _, m := range b.spec.models {
		if m.ID == id {
			return true
		}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.liveModels {
		if m.ID == id {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ConfigSchema lists the fields a settings form needs.
func (b *base) ConfigSchema() []ConfigField {
	return []ConfigField{
		{Name: "api_key", Type: "string", Required: !b.spec.keyOptional, Sensitive: true, Description: b.spec.display + " credential"},
		{Name: "base_url", Type: "string", Default: b.spec.defaultURL, Description: "Endpoint override"},
		{Name: "api_version", Type: "string", Description: "Backend-specific API version"},
		{Name: "model", Type: "string", Default: b.spec.defaultModel},
		{Name: "max_tokens", Type: "number", Default: 1024},
		{Name: "temperature", Type: "number", Default: 0.7},
		{Name: "timeout", Type: "duration", Default: "60s"},
		{Name: "rate_limit.requests", Type: "number", Description: "Local request ceiling per window, 0 disables"},
		{Name: "rate_limit.tokens", Type: "number", Description: "Local token ceiling per window, 0 disables"},
		{Name: "rate_limit.window", Type: "duration", Default: defaultRateWindow.String()},
	}
}

// checkCredential runs ValidateConfig and turns errors into ErrInvalidConfig.
func (b *base) checkCredential(cfg ProviderConfig) error {
	res := b.ValidateConfig(cfg)
	if !res.Valid {
		return fmt.Errorf("%s: %w: %s", b.spec.name, ErrInvalidConfig, strings.Join(res.Errors, "; "))
	}
	return nil
}

func (b *base) markAuthenticated(cfg ProviderConfig) {
	b.mu.Lock()
	b.cfg = cfg
	b.authenticated = true
	b.lastErr = nil
	b.mu.Unlock()
	b.limiter.SetLimits(cfg.RateLimit)
	b.deps.Bus.Publish(eventbus.TopicAuthenticated, ProviderEvent{Provider: b.spec.name})
	logging.Info("llm", "authenticated", "provider", b.spec.name)
}

func (b *base) markUnauthenticated() {
	b.mu.Lock()
	b.authenticated = false
	b.mu.Unlock()
}

// fail classifies err, records it as the last error and publishes it.
func (b *base) fail(op string, status int, err error) *LLMError {
	var llmErr *LLMError
	if !errors.As(err, &llmErr) {
		llmErr = NewError(b.spec.name, b.spec.display, op, status, err)
		llmErr.Time = b.deps.Now()
	}
	b.record(llmErr)
	return llmErr
}

func (b *base) record(llmErr *LLMError) {
	b.mu.Lock()
	b.lastErr = llmErr
	b.mu.Unlock()
	b.deps.Bus.Publish(eventbus.TopicError, ProviderEvent{Provider: b.spec.name, Kind: llmErr.Kind, Err: llmErr})
	logging.Error("llm", "provider call failed", "provider", b.spec.name, "op", llmErr.Context, "kind", string(llmErr.Kind), "status", llmErr.Status)
}

// call is one prepared generation.
type call struct {
	id          string
	model       string
	maxTokens   int
	temperature *float64
	system      string
	messages    []Message // without system messages
	start       time.Time
	cfg         ProviderConfig
}

// begin checks preconditions and reserves rate-limit capacity. It makes
// no network call.
func (b *base) begin(prompt string, opts GenerateOptions) (*call, error) {
	b.mu.RLock()
	authed := b.authenticated
	cfg := b.cfg
	b.mu.RUnlock()
	if !authed {
		return nil, fmt.Errorf("%s: %w", b.spec.name, ErrNotAuthenticated)
	}

	msgs := opts.Messages
	if len(msgs) == 0 && prompt != "" {
		msgs = []Message{{Role: "user", Content: prompt}}
	}
	if len(msgs) == 0 {
		return nil, &LLMError{
			Kind:     KindInvalidRequest,
			Provider: b.spec.name,
			Message:  FormatMessage(KindInvalidRequest, b.spec.display),
			Context:  "generate",
			Time:     b.deps.Now(),
			Err:      errors.New("empty prompt"),
		}
	}

	c := &call{
		id:          uuid.NewString(),
		model:       firstNonEmpty(opts.Model, cfg.Model, b.spec.defaultModel),
		maxTokens:   firstPositive(opts.MaxTokens, cfg.MaxTokens),
		temperature: opts.Temperature,
		cfg:         cfg,
	}
	if c.temperature == nil {
		c.temperature = cfg.Temperature
	}
	var system []string
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		c.messages = append(c.messages, m)
	}
	c.system = strings.Join(system, "\n\n")

	if err := b.limiter.Acquire(estimateUnits(msgs, c.maxTokens)); err != nil {
		llmErr := &LLMError{
			Kind:     KindRateLimitExceeded,
			Provider: b.spec.name,
			Message:  FormatMessage(KindRateLimitExceeded, b.spec.display),
			Context:  "generate",
			Time:     b.deps.Now(),
			Metadata: map[string]string{"source": "local", "request_id": c.id},
			Err:      err,
		}
		b.deps.Metrics.IncRateLimited(b.spec.name)
		b.deps.Bus.Publish(eventbus.TopicRateLimited, ProviderEvent{Provider: b.spec.name, RequestID: c.id, Model: c.model, Kind: KindRateLimitExceeded})
		b.record(llmErr)
		return nil, llmErr
	}

	c.start = b.deps.Now()
	b.deps.Bus.Publish(eventbus.TopicGenerateStart, ProviderEvent{Provider: b.spec.name, RequestID: c.id, Model: c.model})
	return c, nil
}

// done records the outcome of a generation.
func (b *base) done(c *call, err error) {
	elapsed := b.deps.Now().Sub(c.start)
	outcome := "ok"
	kind := ErrorKind("")
	if err != nil {
		kind = KindOf(err)
		outcome = string(kind)
	}
	b.deps.Metrics.IncGenerations(b.spec.name, outcome)
	b.deps.Metrics.ObserveGeneration(b.spec.name, elapsed.Seconds())
	b.deps.Bus.Publish(eventbus.TopicGenerateDone, ProviderEvent{
		Provider:  b.spec.name,
		RequestID: c.id,
		Model:     c.model,
		Duration:  elapsed,
		Kind:      kind,
		Err:       err,
	})
}

// reconcile feeds server quota headers into the limiter and quota gauges.
func (b *base) reconcile(h http.Header) {
	if b.spec.headers.empty() || h == nil {
		return
	}
	b.limiter.Reconcile(h, b.spec.headers)
	state := b.limiter.Snapshot()
	if n := state.RemainingRequests(); n >= 0 {
		b.deps.Metrics.SetQuotaRemaining(b.spec.name, "requests", float64(n))
	}
	if n := state.RemainingTokens(); n >= 0 {
		b.deps.Metrics.SetQuotaRemaining(b.spec.name, "tokens", float64(n))
	}
}

// wrapStream attaches classification and outcome recording to s.
func (b *base) wrapStream(c *call, s *Stream) *Stream {
	s.wrap = func(err error) error { return b.fail("stream", 0, err) }
	s.finish = func(err error) { b.done(c, err) }
	return s
}

// withTimeout bounds whole-response calls by the configured timeout.
func withTimeout(ctx context.Context, cfg ProviderConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (b *base) cacheModels(models []ModelInfo) {
	b.mu.Lock()
	b.liveModels = models
	b.mu.Unlock()
}

func (b *base) staticModels() []ModelInfo {
	return append([]ModelInfo(nil), b.spec.models...)
}

// testConnection is shared by every adapter's TestConnection.
func testConnection(ctx context.Context, p Provider, cfg ProviderConfig) TestResult {
	start := time.Now()
	res := TestResult{Provider: p.Name()}
	finish := func() TestResult {
		res.Latency = time.Since(start)
		return res
	}

	if v := p.ValidateConfig(cfg); !v.Valid {
		res.Kind = KindInvalidRequest
		res.Message = "invalid configuration: " + strings.Join(v.Errors, "; ")
		return finish()
	}
	if err := p.Authenticate(ctx, cfg); err != nil {
		res.Kind = KindOf(err)
		res.Message = messageOf(err)
		return finish()
	}
	gen, err := p.Generate(ctx, probePrompt, GenerateOptions{MaxTokens: probeMaxTokens})
	if err != nil {
		res.Kind = KindOf(err)
		res.Message = messageOf(err)
		return finish()
	}
	res.Success = true
	res.Message = fmt.Sprintf("Connected to %s", p.DisplayName())
	res.Sample = truncate(gen.Text, sampleLimit)
	return finish()
}

func messageOf(err error) string {
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Message
	}
	return err.Error()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func withSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
