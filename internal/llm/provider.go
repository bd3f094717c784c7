package llm

import (
	"context"
	"net/http"
	"time"

	"promptrelay/internal/eventbus"
	"promptrelay/internal/metrics"
)

// Provider is the interface all LLM backends must implement.
type Provider interface {
	// Name returns the stable registry key (e.g. "openai", "anthropic").
	Name() string
	DisplayName() string
	Description() string
	Capabilities() []Capability

	IsAuthenticated() bool
	// LastError returns the most recent classified failure, or nil.
	LastError() *LLMError

	// DefaultModel returns the model used when GenerateOptions.Model is empty.
	DefaultModel() string
	// Models returns the static model identifiers the adapter knows about.
	Models() []string

	// Authenticate validates the credential, probes the backend once and
	// stores the configuration for subsequent calls.
	Authenticate(ctx context.Context, cfg ProviderConfig) error

	// ValidateConfig checks cfg without any I/O.
	ValidateConfig(cfg ProviderConfig) ValidationResult

	// Generate produces a completion. With opts.Stream set and streaming
	// supported, the result carries a Stream instead of Text.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error)

	// ListModels never fails; it falls back to the static list.
	ListModels(ctx context.Context) []ModelInfo

	ConfigSchema() []ConfigField

	// TestConnection runs validate, authenticate and one minimal generation.
	// Failures are reported in the result.
	TestConnection(ctx context.Context, cfg ProviderConfig) TestResult
}

// Deps are the collaborators handed to every constructed adapter.
type Deps struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Bus        *eventbus.Bus
	Metrics    metrics.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	return d
}

// Constructor builds an unauthenticated adapter for cfg.
type Constructor func(cfg ProviderConfig, deps Deps) (Provider, error)
