package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// GenerateOptions tunes a single Generate call. Zero values fall back to the
// provider's configuration.
type GenerateOptions struct {
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
	Messages    []Message `json:"messages,omitempty"` // replaces the bare prompt when set
}

// Generation is the result of Generate. Exactly one of Text or Stream is set.
type Generation struct {
	Text   string
	Stream *Stream
	Model  string
	Usage  Usage
}

// Usage tracks token consumption when the backend reports it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Capability tags a feature an adapter supports.
type Capability string

const (
	CapabilityStreaming   Capability = "streaming"
	CapabilityLongContext Capability = "long-context"
	CapabilityChat        Capability = "chat"
	CapabilityLocal       Capability = "local"
	CapabilityModelList   Capability = "model-listing"
)

// ModelInfo describes one model a backend serves.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// RateLimitConfig sets the local ceilings. A zero ceiling disables that dimension.
type RateLimitConfig struct {
	Requests int           `json:"requests,omitempty"`
	Tokens   int           `json:"tokens,omitempty"`
	Window   time.Duration `json:"window,omitempty"`
}

// ProviderConfig is the backend configuration a caller supplies. It is never
// persisted by this package and the APIKey is never logged.
type ProviderConfig struct {
	APIKey      string          `json:"api_key,omitempty"`
	BaseURL     string          `json:"base_url,omitempty"`
	APIVersion  string          `json:"api_version,omitempty"`
	Model       string          `json:"model,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
}

// Fingerprint identifies a configuration for instance caching. Two configs
// with the same field values share a fingerprint.
func (c ProviderConfig) Fingerprint() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ConfigSet maps provider names to their configuration.
type ConfigSet map[string]ProviderConfig

// ValidationResult is the outcome of ValidateConfig.
type ValidationResult struct {
	Valid    bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ConfigField describes one configuration input for a settings UI.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, boolean, duration
	Required    bool   `json:"required"`
	Sensitive   bool   `json:"sensitive"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// TestResult summarizes TestConnection.
type TestResult struct {
	Provider string        `json:"provider"`
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Sample   string        `json:"sample,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Latency  time.Duration `json:"latency"`
}

func float(v float64) *float64 { return &v }
