package config

// Config is the top-level application configuration.
type Config struct {
	DefaultProvider string               `json:"default_provider"`
	FallbackChain   []string             `json:"fallback_chain,omitempty"`
	Providers       map[string]LLMConfig `json:"providers"`
	Security        SecurityConfig       `json:"security"`
	History         HistoryConfig        `json:"history"`
	Metrics         MetricsConfig        `json:"metrics"`
}

// LLMConfig configures one backend. APIKey may be the KeyringPlaceholder,
// in which case the key is read from the OS keyring at startup.
type LLMConfig struct {
	APIKey      string          `json:"api_key,omitempty"`
	BaseURL     string          `json:"base_url,omitempty"`
	APIVersion  string          `json:"api_version,omitempty"`
	Model       string          `json:"model,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TimeoutSecs int             `json:"timeout_secs,omitempty"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig sets local ceilings per window. Zero disables a dimension.
type RateLimitConfig struct {
	Requests   int `json:"requests"`
	Tokens     int `json:"tokens"`
	WindowSecs int `json:"window_secs"`
}

// KeyringPlaceholder marks an api_key stored in the OS keyring.
const KeyringPlaceholder = "[keyring]"

type SecurityConfig struct {
	PIIFiltering PIIFilterConfig `json:"pii_filtering"`
}

type PIIFilterConfig struct {
	Enabled      bool `json:"enabled"`
	FilterEmails bool `json:"filter_emails"`
	FilterPhones bool `json:"filter_phones"`
	FilterCards  bool `json:"filter_cards"`
	FilterIPs    bool `json:"filter_ips"`
	FilterSSN    bool `json:"filter_ssn"`
	FilterKeys   bool `json:"filter_keys"` // provider credentials pasted into prompts
}

// HistoryConfig controls the chat history database used by the chat command.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // defaults to history.db next to the config file
	Limit   int    `json:"limit"`          // messages replayed per turn
}

// MetricsConfig enables a Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}
