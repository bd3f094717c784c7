package config

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		DefaultProvider: "openai",
		Providers: map[string]LLMConfig{
			"openai": {
				APIKey:      KeyringPlaceholder,
				Model:       "gpt-4o-mini",
				MaxTokens:   1024,
				TimeoutSecs: 120,
			},
			"anthropic": {
				APIKey:      KeyringPlaceholder,
				Model:       "claude-sonnet-4-5-20250929",
				MaxTokens:   1024,
				TimeoutSecs: 120,
			},
			"ollama": {
				BaseURL:     "http://localhost:11434",
				Model:       "llama3.2",
				TimeoutSecs: 300,
			},
		},
		Security: SecurityConfig{
			PIIFiltering: PIIFilterConfig{
				Enabled:      true,
				FilterEmails: true,
				FilterPhones: true,
				FilterCards:  true,
				FilterIPs:    false,
				FilterSSN:    true,
				FilterKeys:   true,
			},
		},
		History: HistoryConfig{
			Enabled: true,
			Limit:   20,
		},
	}
}
