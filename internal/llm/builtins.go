package llm

import "fmt"

type builtin struct {
	name     string
	category string
	ctor     Constructor
}

var builtins = []builtin{
	{"openai", "cloud", adapt(NewOpenAIProvider)},
	{"openrouter", "gateway", adapt(NewOpenRouterProvider)},
	{"anthropic", "cloud", adapt(NewAnthropicProvider)},
	{"gemini", "cloud", adapt(NewGeminiProvider)},
	{"ollama", "local", adapt(NewOllamaProvider)},
}

// adapt turns a concrete constructor into a Constructor without leaking a
// typed nil on failure.
func adapt[P Provider](newFn func(ProviderConfig, Deps) (P, error)) Constructor {
	return func(cfg ProviderConfig, deps Deps) (Provider, error) {
		p, err := newFn(cfg, deps)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// BuiltinNames lists the backends RegisterBuiltins installs.
func BuiltinNames() []string {
	names := make([]string, len(builtins))
	for i, b := range builtins {
		names[i] = b.name
	}
	return names
}

// RegisterBuiltins registers every bundled backend on r.
func RegisterBuiltins(r *Registry) error {
	for _, b := range builtins {
		if err := r.Register(b.name, b.ctor, Metadata{Category: b.category}); err != nil {
			return fmt.Errorf("register builtins: %w", err)
		}
	}
	return nil
}
