package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var openAISpec = backendSpec{
	name:         "openai",
	display:      "OpenAI",
	description:  "OpenAI chat completions API",
	capabilities: []Capability{CapabilityStreaming, CapabilityChat, CapabilityLongContext, CapabilityModelList},
	defaultURL:   "https://api.openai.com/v1/",
	defaultModel: "gpt-4o-mini",
	models: []ModelInfo{
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000},
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000},
		{ID: "gpt-4.1", Name: "GPT-4.1", ContextWindow: 1047576},
		{ID: "gpt-4.1-mini", Name: "GPT-4.1 mini", ContextWindow: 1047576},
		{ID: "o3-mini", Name: "o3-mini", ContextWindow: 200000},
	},
	headers: HeaderSpec{
		RequestLimit:     "x-ratelimit-limit-requests",
		RequestRemaining: "x-ratelimit-remaining-requests",
		TokenLimit:       "x-ratelimit-limit-tokens",
		TokenRemaining:   "x-ratelimit-remaining-tokens",
	},
	keyPrefix: "sk-",
	minKeyLen: 20,
}

// OpenRouter speaks the OpenAI wire format. Its credential usually comes
// from a delegated login and it publishes no quota headers.
var openRouterSpec = backendSpec{
	name:         "openrouter",
	display:      "OpenRouter",
	description:  "OpenRouter multi-vendor gateway (OpenAI compatible)",
	capabilities: []Capability{CapabilityStreaming, CapabilityChat, CapabilityLongContext, CapabilityModelList},
	defaultURL:   "https://openrouter.ai/api/v1/",
	defaultModel: "openai/gpt-4o-mini",
	models: []ModelInfo{
		{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000},
		{ID: "anthropic/claude-3.5-sonnet", Name: "Claude 3.5 Sonnet", ContextWindow: 200000},
		{ID: "google/gemini-2.0-flash-001", Name: "Gemini 2.0 Flash", ContextWindow: 1048576},
		{ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B Instruct", ContextWindow: 131072},
	},
	keyPrefix: "sk-or-",
	minKeyLen: 20,
}

// OpenAIProvider implements Provider using the OpenAI API.
// Also serves OpenAI-compatible gateways via BaseURL.
type OpenAIProvider struct {
	*base

	clientMu sync.RWMutex
	client   openai.Client
}

// NewOpenAIProvider creates an unauthenticated OpenAI adapter.
func NewOpenAIProvider(cfg ProviderConfig, deps Deps) (*OpenAIProvider, error) {
	return newOpenAICompatible(openAISpec, cfg, deps)
}

// NewOpenRouterProvider creates an unauthenticated OpenRouter adapter.
func NewOpenRouterProvider(cfg ProviderConfig, deps Deps) (*OpenAIProvider, error) {
	return newOpenAICompatible(openRouterSpec, cfg, deps)
}

func newOpenAICompatible(spec backendSpec, cfg ProviderConfig, deps Deps) (*OpenAIProvider, error) {
	b, err := newBase(spec, cfg, deps)
	if err != nil {
		return nil, err
	}
	p := &OpenAIProvider{base: b}
	p.client = p.newClient(cfg)
	return p, nil
}

func (p *OpenAIProvider) newClient(cfg ProviderConfig) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(withSlash(p.baseURL(cfg))),
		option.WithHTTPClient(p.deps.HTTPClient),
		option.WithMaxRetries(0),
	}
	if p.spec.name == openRouterSpec.name {
		opts = append(opts, option.WithHeader("X-Title", "promptrelay"))
	}
	return openai.NewClient(opts...)
}

func (p *OpenAIProvider) sdk() *openai.Client {
	p.clientMu.RLock()
	defer p.clientMu.RUnlock()
	c := p.client
	return &c
}

// Authenticate probes the models endpoint with the new credential.
func (p *OpenAIProvider) Authenticate(ctx context.Context, cfg ProviderConfig) error {
	if err := p.checkCredential(cfg); err != nil {
		return err
	}
	client := p.newClient(cfg)
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	if err := p.probe(ctx, &client); err != nil {
		p.markUnauthenticated()
		return p.fail("authenticate", openAIStatus(err), err)
	}
	p.clientMu.Lock()
	p.client = client
	p.clientMu.Unlock()
	p.markAuthenticated(cfg)
	return nil
}

// probe makes one cheap authenticated call. OpenRouter serves its model
// list without a credential, so the key endpoint is used instead.
func (p *OpenAIProvider) probe(ctx context.Context, client *openai.Client) error {
	if p.spec.name == openRouterSpec.name {
		var info map[string]any
		return client.Get(ctx, "key", nil, &info)
	}
	_, err := client.Models.List(ctx)
	return err
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	c, err := p.begin(prompt, opts)
	if err != nil {
		return nil, err
	}
	params := p.buildParams(c)
	client := p.sdk()

	if opts.Stream && p.hasCapability(CapabilityStreaming) {
		var raw *http.Response
		err := client.Post(ctx, "chat/completions", params, &raw, option.WithJSONSet("stream", true))
		if err != nil {
			return nil, p.abort(c, err)
		}
		p.reconcile(raw.Header)
		return &Generation{Stream: p.wrapStream(c, NewStream(raw.Body, openAIEnvelope)), Model: c.model}, nil
	}

	ctx, cancel := withTimeout(ctx, c.cfg)
	defer cancel()
	var httpResp *http.Response
	resp, err := client.Chat.Completions.New(ctx, params, option.WithResponseInto(&httpResp))
	if httpResp != nil {
		p.reconcile(httpResp.Header)
	}
	if err != nil {
		return nil, p.abort(c, err)
	}

	gen := &Generation{
		Model: firstNonEmpty(resp.Model, c.model),
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		gen.Text = resp.Choices[0].Message.Content
	}
	p.done(c, nil)
	return gen, nil
}

// abort classifies a failed call and records its outcome.
func (p *OpenAIProvider) abort(c *call, err error) error {
	llmErr := p.fail("generate", openAIStatus(err), err)
	p.done(c, llmErr)
	return llmErr
}

func (p *OpenAIProvider) buildParams(c *call) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if c.system != "" {
		msgs = append(msgs, openai.SystemMessage(c.system))
	}
	for _, m := range c.messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: msgs,
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	if c.temperature != nil {
		params.Temperature = openai.Float(*c.temperature)
	}
	return params
}

func (p *OpenAIProvider) ListModels(ctx context.Context) []ModelInfo {
	if !p.IsAuthenticated() {
		return p.staticModels()
	}
	ctx, cancel := withTimeout(ctx, p.config())
	defer cancel()
	page, err := p.sdk().Models.List(ctx)
	if err != nil || len(page.Data) == 0 {
		return p.staticModels()
	}
	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
	}
	p.cacheModels(models)
	return models
}

func (p *OpenAIProvider) TestConnection(ctx context.Context, cfg ProviderConfig) TestResult {
	return testConnection(ctx, p, cfg)
}

func openAIStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
