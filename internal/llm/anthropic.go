package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic requires max_tokens on every request.
const anthropicDefaultMaxTokens = 1024

var anthropicSpec = backendSpec{
	name:         "anthropic",
	display:      "Anthropic Claude",
	description:  "Anthropic Messages API",
	capabilities: []Capability{CapabilityStreaming, CapabilityChat, CapabilityLongContext, CapabilityModelList},
	defaultURL:   "https://api.anthropic.com/",
	defaultModel: "claude-sonnet-4-5-20250929",
	models: []ModelInfo{
		{ID: "claude-sonnet-4-5-20250929", Name: "Claude Sonnet 4.5", ContextWindow: 200000},
		{ID: "claude-opus-4-1-20250805", Name: "Claude Opus 4.1", ContextWindow: 200000},
		{ID: "claude-3-7-sonnet-20250219", Name: "Claude Sonnet 3.7", ContextWindow: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude Haiku 3.5", ContextWindow: 200000},
	},
	headers: HeaderSpec{
		RequestLimit:     "anthropic-ratelimit-requests-limit",
		RequestRemaining: "anthropic-ratelimit-requests-remaining",
		TokenLimit:       "anthropic-ratelimit-tokens-limit",
		TokenRemaining:   "anthropic-ratelimit-tokens-remaining",
	},
	keyPrefix: "sk-ant-",
	minKeyLen: 20,
}

// AnthropicProvider implements Provider using the Anthropic API.
type AnthropicProvider struct {
	*base

	clientMu sync.RWMutex
	client   anthropic.Client
}

// NewAnthropicProvider creates an unauthenticated Anthropic adapter.
func NewAnthropicProvider(cfg ProviderConfig, deps Deps) (*AnthropicProvider, error) {
	b, err := newBase(anthropicSpec, cfg, deps)
	if err != nil {
		return nil, err
	}
	p := &AnthropicProvider{base: b}
	p.client = p.newClient(cfg)
	return p, nil
}

func (p *AnthropicProvider) newClient(cfg ProviderConfig) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(withSlash(p.baseURL(cfg))),
		option.WithHTTPClient(p.deps.HTTPClient),
		option.WithMaxRetries(0),
	}
	if cfg.APIVersion != "" {
		opts = append(opts, option.WithHeader("anthropic-version", cfg.APIVersion))
	}
	return anthropic.NewClient(opts...)
}

func (p *AnthropicProvider) sdk() *anthropic.Client {
	p.clientMu.RLock()
	defer p.clientMu.RUnlock()
	c := p.client
	return &c
}

func (p *AnthropicProvider) Authenticate(ctx context.Context, cfg ProviderConfig) error {
	if err := p.checkCredential(cfg); err != nil {
		return err
	}
	client := p.newClient(cfg)
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	if _, err := client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		p.markUnauthenticated()
		return p.fail("authenticate", anthropicStatus(err), err)
	}
	p.clientMu.Lock()
	p.client = client
	p.clientMu.Unlock()
	p.markAuthenticated(cfg)
	return nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	c, err := p.begin(prompt, opts)
	if err != nil {
		return nil, err
	}
	params := p.buildParams(c)
	client := p.sdk()

	if opts.Stream && p.hasCapability(CapabilityStreaming) {
		var raw *http.Response
		err := client.Post(ctx, "v1/messages", params, &raw, option.WithJSONSet("stream", true))
		if err != nil {
			return nil, p.abort(c, err)
		}
		p.reconcile(raw.Header)
		return &Generation{Stream: p.wrapStream(c, NewStream(raw.Body, anthropicEnvelope)), Model: c.model}, nil
	}

	ctx, cancel := withTimeout(ctx, c.cfg)
	defer cancel()
	var httpResp *http.Response
	resp, err := client.Messages.New(ctx, params, option.WithResponseInto(&httpResp))
	if httpResp != nil {
		p.reconcile(httpResp.Header)
	}
	if err != nil {
		return nil, p.abort(c, err)
	}

	gen := &Generation{
		Model: firstNonEmpty(string(resp.Model), c.model),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			gen.Text += b.Text
		}
	}
	p.done(c, nil)
	return gen, nil
}

func (p *AnthropicProvider) abort(c *call, err error) error {
	llmErr := p.fail("generate", anthropicStatus(err), err)
	p.done(c, llmErr)
	return llmErr
}

func (p *AnthropicProvider) buildParams(c *call) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	maxTokens := c.maxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}
	if c.temperature != nil {
		params.Temperature = anthropic.Float(*c.temperature)
	}
	return params
}

func (p *AnthropicProvider) ListModels(ctx context.Context) []ModelInfo {
	if !p.IsAuthenticated() {
		return p.staticModels()
	}
	ctx, cancel := withTimeout(ctx, p.config())
	defer cancel()
	page, err := p.sdk().Models.List(ctx, anthropic.ModelListParams{})
	if err != nil || len(page.Data) == 0 {
		return p.staticModels()
	}
	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.DisplayName})
	}
	p.cacheModels(models)
	return models
}

func (p *AnthropicProvider) TestConnection(ctx context.Context, cfg ProviderConfig) TestResult {
	return testConnection(ctx, p, cfg)
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
