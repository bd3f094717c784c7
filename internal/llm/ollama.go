package llm

import (
	"context"
	"net/http"
)

var ollamaSpec = backendSpec{
	name:         "ollama",
	display:      "Ollama",
	description:  "Local models served by Ollama",
	capabilities: []Capability{CapabilityStreaming, CapabilityChat, CapabilityLocal, CapabilityModelList},
	defaultURL:   "http://localhost:11434",
	defaultModel: "llama3.2",
	models: []ModelInfo{
		{ID: "llama3.2", Name: "Llama 3.2"},
		{ID: "llama3.1", Name: "Llama 3.1"},
		{ID: "mistral", Name: "Mistral"},
		{ID: "qwen2.5", Name: "Qwen 2.5"},
	},
	keyOptional: true,
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

// OllamaProvider implements Provider over the Ollama HTTP API. A credential
// is only needed behind an authenticating proxy.
type OllamaProvider struct {
	*base
}

// NewOllamaProvider creates an unauthenticated Ollama adapter.
func NewOllamaProvider(cfg ProviderConfig, deps Deps) (*OllamaProvider, error) {
	b, err := newBase(ollamaSpec, cfg, deps)
	if err != nil {
		return nil, err
	}
	return &OllamaProvider{base: b}, nil
}

func (p *OllamaProvider) header(cfg ProviderConfig) http.Header {
	h := http.Header{}
	if cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return h
}

func (p *OllamaProvider) Authenticate(ctx context.Context, cfg ProviderConfig) error {
	if err := p.checkCredential(cfg); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	resp, err := p.doJSON(ctx, http.MethodGet, joinURL(p.baseURL(cfg), "api/tags"), p.header(cfg), nil)
	if err != nil {
		p.markUnauthenticated()
		return p.fail("authenticate", 0, err)
	}
	resp.Body.Close()
	p.markAuthenticated(cfg)
	return nil
}

func (p *OllamaProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	c, err := p.begin(prompt, opts)
	if err != nil {
		return nil, err
	}
	stream := opts.Stream && p.hasCapability(CapabilityStreaming)
	body := p.buildRequest(c, stream)
	u := joinURL(p.baseURL(c.cfg), "api/chat")

	if stream {
		resp, err := p.doJSON(ctx, http.MethodPost, u, p.header(c.cfg), body)
		if err != nil {
			return nil, p.abort(c, err)
		}
		return &Generation{Stream: p.wrapStream(c, NewStream(resp.Body, ollamaEnvelope)), Model: c.model}, nil
	}

	ctx, cancel := withTimeout(ctx, c.cfg)
	defer cancel()
	resp, err := p.doJSON(ctx, http.MethodPost, u, p.header(c.cfg), body)
	if err != nil {
		return nil, p.abort(c, err)
	}
	doc, err := readJSON(resp)
	if err != nil {
		return nil, p.abort(c, err)
	}
	if msg := doc.Get("error"); msg.Exists() {
		return nil, p.abort(c, &BackendError{Message: msg.String()})
	}
	gen := &Generation{
		Text:  doc.Get("message.content").String(),
		Model: firstNonEmpty(doc.Get("model").String(), c.model),
		Usage: Usage{
			InputTokens:  int(doc.Get("prompt_eval_count").Int()),
			OutputTokens: int(doc.Get("eval_count").Int()),
		},
	}
	p.done(c, nil)
	return gen, nil
}

func (p *OllamaProvider) abort(c *call, err error) error {
	llmErr := p.fail("generate", 0, err)
	p.done(c, llmErr)
	return llmErr
}

func (p *OllamaProvider) buildRequest(c *call, stream bool) ollamaChatRequest {
	msgs := make([]Message, 0, len(c.messages)+1)
	if c.system != "" {
		msgs = append(msgs, Message{Role: "system", Content: c.system})
	}
	msgs = append(msgs, c.messages...)
	req := ollamaChatRequest{Model: c.model, Messages: msgs, Stream: stream}
	if c.maxTokens > 0 || c.temperature != nil {
		req.Options = &ollamaOptions{Temperature: c.temperature, NumPredict: c.maxTokens}
	}
	return req
}

func (p *OllamaProvider) ListModels(ctx context.Context) []ModelInfo {
	if !p.IsAuthenticated() {
		return p.staticModels()
	}
	cfg := p.config()
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	resp, err := p.doJSON(ctx, http.MethodGet, joinURL(p.baseURL(cfg), "api/tags"), p.header(cfg), nil)
	if err != nil {
		return p.staticModels()
	}
	doc, err := readJSON(resp)
	if err != nil {
		return p.staticModels()
	}
	var models []ModelInfo
	for _, m := range doc.Get("models").Array() {
		name := m.Get("name").String()
		models = append(models, ModelInfo{ID: name, Name: name})
	}
	if len(models) == 0 {
		return p.staticModels()
	}
	p.cacheModels(models)
	return models
}

func (p *OllamaProvider) TestConnection(ctx context.Context, cfg ProviderConfig) TestResult {
	return testConnection(ctx, p, cfg)
}
