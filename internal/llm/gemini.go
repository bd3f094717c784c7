package llm

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

var geminiSpec = backendSpec{
	name:         "gemini",
	display:      "Google Gemini",
	description:  "Google Generative Language API",
	capabilities: []Capability{CapabilityStreaming, CapabilityChat, CapabilityLongContext, CapabilityModelList},
	defaultURL:   "https://generativelanguage.googleapis.com/v1beta",
	defaultModel: "gemini-2.0-flash",
	models: []ModelInfo{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1048576},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextWindow: 1048576},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextWindow: 1048576},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextWindow: 2097152},
	},
	keyPrefix: "AIza",
	minKeyLen: 30,
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiProvider implements Provider over the Gemini REST API.
type GeminiProvider struct {
	*base
}

// NewGeminiProvider creates an unauthenticated Gemini adapter.
func NewGeminiProvider(cfg ProviderConfig, deps Deps) (*GeminiProvider, error) {
	b, err := newBase(geminiSpec, cfg, deps)
	if err != nil {
		return nil, err
	}
	return &GeminiProvider{base: b}, nil
}

func (p *GeminiProvider) header(cfg ProviderConfig) http.Header {
	h := http.Header{}
	h.Set("x-goog-api-key", cfg.APIKey)
	return h
}

func (p *GeminiProvider) Authenticate(ctx context.Context, cfg ProviderConfig) error {
	if err := p.checkCredential(cfg); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	resp, err := p.doJSON(ctx, http.MethodGet, joinURL(p.baseURL(cfg), "models?pageSize=1"), p.header(cfg), nil)
	if err != nil {
		p.markUnauthenticated()
		return p.fail("authenticate", 0, err)
	}
	resp.Body.Close()
	p.markAuthenticated(cfg)
	return nil
}

func (p *GeminiProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	c, err := p.begin(prompt, opts)
	if err != nil {
		return nil, err
	}
	body := p.buildRequest(c)
	model := url.PathEscape(strings.TrimPrefix(c.model, "models/"))

	if opts.Stream && p.hasCapability(CapabilityStreaming) {
		u := joinURL(p.baseURL(c.cfg), "models/"+model+":streamGenerateContent?alt=sse")
		resp, err := p.doJSON(ctx, http.MethodPost, u, p.header(c.cfg), body)
		if err != nil {
			return nil, p.abort(c, err)
		}
		return &Generation{Stream: p.wrapStream(c, NewStream(resp.Body, geminiEnvelope)), Model: c.model}, nil
	}

	ctx, cancel := withTimeout(ctx, c.cfg)
	defer cancel()
	u := joinURL(p.baseURL(c.cfg), "models/"+model+":generateContent")
	resp, err := p.doJSON(ctx, http.MethodPost, u, p.header(c.cfg), body)
	if err != nil {
		return nil, p.abort(c, err)
	}
	doc, err := readJSON(resp)
	if err != nil {
		return nil, p.abort(c, err)
	}
	if msg := doc.Get("error.message"); msg.Exists() {
		return nil, p.abort(c, &BackendError{Type: doc.Get("error.status").String(), Message: msg.String()})
	}

	var text strings.Builder
	for _, part := range doc.Get("candidates.0.content.parts").Array() {
		text.WriteString(part.Get("text").String())
	}
	gen := &Generation{
		Text:  text.String(),
		Model: firstNonEmpty(doc.Get("modelVersion").String(), c.model),
		Usage: Usage{
			InputTokens:  int(doc.Get("usageMetadata.promptTokenCount").Int()),
			OutputTokens: int(doc.Get("usageMetadata.candidatesTokenCount").Int()),
		},
	}
	p.done(c, nil)
	return gen, nil
}

func (p *GeminiProvider) abort(c *call, err error) error {
	llmErr := p.fail("generate", 0, err)
	p.done(c, llmErr)
	return llmErr
}

func (p *GeminiProvider) buildRequest(c *call) geminiRequest {
	req := geminiRequest{Contents: make([]geminiContent, 0, len(c.messages))}
	for _, m := range c.messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if c.system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: c.system}}}
	}
	if c.maxTokens > 0 || c.temperature != nil {
		req.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: c.maxTokens, Temperature: c.temperature}
	}
	return req
}

func (p *GeminiProvider) ListModels(ctx context.Context) []ModelInfo {
	if !p.IsAuthenticated() {
		return p.staticModels()
	}
	cfg := p.config()
	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	resp, err := p.doJSON(ctx, http.MethodGet, joinURL(p.baseURL(cfg), "models"), p.header(cfg), nil)
	if err != nil {
		return p.staticModels()
	}
	doc, err := readJSON(resp)
	if err != nil {
		return p.staticModels()
	}
	var models []ModelInfo
	for _, m := range doc.Get("models").Array() {
		if !supportsGenerate(m.Get("supportedGenerationMethods").Array()) {
			continue
		}
		models = append(models, ModelInfo{
			ID:            strings.TrimPrefix(m.Get("name").String(), "models/"),
			Name:          m.Get("displayName").String(),
			ContextWindow: int(m.Get("inputTokenLimit").Int()),
		})
	}
	if len(models) == 0 {
		return p.staticModels()
	}
	p.cacheModels(models)
	return models
}

func supportsGenerate(methods []gjson.Result) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m.String() == "generateContent" {
			return true
		}
	}
	return false
}

func (p *GeminiProvider) TestConnection(ctx context.Context, cfg ProviderConfig) TestResult {
	return testConnection(ctx, p, cfg)
}
