package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

const testAnthropicKey = "sk-ant-REDACTED"

type anthropicFake struct {
	version  string
	lastBody map[string]any
}

func (f *anthropicFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("x-api-key") != testAnthropicKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
		return
	}
	f.version = r.Header.Get("anthropic-version")
	switch {
	case strings.HasSuffix(r.URL.Path, "/v1/models"):
		_, _ = w.Write([]byte(`{"data":[{"id":"claude-test","display_name":"Claude Test","type":"model","created_at":"2025-01-01T00:00:00Z"}],"has_more":false,"first_id":"claude-test","last_id":"claude-test"}`))
	case strings.HasSuffix(r.URL.Path, "/v1/messages"):
		body, _ := io.ReadAll(r.Body)
		f.lastBody = map[string]any{}
		_ = json.Unmarshal(body, &f.lastBody)
		w.Header().Set("anthropic-ratelimit-requests-limit", "50")
		w.Header().Set("anthropic-ratelimit-requests-remaining", "45")
		if stream, _ := f.lastBody["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"m1\"}}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n" +
				"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n" +
				"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
			return
		}
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[{"type":"text","text":"Hello from Claude"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":6,"output_tokens":4}}`))
	default:
		http.NotFound(w, r)
	}
}

func newAuthedAnthropic(t *testing.T, fake *anthropicFake, cfg ProviderConfig) *AnthropicProvider {
	t.Helper()
	srv := newIPv4Server(t, fake)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = testAnthropicKey
	}
	p, err := NewAnthropicProvider(cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Authenticate(context.Background(), cfg); err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	return p
}

func TestAnthropicGenerate(t *testing.T) {
	fake := &anthropicFake{}
	p := newAuthedAnthropic(t, fake, ProviderConfig{APIVersion: "2023-06-01"})

	gen, err := p.Generate(context.Background(), "", GenerateOptions{Messages: []Message{
		{Role: "system", Content: "You are terse."},
		{Role: "user", Content: "hi"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if gen.Text != "Hello from Claude" || gen.Usage.OutputTokens != 4 {
		t.Fatalf("unexpected generation: %+v", gen)
	}
	if fake.version != "2023-06-01" {
		t.Fatalf("expected version header, got %q", fake.version)
	}
	if fake.lastBody["max_tokens"] != float64(anthropicDefaultMaxTokens) {
		t.Fatalf("expected default max_tokens, got %v", fake.lastBody["max_tokens"])
	}
	if _, ok := fake.lastBody["system"]; !ok {
		t.Fatalf("expected system prompt in body: %v", fake.lastBody)
	}
	if s := p.RateLimit(); s.RequestCeiling != 50 || s.Requests != 5 {
		t.Fatalf("expected reconciled limiter, got %+v", s)
	}
}

func TestAnthropicGenerateStream(t *testing.T) {
	p := newAuthedAnthropic(t, &anthropicFake{}, ProviderConfig{})

	gen, err := p.Generate(context.Background(), "greet", GenerateOptions{Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	text, err := gen.Stream.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "Bonjour" {
		t.Fatalf("expected Bonjour, got %q", text)
	}
}

func TestAnthropicBadKey(t *testing.T) {
	srv := newIPv4Server(t, &anthropicFake{})
	defer srv.Close()

	cfg := ProviderConfig{APIKey: "sk-ant-REDACTED", BaseURL: srv.URL}
	p, err := NewAnthropicProvider(cfg, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Authenticate(context.Background(), cfg); KindOf(err) != KindInvalidCredential {
		t.Fatalf("expected invalid_credential, got %v", err)
	}
}

func TestAnthropicTestConnection(t *testing.T) {
	fake := &anthropicFake{}
	srv := newIPv4Server(t, fake)
	defer srv.Close()

	p, _ := NewAnthropicProvider(ProviderConfig{}, Deps{})
	res := p.TestConnection(context.Background(), ProviderConfig{APIKey: testAnthropicKey, BaseURL: srv.URL})
	if !res.Success || res.Sample != "Hello from Claude" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fake.lastBody["max_tokens"] != float64(probeMaxTokens) {
		t.Fatalf("probe should request a tiny completion, got %v", fake.lastBody["max_tokens"])
	}

	res = p.TestConnection(context.Background(), ProviderConfig{})
	if res.Success || !strings.Contains(res.Message, "api_key is required") {
		t.Fatalf("expected validation failure, got %+v", res)
	}
}

func TestAnthropicListModelsUnauthenticated(t *testing.T) {
	p, _ := NewAnthropicProvider(ProviderConfig{}, Deps{})
	models := p.ListModels(context.Background())
	if len(models) != len(anthropicSpec.models) {
		t.Fatalf("expected static models, got %+v", models)
	}
	if len(p.Models()) != len(models) || p.DefaultModel() != anthropicSpec.defaultModel {
		t.Fatal("static accessors disagree with ListModels")
	}
}
