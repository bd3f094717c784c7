package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zalando/go-keyring"

	"promptrelay/internal/config"
	"promptrelay/internal/security"
)

type chatPayload struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// fakeOllama answers /api/tags and /api/chat. reply builds the answer from
// the last message; chunks, when set, are streamed as NDJSON lines instead.
type fakeOllama struct {
	mu       sync.Mutex
	requests []chatPayload
	reply    func(last string) string
	chunks   []string
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/tags":
		fmt.Fprint(w, `{"models":[{"name":"llama3.2"},{"name":"qwen2.5"}]}`)
	case "/api/chat":
		var req chatPayload
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		if req.Stream {
			for _, c := range f.chunks {
				line, _ := json.Marshal(map[string]any{"message": map[string]string{"content": c}, "done": false})
				w.Write(append(line, '\n'))
			}
			fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
			return
		}
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		out, _ := json.Marshal(map[string]any{
			"model":   "llama3.2",
			"message": map[string]string{"role": "assistant", "content": f.reply(last)},
			"done":    true,
		})
		w.Write(out)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeOllama) last() chatPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newIPv4Server(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: unable to listen on ipv4 loopback (%v)", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T, ollamaURL string, extra map[string]any) *app {
	t.Helper()
	keyring.MockInit()
	t.Setenv(EnvMasterPassword, "")

	doc := map[string]any{
		"default_provider": "ollama",
		"providers": map[string]any{
			"ollama": map[string]any{"base_url": ollamaURL, "model": "llama3.2"},
		},
	}
	for k, v := range extra {
		doc[k] = v
	}
	a, err := newApp(appOptions{configPath: writeConfig(t, doc)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func TestGenerateSanitizesAndRestores(t *testing.T) {
	fake := &fakeOllama{reply: func(last string) string { return "I will write to " + last[strings.Index(last, "["):] }}
	srv := newIPv4Server(t, fake)
	a := newTestApp(t, srv.URL, nil)

	var out bytes.Buffer
	err := runGenerate(context.Background(), a, generateRequest{fallback: true}, "mail bob@corp.io", &out)
	if err != nil {
		t.Fatal(err)
	}

	sent := fake.last().Messages
	if len(sent) != 1 || strings.Contains(sent[0].Content, "bob@corp.io") {
		t.Fatalf("expected sanitized prompt upstream, got %+v", sent)
	}
	if got := out.String(); got != "I will write to bob@corp.io\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestGenerateStreamRestoresSplitPlaceholder(t *testing.T) {
	fake := &fakeOllama{chunks: []string{"Hi [EMA", "IL_1], done"}}
	srv := newIPv4Server(t, fake)
	a := newTestApp(t, srv.URL, nil)

	var out bytes.Buffer
	req := generateRequest{stream: true, system: "be brief"}
	if err := runGenerate(context.Background(), a, req, "hello ann@x.org", &out); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "Hi ann@x.org, done\n" {
		t.Fatalf("unexpected output %q", got)
	}
	sent := fake.last()
	if !sent.Stream || len(sent.Messages) != 2 || sent.Messages[0].Role != "system" {
		t.Fatalf("unexpected request %+v", sent)
	}
}

func TestGenerateFallsBackFromUnconfiguredProvider(t *testing.T) {
	fake := &fakeOllama{reply: func(string) string { return "local answer" }}
	srv := newIPv4Server(t, fake)
	a := newTestApp(t, srv.URL, map[string]any{
		"default_provider": "openai",
		"fallback_chain":   []string{"ollama"},
	})

	var out bytes.Buffer
	if err := runGenerate(context.Background(), a, generateRequest{fallback: true}, "hi", &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "local answer\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	err := runGenerate(context.Background(), a, generateRequest{provider: "openai"}, "hi", &out)
	if err == nil {
		t.Fatal("expected failure without fallback")
	}
}

func TestChatReplaysHistory(t *testing.T) {
	fake := &fakeOllama{reply: func(last string) string { return "echo: " + last }}
	srv := newIPv4Server(t, fake)
	a := newTestApp(t, srv.URL, map[string]any{
		"history": map[string]any{"enabled": true, "path": filepath.Join(t.TempDir(), "h.db"), "limit": 10},
	})

	in := strings.NewReader("first\n\nsecond\n/exit\nnever sent\n")
	var out bytes.Buffer
	if err := runChat(context.Background(), a, chatRequest{}, in, &out); err != nil {
		t.Fatal(err)
	}

	if len(fake.requests) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(fake.requests))
	}
	msgs := fake.last().Messages
	if len(msgs) != 3 {
		t.Fatalf("expected replayed history of 3, got %+v", msgs)
	}
	if msgs[0].Content != "first" || msgs[1].Role != "assistant" || msgs[1].Content != "echo: first" || msgs[2].Content != "second" {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if !strings.Contains(out.String(), "echo: second") {
		t.Fatalf("missing reply in output %q", out.String())
	}

	mem, _ := a.history()
	sessions, err := mem.Sessions(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Messages != 4 || sessions[0].Provider != "ollama" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestModelsListsLiveModels(t *testing.T) {
	srv := newIPv4Server(t, &fakeOllama{})
	a := newTestApp(t, srv.URL, nil)

	var out bytes.Buffer
	if err := runModels(context.Background(), a, "", &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "llama3.2 *") || !strings.Contains(out.String(), "qwen2.5") {
		t.Fatalf("unexpected models output:\n%s", out.String())
	}
}

func TestTestCommand(t *testing.T) {
	fake := &fakeOllama{reply: func(string) string { return "pong" }}
	srv := newIPv4Server(t, fake)
	a := newTestApp(t, srv.URL, nil)

	var out bytes.Buffer
	if err := runTest(context.Background(), a, "ollama", &out); err != nil {
		t.Fatalf("expected ollama to pass: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "pong") {
		t.Fatalf("expected sample in output:\n%s", out.String())
	}

	out.Reset()
	err := runTest(context.Background(), a, "", &out)
	if err == nil {
		t.Fatal("expected unconfigured cloud providers to fail")
	}
	if !strings.Contains(out.String(), "FAIL") || !strings.Contains(out.String(), "ollama") {
		t.Fatalf("unexpected report:\n%s", out.String())
	}
}

func TestProvidersListing(t *testing.T) {
	srv := newIPv4Server(t, &fakeOllama{})
	a := newTestApp(t, srv.URL, map[string]any{"fallback_chain": []string{"anthropic"}})

	var out bytes.Buffer
	if err := runProviders(a, &out); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"openrouter", "gemini", "default", "fallback #1", "not configured"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in:\n%s", want, text)
		}
	}
}

func TestSecretMigration(t *testing.T) {
	keyring.MockInit()
	t.Setenv(EnvMasterPassword, "")
	path := writeConfig(t, map[string]any{
		"providers": map[string]any{
			"openai": map[string]any{"api_key": "sk-plaintext-0123456789abcdef"},
		},
	})

	a, err := newApp(appOptions{configPath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer a.close(context.Background())

	if a.cfg.Providers["openai"].APIKey != "sk-plaintext-0123456789abcdef" {
		t.Fatal("expected in-memory config to keep the real key")
	}
	onDisk, err := config.NewLoaderAt(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.Providers["openai"].APIKey != config.KeyringPlaceholder {
		t.Fatalf("expected placeholder on disk, got %q", onDisk.Providers["openai"].APIKey)
	}
	stored, err := keyring.Get("promptrelay", security.ProviderKeyName("openai"))
	if err != nil || stored != "sk-plaintext-0123456789abcdef" {
		t.Fatalf("expected key in keyring, got %q (%v)", stored, err)
	}

	// A second start resolves the placeholder from the keyring.
	again, err := newApp(appOptions{configPath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer again.close(context.Background())
	if again.cfg.Providers["openai"].APIKey != "sk-plaintext-0123456789abcdef" {
		t.Fatal("expected key resolved from keyring")
	}

	if err := again.deleteKey("openai"); err != nil {
		t.Fatal(err)
	}
	if _, err := keyring.Get("promptrelay", security.ProviderKeyName("openai")); err == nil {
		t.Fatal("expected key removed from keyring")
	}
}

func TestSetKeyRejectsUnknownProvider(t *testing.T) {
	srv := newIPv4Server(t, &fakeOllama{})
	a := newTestApp(t, srv.URL, nil)
	if err := a.setKey("nope", "sk-whatever-0123456789"); err == nil {
		t.Fatal("expected unknown provider to be rejected")
	}
}

func TestProviderConfigConversion(t *testing.T) {
	temp := 0.5
	pc := providerConfig(config.LLMConfig{
		APIKey:      "k",
		Model:       "m",
		MaxTokens:   10,
		Temperature: &temp,
		TimeoutSecs: 30,
		RateLimit:   config.RateLimitConfig{Requests: 5, Tokens: 100, WindowSecs: 60},
	})
	if pc.Timeout != 30*time.Second || pc.RateLimit.Window != time.Minute {
		t.Fatalf("unexpected durations %+v", pc)
	}
	if pc.RateLimit.Requests != 5 || pc.RateLimit.Tokens != 100 || *pc.Temperature != 0.5 {
		t.Fatalf("unexpected conversion %+v", pc)
	}
}

func TestRestoringWriter(t *testing.T) {
	s := security.NewSanitizer(config.PIIFilterConfig{Enabled: true, FilterEmails: true})
	s.Sanitize("a@b.io")

	var out bytes.Buffer
	w := newRestoringWriter(&out, s)
	for _, frag := range []string{"to ", "[", "EMAIL", "_1", "] and [unclosed"} {
		if err := w.WriteString(frag); err != nil {
			t.Fatal(err)
		}
	}
	if out.String() != "to a@b.io and " {
		t.Fatalf("unexpected partial output %q", out.String())
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if w.Text() != "to a@b.io and [unclosed" {
		t.Fatalf("unexpected text %q", w.Text())
	}
}

func TestOneLineTruncatesByRune(t *testing.T) {
	got := oneLine("first\n" + strings.Repeat("é", 100))
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, got %q", got)
	}
	if strings.Contains(got, "\n") {
		t.Fatalf("expected newlines replaced, got %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Fatalf("expected 80 runes, got %d", n)
	}
	want := "first " + strings.Repeat("é", 71) + "..."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if short := oneLine("ok"); short != "ok" {
		t.Fatalf("expected short text unchanged, got %q", short)
	}
}
