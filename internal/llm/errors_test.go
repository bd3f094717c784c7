package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestClassifyStatusWins(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindInvalidCredential},
		{403, KindInvalidCredential},
		{429, KindRateLimitExceeded},
		{402, KindQuotaExceeded},
		{408, KindTimeout},
		{504, KindTimeout},
		{500, KindServer},
		{503, KindServer},
		{400, KindInvalidRequest},
		{404, KindInvalidRequest},
	}
	for _, tt := range tests {
		// The message points elsewhere; the status must decide.
		got := Classify(tt.status, errors.New("invalid api key quota network"))
		if got != tt.want {
			t.Fatalf("status %d: expected %s, got %s", tt.status, tt.want, got)
		}
	}
}

func TestClassify429IgnoresMessage(t *testing.T) {
	for _, msg := range []string{"", "unauthorized", "billing problem", "connection reset"} {
		if got := Classify(429, errors.New(msg)); got != KindRateLimitExceeded {
			t.Fatalf("message %q: expected rate_limit_exceeded, got %s", msg, got)
		}
	}
}

func TestClassifyByMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"INVALID API KEY provided", KindInvalidCredential},
		{"Invalid Api Key", KindInvalidCredential},
		{"401 Unauthorized", KindInvalidCredential},
		{"Rate limit reached for requests", KindRateLimitExceeded},
		{"Too Many Requests", KindRateLimitExceeded},
		{"You exceeded your current quota", KindQuotaExceeded},
		{"billing hard limit reached", KindQuotaExceeded},
		{"request timed out", KindTimeout},
		{"i/o timeout", KindTimeout},
		{"network is unreachable", KindNetwork},
		{"connection refused", KindNetwork},
		{"something odd", KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify(0, errors.New(tt.msg)); got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.msg, tt.want, got)
		}
	}
}

func TestClassifyMessageEOFNeedsContext(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"the details thereof are unavailable", KindUnknown},
		{"geoffrey's prompt was rejected", KindUnknown},
		{"unexpected EOF", KindNetwork},
		{"read tcp 127.0.0.1:5000: EOF", KindNetwork},
	}
	for _, tt := range tests {
		if got := Classify(0, errors.New(tt.msg)); got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.msg, tt.want, got)
		}
	}
}

func TestClassifyErrorTypes(t *testing.T) {
	if got := Classify(0, fmt.Errorf("call: %w", context.DeadlineExceeded)); got != KindTimeout {
		t.Fatalf("deadline: expected timeout, got %s", got)
	}
	if got := Classify(0, &BackendError{Type: "overloaded_error", Message: "Overloaded"}); got != KindServer {
		t.Fatalf("backend error: expected server_error, got %s", got)
	}
	opErr := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset by peer")}
	if got := Classify(0, opErr); got != KindNetwork {
		t.Fatalf("net error: expected network_error, got %s", got)
	}
	if got := Classify(0, nil); got != KindUnknown {
		t.Fatalf("nil: expected unknown, got %s", got)
	}
}

func TestClassifyUsesUpstreamStatus(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &upstreamError{status: 401, msg: "nope"})
	if StatusOf(err) != 401 {
		t.Fatalf("expected status 401, got %d", StatusOf(err))
	}
	llmErr := NewError("gemini", "Google Gemini", "generate", 0, err)
	if llmErr.Kind != KindInvalidCredential || llmErr.Status != 401 {
		t.Fatalf("unexpected error record: %+v", llmErr)
	}
}

func TestFormatMessage401(t *testing.T) {
	kind := Classify(401, nil)
	got := FormatMessage(kind, "Alpha Service")
	want := "Authentication failed for Alpha Service. Please check your credential."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestFormatMessageBranded(t *testing.T) {
	kinds := []ErrorKind{
		KindInvalidCredential, KindRateLimitExceeded, KindQuotaExceeded, KindTimeout,
		KindNetwork, KindServer, KindInvalidRequest, KindUnknown,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		msg := FormatMessage(k, "Acme")
		if !strings.Contains(msg, "Acme") {
			t.Fatalf("%s: message not branded: %q", k, msg)
		}
		if seen[msg] {
			t.Fatalf("%s: duplicate message %q", k, msg)
		}
		seen[msg] = true
	}
}

func TestLLMErrorUnwrapAndRetryable(t *testing.T) {
	cause := errors.New("boom")
	e := &LLMError{Kind: KindServer, Message: "down", Err: cause}
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if !e.Retryable() {
		t.Fatal("server errors should be retryable")
	}
	if (&LLMError{Kind: KindInvalidCredential}).Retryable() {
		t.Fatal("credential errors should not be retryable")
	}
	if KindOf(fmt.Errorf("outer: %w", e)) != KindServer {
		t.Fatal("KindOf should unwrap")
	}
}
