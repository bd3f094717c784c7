package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies backend failures so callers can decide on retries.
type ErrorKind string

const (
	KindInvalidCredential ErrorKind = "invalid_credential"
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindTimeout           ErrorKind = "timeout"
	KindNetwork           ErrorKind = "network_error"
	KindServer            ErrorKind = "server_error"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindUnknown           ErrorKind = "unknown"
)

// Errors raised locally before any network call.
var (
	ErrNotAuthenticated  = errors.New("provider not authenticated")
	ErrRateLimitExceeded = errors.New("local rate limit exceeded")
	ErrInvalidConfig     = errors.New("invalid provider config")
	ErrDuplicateName     = errors.New("provider name already registered")
	ErrUnregisteredName  = errors.New("provider name not registered")
)

// LLMError is the standardized failure record. It is immutable once built.
type LLMError struct {
	Kind     ErrorKind
	Provider string // stable adapter name
	Status   int    // HTTP status, 0 when none
	Message  string // user-facing sentence
	Context  string // operation that failed
	Time     time.Time
	Metadata map[string]string
	Err      error
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later.
func (e *LLMError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindServer, KindRateLimitExceeded:
		return true
	default:
		return false
	}
}

// KindOf extracts the error kind, or KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Kind
	}
	return KindUnknown
}

// BackendError carries an error the backend reported in its own payload
// (error JSON body, stream error event) when no status code applies.
type BackendError struct {
	Type    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Type != "" {
		return e.Type + ": " + e.Message
	}
	return e.Message
}

// upstreamError is a non-2xx HTTP response from a raw-HTTP adapter.
type upstreamError struct {
	status int
	msg    string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream %d: %s", e.status, e.msg)
}

func (e *upstreamError) UpstreamStatus() int     { return e.status }
func (e *upstreamError) UpstreamMessage() string { return e.msg }

// StatusOf returns the HTTP status carried by err, if any.
func StatusOf(err error) int {
	var s interface{ UpstreamStatus() int }
	if errors.As(err, &s) {
		return s.UpstreamStatus()
	}
	return 0
}

var messageRules = []struct {
	kind    ErrorKind
	needles []string
}{
	{KindInvalidCredential, []string{"unauthorized", "invalid api key", "invalid x-api-key", "authentication", "permission denied", "forbidden"}},
	{KindRateLimitExceeded, []string{"rate limit", "rate_limit", "too many requests"}},
	{KindQuotaExceeded, []string{"quota", "billing", "insufficient credits", "resource_exhausted"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetwork, []string{"network", "connection", "no such host", "dial tcp", "unexpected eof", ": eof"}},
}

// Classify maps a raw failure to an ErrorKind. An explicit status code wins;
// otherwise the error text is matched case-insensitively.
func Classify(status int, err error) ErrorKind {
	if kind, ok := classifyStatus(status); ok {
		return kind
	}
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if kind, ok := ClassifyMessage(err.Error()); ok {
		return kind
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return KindServer
	}
	return KindUnknown
}

func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindInvalidCredential, true
	case status == http.StatusTooManyRequests:
		return KindRateLimitExceeded, true
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout, true
	case status >= 500 && status <= 599:
		return KindServer, true
	case status >= 400 && status <= 499:
		return KindInvalidRequest, true
	}
	return "", false
}

// ClassifyMessage matches a failure message against known phrases.
func ClassifyMessage(msg string) (ErrorKind, bool) {
	lower := strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return rule.kind, true
			}
		}
	}
	return "", false
}

// FormatMessage renders the user-facing sentence for a kind.
func FormatMessage(kind ErrorKind, displayName string) string {
	switch kind {
	case KindInvalidCredential:
		return fmt.Sprintf("Authentication failed for %s. Please check your credential.", displayName)
	case KindRateLimitExceeded:
		return fmt.Sprintf("Rate limit reached for %s. Please wait before sending more requests.", displayName)
	case KindQuotaExceeded:
		return fmt.Sprintf("Quota exceeded for %s. Please check your plan or billing details.", displayName)
	case KindTimeout:
		return fmt.Sprintf("The request to %s timed out. Please try again.", displayName)
	case KindNetwork:
		return fmt.Sprintf("Could not reach %s. Please check your network connection.", displayName)
	case KindServer:
		return fmt.Sprintf("%s is having server problems. Please try again later.", displayName)
	case KindInvalidRequest:
		return fmt.Sprintf("%s rejected the request. Please check the model and parameters.", displayName)
	default:
		return fmt.Sprintf("An unexpected error occurred with %s.", displayName)
	}
}

// NewError classifies a raw failure and builds the standardized record.
func NewError(provider, displayName, op string, status int, err error) *LLMError {
	if status == 0 {
		status = StatusOf(err)
	}
	kind := Classify(status, err)
	return &LLMError{
		Kind:     kind,
		Provider: provider,
		Status:   status,
		Message:  FormatMessage(kind, displayName),
		Context:  op,
		Time:     time.Now(),
		Err:      err,
	}
}
