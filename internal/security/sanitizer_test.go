package security

import (
	"strings"
	"testing"

	"promptrelay/internal/config"
)

func TestSanitizeEmail(t *testing.T) {
	s := NewSanitizer(config.PIIFilterConfig{
		Enabled:      true,
		FilterEmails: true,
	})

	input := "My email is john@example.com and also jane@test.org"
	result := s.Sanitize(input)

	if result == input {
		t.Fatal("expected sanitization to change the input")
	}
	if strings.Contains(result, "john@example.com") {
		t.Fatal("email was not sanitized")
	}
	if !strings.Contains(result, "[EMAIL_2]") {
		t.Fatalf("expected two EMAIL placeholders, got: %s", result)
	}
}

func TestSanitizePhone(t *testing.T) {
	s := NewSanitizer(config.PIIFilterConfig{
		Enabled:      true,
		FilterPhones: true,
	})

	input := "Call me at +1-555-123-4567"
	result := s.Sanitize(input)

	if strings.Contains(result, "555-123-4567") {
		t.Fatal("phone was not sanitized")
	}
}

func TestSanitizeDisabled(t *testing.T) {
	s := NewSanitizer(config.PIIFilterConfig{
		Enabled:      false,
		FilterEmails: true,
	})

	input := "john@example.com 555-123-4567"
	if s.Sanitize(input) != input {
		t.Fatal("disabled sanitizer should not modify input")
	}
	if s.Enabled() {
		t.Fatal("expected Enabled() false")
	}
}

func TestRestorePlaceholders(t *testing.T) {
	s := NewSanitizer(config.PIIFilterConfig{
		Enabled:      true,
		FilterEmails: true,
	})

	input := "Contact john@example.com for info"
	sanitized := s.Sanitize(input)
	restored := s.Restore(sanitized)

	if restored != input {
		t.Fatalf("restore failed: expected %q, got %q", input, restored)
	}
}

func TestSanitizeStablePlaceholder(t *testing.T) {
	s := NewSanitizer(config.PIIFilterConfig{Enabled: true, FilterEmails: true})

	first := s.Sanitize("ping a@b.io")
	second := s.Sanitize("again a@b.io")
	if !strings.HasSuffix(first, "[EMAIL_1]") || !strings.HasSuffix(second, "[EMAIL_1]") {
		t.Fatalf("expected the same placeholder, got %q and %q", first, second)
	}

	s.Reset()
	if got := s.Restore("[EMAIL_1]"); got != "[EMAIL_1]" {
		t.Fatalf("expected no mapping after reset, got %q", got)
	}
}

func TestSanitizeCards(t *testing.T) {
	s := NewSanitizer(config.PIIFilterConfig{
		Enabled:      true,
		FilterCards:  true,
		FilterPhones: true,
	})

	input := "My card is 4111-1111-1111-1111"
	result := s.Sanitize(input)

	if strings.Contains(result, "4111") {
		t.Fatal("card number was not sanitized")
	}
	if !strings.Contains(result, "[CARD_1]") {
		t.Fatalf("expected card placeholder before phone matching, got %s", result)
	}
}

func TestSanitizeProviderKeys(t *testing.T) {
	s := NewSanitizer(config.PIIFilterConfig{Enabled: true, FilterKeys: true})

	input := "my key is sk-ant-REDACTED please debug"
	result := s.Sanitize(input)
	if strings.Contains(result, "sk-ant") {
		t.Fatalf("key leaked: %s", result)
	}
	if s.Restore(result) != input {
		t.Fatalf("restore failed: %s", s.Restore(result))
	}
}
