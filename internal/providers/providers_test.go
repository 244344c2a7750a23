package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseModelKey(t *testing.T) {
	tests := []struct {
		key      string
		provider string
		model    string
	}{
		{"anthropic/claude-sonnet-4-5-20250929", "anthropic", "claude-sonnet-4-5-20250929"},
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"openrouter/anthropic/claude-sonnet-4-5-20250929", "openrouter", "anthropic/claude-sonnet-4-5-20250929"},
		{"deepseek", "deepseek", ""},
		{"groq/llama-3.3-70b-versatile", "groq", "llama-3.3-70b-versatile"},
		{"claude-opus-4-1", "anthropic", "claude-opus-4-1"},
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"", "anthropic", ""},
	}
	for _, tt := range tests {
		provider, model := ParseModelKey(tt.key)
		if provider != tt.provider || model != tt.model {
			t.Errorf("ParseModelKey(%q) = %q, %q; want %q, %q",
				tt.key, provider, model, tt.provider, tt.model)
		}
	}
}

func TestFromKeyRequiresCredential(t *testing.T) {
	if _, _, err := FromKey("openai/gpt-4o", nil); err == nil {
		t.Fatal("want error when no API key configured")
	}

	p, model, err := FromKey("openrouter/meta-llama/llama-3-70b", map[string]string{"openrouter": "sk-x"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "openrouter" || model != "meta-llama/llama-3-70b" {
		t.Fatalf("got %s / %s", p.Name(), model)
	}

	if _, _, err := FromKey("mystery/model-1", map[string]string{"mystery": "k"}); err == nil {
		t.Fatal("want error for unknown provider")
	}
}

func TestTranslateStopReason(t *testing.T) {
	for in, want := range map[string]string{
		"tool_use":   "tool_calls",
		"end_turn":   "stop",
		"max_tokens": "length",
		"other":      "other",
	} {
		if got := translateStopReason(in); got != want {
			t.Errorf("translateStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRetryDoHonorsNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 401, Body: "bad key"}
	})
	if err == nil || calls != 1 {
		t.Fatalf("non-retryable must fail immediately: calls=%d err=%v", calls, err)
	}
}

func TestRetryDoRetriesRateLimit(t *testing.T) {
	calls := 0
	out, err := RetryDo(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &HTTPError{Status: 429, Body: "slow down"}
		}
		return 42, nil
	})
	if err != nil || out != 42 || calls != 3 {
		t.Fatalf("calls=%d out=%d err=%v", calls, out, err)
	}
}

func TestIsConnectionError(t *testing.T) {
	if IsConnectionError(&HTTPError{Status: 500}) {
		t.Error("HTTP errors are API errors, not connection errors")
	}
	if !IsConnectionError(errors.New("read tcp 1.2.3.4: connection reset by peer")) {
		t.Error("connection reset should classify as connection error")
	}
	if !IsConnectionError(errors.New("unexpected EOF")) {
		t.Error("unexpected EOF should classify as connection error")
	}
	if IsConnectionError(nil) {
		t.Error("nil is not an error")
	}
}

func TestIsContextLength(t *testing.T) {
	if !IsContextLength(errors.New("HTTP 400: this model's maximum context length is 128000 tokens")) {
		t.Error("context length message not detected")
	}
	if IsContextLength(errors.New("HTTP 400: invalid tool schema")) {
		t.Error("unrelated 400 misclassified")
	}
}
