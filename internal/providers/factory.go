package providers

import (
	"fmt"
	"strings"
)

// knownProviders maps provider names to their OpenAI-compatible base URLs
// and default models. Anthropic is the one native adapter.
var knownProviders = map[string]struct {
	apiBase      string
	defaultModel string
}{
	"openai":     {"https://api.openai.com/v1", "gpt-4o"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4-5-20250929"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
}

// ParseModelKey splits "provider/model" into its parts. A bare provider
// name selects that provider's default model. OpenRouter model names keep
// their own slash: "openrouter/anthropic/claude-..." resolves to provider
// "openrouter", model "anthropic/claude-...".
func ParseModelKey(key string) (provider, model string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "anthropic", ""
	}
	parts := strings.SplitN(key, "/", 2)
	if len(parts) == 1 {
		if _, ok := knownProviders[parts[0]]; ok || parts[0] == "anthropic" {
			return parts[0], ""
		}
		// Bare model name: infer the provider from its shape.
		if strings.HasPrefix(parts[0], "claude") {
			return "anthropic", parts[0]
		}
		return "openai", parts[0]
	}
	return parts[0], parts[1]
}

// FromKey builds the provider for a model key using the supplied API keys,
// which map provider name to credential.
func FromKey(modelKey string, keys map[string]string) (Provider, string, error) {
	name, model := ParseModelKey(modelKey)

	apiKey := keys[name]
	if apiKey == "" {
		return nil, "", fmt.Errorf("no API key configured for provider %q", name)
	}

	if name == "anthropic" {
		return NewAnthropicProvider(apiKey, ""), model, nil
	}
	known, ok := knownProviders[name]
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q in model key %q", name, modelKey)
	}
	return NewOpenAIProvider(name, apiKey, known.apiBase, known.defaultModel), model, nil
}
