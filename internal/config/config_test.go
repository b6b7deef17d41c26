package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromLookup_Defaults(t *testing.T) {
	cfg := FromLookup(MapLookup(nil))

	assert.Equal(t, DefaultOllamaBaseURL, cfg.Ollama.BaseURL)
	assert.Equal(t, DefaultOpenRouterBaseURL, cfg.OpenRouter.BaseURL)
	assert.Equal(t, DefaultGoogleBaseURL, cfg.Google.BaseURL)
	assert.Equal(t, DefaultCodexBinary, cfg.Codex.Binary)
	assert.Empty(t, cfg.DefaultProvider)
	assert.False(t, cfg.Debug)
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg := FromLookup(MapLookup(map[string]string{
		"OLLAMA_BASE_URL":         "http://remote:11434/v1",
		"OPENAI_API_KEY":          "sk-test",
		"CODEX_BINARY":            "/opt/codex",
		"CODEX_REASONING_EFFORT":  "high",
		"GAMBIT_DEFAULT_PROVIDER": "openrouter",
		"GAMBIT_DEBUG":            "1",
	}))

	assert.Equal(t, "http://remote:11434/v1", cfg.Ollama.BaseURL)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, "/opt/codex", cfg.Codex.Binary)
	assert.Equal(t, "high", cfg.Codex.ReasoningEffort)
	assert.Equal(t, "openrouter", cfg.DefaultProvider)
	assert.True(t, cfg.Debug)
}

func TestFromLookup_EmptyValueFallsBack(t *testing.T) {
	cfg := FromLookup(MapLookup(map[string]string{"OLLAMA_BASE_URL": ""}))
	assert.Equal(t, DefaultOllamaBaseURL, cfg.Ollama.BaseURL)
}

func TestConfigured(t *testing.T) {
	assert.False(t, ProviderConfig{}.Configured())
	assert.True(t, ProviderConfig{APIKey: "k"}.Configured())
	assert.True(t, ProviderConfig{BaseURL: "u"}.Configured())
}
