// Package config collects every environment-driven setting into one explicit
// struct built once at startup. Adapters receive the relevant section by
// value instead of reading ambient globals, which keeps defaults centralized
// and testable without mutating the process environment.
package config

import (
	"os"
)

// Defaults documented at the external boundary.
const (
	DefaultOllamaBaseURL     = "http://localhost:11434/v1"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultGoogleBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	DefaultCodexBinary       = "codex"
)

// ProviderConfig holds one vendor's connection settings.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// Configured reports whether the provider can be constructed.
func (p ProviderConfig) Configured() bool { return p.APIKey != "" || p.BaseURL != "" }

// CodexConfig holds the Codex CLI subprocess settings. The env-var defaults
// here are an operator trust boundary: unlike call-time parameters they are
// passed through unvalidated.
type CodexConfig struct {
	Binary string

	// Defaults forwarded as -c flags unless a call-time param overrides
	// them.
	ReasoningEffort  string
	ReasoningSummary string
	Verbosity        string
}

// Config is the full harness configuration.
type Config struct {
	OpenAI     ProviderConfig
	OpenRouter ProviderConfig
	Google     ProviderConfig
	Anthropic  ProviderConfig
	Ollama     ProviderConfig
	Codex      CodexConfig

	// DefaultProvider resolves unprefixed model ids. Empty means "no
	// default": resolving an unprefixed model is then a configuration
	// error.
	DefaultProvider string

	Debug bool
}

// LookupFunc reads one environment variable. Tests inject a map-backed
// lookup instead of mutating the process environment.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup LookupFunc) Config {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		OpenAI: ProviderConfig{
			APIKey:  get("OPENAI_API_KEY", ""),
			BaseURL: get("OPENAI_BASE_URL", ""),
		},
		OpenRouter: ProviderConfig{
			APIKey:  get("OPENROUTER_API_KEY", ""),
			BaseURL: get("OPENROUTER_BASE_URL", DefaultOpenRouterBaseURL),
		},
		Google: ProviderConfig{
			APIKey:  get("GOOGLE_API_KEY", ""),
			BaseURL: get("GOOGLE_BASE_URL", DefaultGoogleBaseURL),
		},
		Anthropic: ProviderConfig{
			APIKey:  get("ANTHROPIC_API_KEY", ""),
			BaseURL: get("ANTHROPIC_BASE_URL", ""),
		},
		Ollama: ProviderConfig{
			BaseURL: get("OLLAMA_BASE_URL", DefaultOllamaBaseURL),
		},
		Codex: CodexConfig{
			Binary:           get("CODEX_BINARY", DefaultCodexBinary),
			ReasoningEffort:  get("CODEX_REASONING_EFFORT", ""),
			ReasoningSummary: get("CODEX_REASONING_SUMMARY", ""),
			Verbosity:        get("CODEX_VERBOSITY", ""),
		},
		DefaultProvider: get("GAMBIT_DEFAULT_PROVIDER", ""),
	}

	if v, ok := lookup("GAMBIT_DEBUG"); ok && v != "" && v != "0" && v != "false" {
		cfg.Debug = true
	}

	return cfg
}

// MapLookup adapts a plain map to a LookupFunc for tests.
func MapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}
