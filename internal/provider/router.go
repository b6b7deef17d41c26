package provider

import (
	"context"
	"strings"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// Resolution is the outcome of routing a model string.
type Resolution struct {
	Key Key

	// Model is the string to send to the vendor: the known prefix stripped,
	// except on fallback where the original prefixed form is preserved.
	Model string

	// Fallback is set when an unconfigured fallback-eligible provider was
	// silently routed to the default adapter.
	Fallback bool
}

// Router resolves model strings to adapters. Resolution is a total, pure
// function over the configured provider set; it performs no I/O.
type Router struct {
	providers  map[Key]Provider
	defaultKey Key

	// fallback marks prefixes that silently route to the default adapter
	// when their provider is unconfigured, keeping the prefixed model
	// string intact for the vendor call.
	fallback map[Key]bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDefault sets the adapter for unprefixed model strings. An empty key
// means "no default": unprefixed models become a configuration error.
func WithDefault(key Key) RouterOption {
	return func(r *Router) { r.defaultKey = key }
}

// WithFallback marks key as fallback-eligible.
func WithFallback(key Key) RouterOption {
	return func(r *Router) { r.fallback[key] = true }
}

// NewRouter builds a router over the given adapters. Google is
// fallback-eligible unless the option set says otherwise.
func NewRouter(providers []Provider, opts ...RouterOption) *Router {
	r := &Router{
		providers: make(map[Key]Provider, len(providers)),
		fallback:  map[Key]bool{KeyGoogle: true},
	}
	for _, p := range providers {
		r.providers[p.Key()] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// prefixes that select an adapter; order is irrelevant, the grammar is
// unambiguous.
var prefixTable = []struct {
	prefix string
	key    Key
}{
	{"openrouter/", KeyOpenRouter},
	{"ollama/", KeyOllama},
	{"google/", KeyGoogle},
	{"codex-cli/", KeyCodex},
}

// Resolve maps a model string to an adapter key and the model to send.
func (r *Router) Resolve(model string) (Resolution, error) {
	if model == "codex-cli" {
		// Bare codex-cli means the CLI's default model.
		return r.resolved(KeyCodex, "", model)
	}
	if strings.HasPrefix(model, "codex/") {
		return Resolution{}, protocol.NewConfigError("legacy_model_prefix",
			"model prefix %q is no longer supported; use %q for the default model or %q", "codex/", "codex-cli", "codex-cli/<model>")
	}

	for _, entry := range prefixTable {
		if strings.HasPrefix(model, entry.prefix) {
			return r.resolved(entry.key, strings.TrimPrefix(model, entry.prefix), model)
		}
	}

	// Unprefixed: resolve via the configured default.
	if r.defaultKey == "" {
		return Resolution{}, protocol.NewConfigError("no_default_provider",
			"model %q has no provider prefix and no default provider is configured", model)
	}
	if _, ok := r.providers[r.defaultKey]; !ok {
		return Resolution{}, protocol.NewConfigError("default_provider_unavailable",
			"default provider %q is not configured", r.defaultKey)
	}
	return Resolution{Key: r.defaultKey, Model: model}, nil
}

// resolved finishes a prefixed resolution, applying the fallback rule when
// the owning provider is unconfigured.
func (r *Router) resolved(key Key, stripped, original string) (Resolution, error) {
	if _, ok := r.providers[key]; ok {
		return Resolution{Key: key, Model: stripped}, nil
	}
	if r.fallback[key] && r.defaultKey != "" {
		if _, ok := r.providers[r.defaultKey]; ok {
			// Preserve the prefixed model string for the vendor call.
			return Resolution{Key: r.defaultKey, Model: original, Fallback: true}, nil
		}
	}
	return Resolution{}, protocol.NewConfigError("provider_unconfigured",
		"provider %q (model %q) is not configured", key, original)
}

// Provider returns the adapter registered under key.
func (r *Router) Provider(key Key) (Provider, bool) {
	p, ok := r.providers[key]
	return p, ok
}

// Responses resolves req.Model and forwards the request to the owning
// adapter with the resolved model string.
func (r *Router) Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	res, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	p := r.providers[res.Key]
	req.Model = res.Model
	return p.Responses(ctx, req, sink)
}
