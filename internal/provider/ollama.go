package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// OllamaClient serves local models. Completions go through the
// OpenAI-compatible surface Ollama exposes under /v1; model management
// (tags, pull) uses the native API at the server root.
type OllamaClient struct {
	chat    *OpenAIClient
	rootURL string
	http    *http.Client
	log     *slog.Logger
}

// OllamaModel is one locally available model from /api/tags.
type OllamaModel struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// PullProgress is one NDJSON progress line from /api/pull.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewOllama creates the Ollama adapter. cfg.BaseURL points at the
// OpenAI-compatible /v1 prefix; the native endpoints are derived from it.
func NewOllama(cfg config.ProviderConfig, log *slog.Logger) *OllamaClient {
	base := cfg.BaseURL
	if base == "" {
		base = config.DefaultOllamaBaseURL
	}
	compat := config.ProviderConfig{APIKey: "ollama", BaseURL: base}
	return &OllamaClient{
		chat:    newOpenAICompatible(KeyOllama, modeChat, compat, log),
		rootURL: strings.TrimSuffix(strings.TrimRight(base, "/"), "/v1"),
		http:    &http.Client{},
		log:     log,
	}
}

// Key implements Provider.
func (c *OllamaClient) Key() Key { return KeyOllama }

// Responses implements Provider by delegating to the chat-completions path.
func (c *OllamaClient) Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	return c.chat.Responses(ctx, req, sink)
}

// ListModels returns the models available on the local server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]OllamaModel, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.rootURL+"/api/tags", nil)
	if err != nil {
		return nil, protocol.NewTransportError("build_request", "ollama tags request build failed: %v", err)
	}
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, protocol.NewTransportError("request_failed", "ollama tags request failed: %v", err).WithCause(err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		return nil, protocol.NewTransportError("http_status", "ollama tags returned %d: %s", httpResp.StatusCode, truncateBody(raw))
	}
	var decoded struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, protocol.NewProtocolError("decode_response", "ollama tags decoding failed: %v", err)
	}
	return decoded.Models, nil
}

// HasModel reports whether the named model is already present locally.
// Ollama treats a bare name as the :latest tag.
func (c *OllamaClient) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := name
	if !strings.Contains(want, ":") {
		want += ":latest"
	}
	for _, m := range models {
		if m.Name == name || m.Name == want {
			return true, nil
		}
	}
	return false, nil
}

// Pull downloads a model, invoking progress for each NDJSON update.
// A nil progress callback discards updates. An error embedded in the
// progress stream fails the pull.
func (c *OllamaClient) Pull(ctx context.Context, name string, progress func(PullProgress)) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{"model": name, "stream": true})
	if err != nil {
		return protocol.NewProtocolError("encode_request", "ollama pull encoding failed: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rootURL+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		return protocol.NewTransportError("build_request", "ollama pull request build failed: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return protocol.NewTransportError("request_failed", "ollama pull request failed: %v", err).WithCause(err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(httpResp.Body)
		return protocol.NewTransportError("http_status", "ollama pull returned %d: %s", httpResp.StatusCode, truncateBody(raw))
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var update PullProgress
		if err := json.Unmarshal(line, &update); err != nil {
			continue
		}
		if update.Error != "" {
			return protocol.NewTransportError("pull_failed", "ollama pull of %s failed: %s", name, update.Error)
		}
		if progress != nil {
			progress(update)
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.NewTransportError("stream_interrupted", "ollama pull stream broke: %v", err).WithCause(err)
	}
	return nil
}

// EnsureModel pulls the model if it is not already available locally.
func (c *OllamaClient) EnsureModel(ctx context.Context, name string, progress func(PullProgress)) error {
	have, err := c.HasModel(ctx, name)
	if err != nil {
		return err
	}
	if have {
		return nil
	}
	c.log.Info("pulling model", "model", name)
	return c.Pull(ctx, name, progress)
}
