package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// GoogleClient implements Provider against the Generative Language
// generateContent API. Chat-only vendor: streaming is emulated.
type GoogleClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

// NewGoogle creates the Google adapter.
func NewGoogle(cfg config.ProviderConfig, log *slog.Logger) *GoogleClient {
	return &GoogleClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
		log:     log,
	}
}

// Key implements Provider.
func (c *GoogleClient) Key() Key { return KeyGoogle }

// Generative Language wire shapes (request side).
type googleRequest struct {
	Contents          []googleContent   `json:"contents"`
	SystemInstruction *googleContent    `json:"systemInstruction,omitempty"`
	Tools             []googleTool      `json:"tools,omitempty"`
	ToolConfig        *googleToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *googleGenConfig  `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *googleFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *googleFunctionResp `json:"functionResponse,omitempty"`
}

type googleFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type googleFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleTool struct {
	FunctionDeclarations []googleFunctionDecl `json:"functionDeclarations"`
}

type googleToolConfig struct {
	FunctionCallingConfig googleFunctionCallingConfig `json:"functionCallingConfig"`
}

type googleFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type googleFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type googleGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// Response side.
type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Responses implements Provider.
func (c *GoogleClient) Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return nil, protocol.NewConfigError("missing_api_key", "google provider has no API key configured")
	}
	req.Tools = protocol.EnsureSyntheticTools(req.Tools, req.Input)

	body, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, protocol.NewProtocolError("encode_request", "google request encoding failed: %v", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, protocol.NewTransportError("build_request", "google request build failed: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		wrapped := protocol.NewTransportError("request_failed", "google request failed: %v", err).WithCause(err)
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, protocol.NewTransportError("read_body", "google response read failed: %v", err).WithCause(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		wrapped := protocol.NewTransportError("http_status", "google returned %d: %s", httpResp.StatusCode, truncateBody(raw)).
			WithDetail("status", httpResp.StatusCode).
			WithDetail("body", truncateBody(raw))
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}

	var decoded googleResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, protocol.NewProtocolError("decode_response", "google response decoding failed: %v", err)
	}
	if decoded.Error != nil {
		wrapped := protocol.NewTransportError("vendor_error", "google error %d: %s", decoded.Error.Code, decoded.Error.Message)
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}
	if len(decoded.Candidates) == 0 {
		return nil, protocol.NewProtocolError("no_candidates", "google returned no candidates")
	}

	items, finish := parseGoogleCandidate(decoded)
	resp := &protocol.CreateResponseResponse{
		ID:           "resp_" + uuid.NewString(),
		Model:        req.Model,
		Status:       protocol.StatusCompleted,
		Output:       items,
		FinishReason: finish,
		Usage:        protocol.NewUsage(decoded.UsageMetadata.PromptTokenCount, decoded.UsageMetadata.CandidatesTokenCount),
	}
	emitEmulatedStream(sink, resp)
	return resp, nil
}

// googleToolChoice maps the canonical tool_choice onto the vendor's
// functionCallingConfig; "required" is Gemini's ANY mode, and a function
// name becomes ANY restricted to that function.
func googleToolChoice(choice string) *googleToolConfig {
	cfg := googleFunctionCallingConfig{}
	switch choice {
	case "auto":
		cfg.Mode = "AUTO"
	case "none":
		cfg.Mode = "NONE"
	case "required":
		cfg.Mode = "ANY"
	default:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{choice}
	}
	return &googleToolConfig{FunctionCallingConfig: cfg}
}

func (c *GoogleClient) buildRequest(req protocol.CreateResponseRequest) (*googleRequest, error) {
	out := &googleRequest{}
	if req.Instructions != "" {
		out.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.Instructions}}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxOutputTokens > 0 {
		out.GenerationConfig = &googleGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxOutputTokens,
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]googleFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, googleFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  googleSchema(protocol.HardenToolParameters(t.Parameters)),
			})
		}
		out.Tools = []googleTool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != "" {
		out.ToolConfig = googleToolChoice(req.ToolChoice)
	}

	// Remember call names so functionResponse parts can echo them: the
	// Generative Language API keys results by function name rather than
	// call id.
	callNames := make(map[string]string)
	for _, it := range req.Input {
		switch it.Type {
		case protocol.ItemTypeMessage:
			role := "user"
			if it.Role == protocol.RoleAssistant {
				role = "model"
			}
			out.Contents = append(out.Contents, googleContent{
				Role:  role,
				Parts: []googlePart{{Text: it.TextContent()}},
			})

		case protocol.ItemTypeFunctionCall:
			callNames[it.CallID] = it.Name
			args := map[string]any{}
			if it.Arguments != "" {
				if err := json.Unmarshal([]byte(it.Arguments), &args); err != nil {
					return nil, protocol.NewProtocolError("bad_tool_arguments",
						"tool call %s has unparsable arguments: %v", it.CallID, err)
				}
			}
			out.Contents = append(out.Contents, googleContent{
				Role:  "model",
				Parts: []googlePart{{FunctionCall: &googleFunctionCall{Name: it.Name, Args: args}}},
			})

		case protocol.ItemTypeFunctionCallOutput:
			out.Contents = append(out.Contents, googleContent{
				Role: "user",
				Parts: []googlePart{{FunctionResponse: &googleFunctionResp{
					Name:     callNames[it.CallID],
					Response: map[string]any{"output": it.Output},
				}}},
			})
		}
	}
	return out, nil
}

// googleSchema strips schema keys the Generative Language API rejects.
func googleSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "additionalProperties":
			continue
		case "properties":
			props, ok := v.(map[string]any)
			if !ok {
				out[k] = v
				continue
			}
			cleaned := make(map[string]any, len(props))
			for name, sub := range props {
				if m, ok := sub.(map[string]any); ok {
					cleaned[name] = googleSchema(m)
				} else {
					cleaned[name] = sub
				}
			}
			out[k] = cleaned
		default:
			if sub, ok := v.(map[string]any); ok {
				out[k] = googleSchema(sub)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func parseGoogleCandidate(decoded googleResponse) ([]protocol.ResponseItem, protocol.FinishReason) {
	candidate := decoded.Candidates[0]
	var items []protocol.ResponseItem
	hasCalls := false

	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			hasCalls = true
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			items = append(items, protocol.ResponseItem{
				Type:      protocol.ItemTypeFunctionCall,
				CallID:    "call_" + uuid.NewString(),
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		case part.Text != "":
			items = append(items, protocol.AssistantMessage(part.Text))
		}
	}
	if len(items) == 0 {
		items = append(items, protocol.AssistantMessage(""))
	}

	finish := protocol.FinishReasonStop
	switch {
	case hasCalls:
		finish = protocol.FinishReasonToolCalls
	case candidate.FinishReason == "MAX_TOKENS":
		finish = protocol.FinishReasonLength
	}
	return items, finish
}

// truncateBody bounds error detail payloads.
func truncateBody(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
