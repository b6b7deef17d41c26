package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/logging"
	"github.com/gambitlabs/gambit/internal/protocol"
)

func newGoogleTestServer(t *testing.T, handler http.HandlerFunc) *GoogleClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGoogle(config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL}, logging.NewNop())
}

func TestGoogleResponsesTextAndToolCall(t *testing.T) {
	var gotReq googleRequest
	c := newGoogleTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]any{
						{"text": "Let me check."},
						{"functionCall": map[string]any{"name": "lookup", "args": map[string]any{"id": 42}}},
					},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{"promptTokenCount": 30, "candidatesTokenCount": 12},
		})
	})

	rec := &eventRecorder{}
	resp, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model:        "gemini-2.0-flash",
		Instructions: "Be terse.",
		Input:        []protocol.ResponseItem{protocol.UserMessage("what is item 42?")},
		Tools: []protocol.Tool{protocol.FunctionTool("lookup", "Look up an item", map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "integer"}},
		})},
		ToolChoice: "required",
	}, rec.sink())
	require.NoError(t, err)

	// Request shape.
	require.NotNil(t, gotReq.SystemInstruction)
	assert.Equal(t, "Be terse.", gotReq.SystemInstruction.Parts[0].Text)
	require.Len(t, gotReq.Contents, 1)
	assert.Equal(t, "user", gotReq.Contents[0].Role)
	require.Len(t, gotReq.Tools, 1)
	decl := gotReq.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "lookup", decl.Name)
	assert.NotContains(t, decl.Parameters, "additionalProperties")
	require.NotNil(t, gotReq.ToolConfig)
	assert.Equal(t, "ANY", gotReq.ToolConfig.FunctionCallingConfig.Mode)

	// Canonical response.
	assert.Equal(t, protocol.StatusCompleted, resp.Status)
	assert.Equal(t, protocol.FinishReasonToolCalls, resp.FinishReason)
	assert.Equal(t, "Let me check.", resp.OutputText())
	calls := resp.FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.JSONEq(t, `{"id":42}`, calls[0].Arguments)
	assert.NotEmpty(t, calls[0].CallID)

	require.NotNil(t, resp.Usage)
	assert.Equal(t, 30, resp.Usage.PromptTokens)
	assert.Equal(t, 12, resp.Usage.CompletionTokens)
	assert.Equal(t, 42, resp.Usage.TotalTokens)

	assertStreamContract(t, rec.events)
}

func TestGoogleConversationRoundTrip(t *testing.T) {
	var gotReq googleRequest
	c := newGoogleTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "item 42 is a towel"}}},
				"finishReason": "STOP",
			}},
		})
	})

	_, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model: "gemini-2.0-flash",
		Input: []protocol.ResponseItem{
			protocol.UserMessage("what is item 42?"),
			{Type: protocol.ItemTypeFunctionCall, CallID: "call_1", Name: "lookup", Arguments: `{"id":42}`},
			protocol.FunctionCallOutput("call_1", `{"title":"towel"}`),
		},
	}, nil)
	require.NoError(t, err)

	require.Len(t, gotReq.Contents, 3)
	assert.Equal(t, "model", gotReq.Contents[1].Role)
	require.NotNil(t, gotReq.Contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "lookup", gotReq.Contents[1].Parts[0].FunctionCall.Name)
	// The function response echoes the call's name, resolved via call id.
	require.NotNil(t, gotReq.Contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "lookup", gotReq.Contents[2].Parts[0].FunctionResponse.Name)
}

func TestGoogleHTTPErrorEmitsFailed(t *testing.T) {
	c := newGoogleTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":429,"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	})

	rec := &eventRecorder{}
	_, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model: "gemini-2.0-flash",
		Input: []protocol.ResponseItem{protocol.UserMessage("hi")},
	}, rec.sink())
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, protocol.ErrKindTransport, herr.Kind)
	assert.Equal(t, http.StatusTooManyRequests, herr.Details["status"])

	assertStreamContract(t, rec.events)
	require.Len(t, rec.events, 2)
	assert.Equal(t, protocol.EventResponseCreated, rec.events[0].Type)
	assert.Equal(t, protocol.EventResponseFailed, rec.events[1].Type)
}

func TestGoogleMissingAPIKey(t *testing.T) {
	c := NewGoogle(config.ProviderConfig{BaseURL: "http://localhost:0"}, logging.NewNop())

	_, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model: "gemini-2.0-flash",
		Input: []protocol.ResponseItem{protocol.UserMessage("hi")},
	}, nil)
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "missing_api_key", herr.Code)
}

func TestGoogleToolChoiceMapping(t *testing.T) {
	assert.Equal(t, "AUTO", googleToolChoice("auto").FunctionCallingConfig.Mode)
	assert.Equal(t, "NONE", googleToolChoice("none").FunctionCallingConfig.Mode)
	assert.Equal(t, "ANY", googleToolChoice("required").FunctionCallingConfig.Mode)

	forced := googleToolChoice("lookup")
	assert.Equal(t, "ANY", forced.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"lookup"}, forced.FunctionCallingConfig.AllowedFunctionNames)
}

func TestGoogleSchemaStripsAdditionalProperties(t *testing.T) {
	in := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"filter": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           map[string]any{"q": map[string]any{"type": "string"}},
			},
		},
	}
	out := googleSchema(in)
	assert.NotContains(t, out, "additionalProperties")
	filter := out["properties"].(map[string]any)["filter"].(map[string]any)
	assert.NotContains(t, filter, "additionalProperties")
	assert.Contains(t, filter, "properties")
}
