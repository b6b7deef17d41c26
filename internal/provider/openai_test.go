package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/v3/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/logging"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// newOpenAITestServer serves a canned SSE stream, one data frame per
// payload, and returns a client pointed at it.
func newOpenAITestServer(t *testing.T, mode wireMode, payloads []string) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
		}
	}))
	t.Cleanup(srv.Close)
	cfg := config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL}
	if mode == modeChat {
		return NewOpenRouter(cfg, logging.NewNop())
	}
	return NewOpenAI(cfg, logging.NewNop())
}

func streamText(events []protocol.ResponseEvent) string {
	var acc string
	for _, ev := range events {
		if ev.Type == protocol.EventOutputTextDelta {
			acc += ev.Delta
		}
	}
	return acc
}

func TestResponsesStreamEndToEnd(t *testing.T) {
	c := newOpenAITestServer(t, modeResponses, []string{
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_item.added","output_index":0,"item":{"type":"message","id":"msg_1"}}`,
		`{"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"delta":"Hel"}`,
		`{"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"delta":"lo"}`,
		`{"type":"response.output_text.done","item_id":"msg_1","output_index":0,"text":"Hello"}`,
		`{"type":"response.output_item.done","output_index":0,"item":{"type":"message","id":"msg_1","content":[{"type":"output_text","text":"Hello"}]}}`,
		`{"type":"response.completed","response":{"id":"resp_1","output":[{"type":"message","id":"msg_1","content":[{"type":"output_text","text":"Hello"}]}],"usage":{"input_tokens":10,"output_tokens":5}}}`,
	})

	rec := &eventRecorder{}
	resp, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model: "gpt-5",
		Input: []protocol.ResponseItem{protocol.UserMessage("hi")},
	}, rec.sink())
	require.NoError(t, err)

	assertStreamContract(t, rec.events)
	assert.Equal(t, "Hello", streamText(rec.events))

	assert.Equal(t, "resp_1", resp.ID)
	assert.Equal(t, protocol.StatusCompleted, resp.Status)
	assert.Equal(t, "Hello", resp.OutputText())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
}

func TestResponsesStreamTruncated(t *testing.T) {
	// Stream ends after the opening events, no terminal frame.
	c := newOpenAITestServer(t, modeResponses, []string{
		`{"type":"response.created","response":{"id":"resp_1"}}`,
		`{"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"delta":"Hel"}`,
	})

	rec := &eventRecorder{}
	_, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model: "gpt-5",
		Input: []protocol.ResponseItem{protocol.UserMessage("hi")},
	}, rec.sink())
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "stream_truncated", herr.Code)

	// The grammar stays intact: the passthrough created is not repeated and
	// the failure lands as the single terminal event.
	assertStreamContract(t, rec.events)
	assert.Equal(t, protocol.EventResponseFailed, rec.events[len(rec.events)-1].Type)
}

func TestChatStreamEndToEnd(t *testing.T) {
	c := newOpenAITestServer(t, modeChat, []string{
		`{"id":"chatcmpl_1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"chatcmpl_1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"chatcmpl_1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl_1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		`[DONE]`,
	})

	rec := &eventRecorder{}
	resp, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model: "gpt-5",
		Input: []protocol.ResponseItem{protocol.UserMessage("hi")},
	}, rec.sink())
	require.NoError(t, err)

	assertStreamContract(t, rec.events)
	assert.Equal(t, "Hello", streamText(rec.events))

	assert.Equal(t, "chatcmpl_1", resp.ID)
	assert.Equal(t, protocol.StatusCompleted, resp.Status)
	assert.Equal(t, protocol.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, "Hello", resp.OutputText())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
}

func TestChatStreamTruncated(t *testing.T) {
	// The vendor never sends a finish_reason before [DONE].
	c := newOpenAITestServer(t, modeChat, []string{
		`{"id":"chatcmpl_1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`[DONE]`,
	})

	rec := &eventRecorder{}
	_, err := c.Responses(context.Background(), protocol.CreateResponseRequest{
		Model: "gpt-5",
		Input: []protocol.ResponseItem{protocol.UserMessage("hi")},
	}, rec.sink())
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "stream_truncated", herr.Code)

	assertStreamContract(t, rec.events)
	assert.Equal(t, protocol.EventResponseFailed, rec.events[len(rec.events)-1].Type)
}

func TestBuildResponsesToolChoice(t *testing.T) {
	mode := buildResponsesToolChoice("required")
	assert.Equal(t, responses.ToolChoiceOptions("required"), mode.OfToolChoiceMode.Value)

	forced := buildResponsesToolChoice("lookup")
	require.NotNil(t, forced.OfFunctionTool)
	assert.Equal(t, "lookup", forced.OfFunctionTool.Name)
}

func TestBuildChatToolChoice(t *testing.T) {
	mode := buildChatToolChoice("none")
	assert.Equal(t, "none", mode.OfAuto.Value)

	forced := buildChatToolChoice("lookup")
	require.NotNil(t, forced.OfFunctionToolChoice)
	assert.Equal(t, "lookup", forced.OfFunctionToolChoice.Function.Name)
}

func TestBuildParamsCarryToolChoiceAndMetadata(t *testing.T) {
	c := NewOpenAI(config.ProviderConfig{APIKey: "test-key"}, logging.NewNop())
	req := protocol.CreateResponseRequest{
		Model:      "gpt-5",
		Input:      []protocol.ResponseItem{protocol.UserMessage("hi")},
		ToolChoice: "required",
		Metadata:   map[string]string{"run_id": "run_1"},
	}

	params := c.buildResponsesParams(req)
	assert.Equal(t, responses.ToolChoiceOptions("required"), params.ToolChoice.OfToolChoiceMode.Value)
	assert.Equal(t, "run_1", params.Metadata["run_id"])

	chat := c.buildChatParams(req)
	assert.Equal(t, "required", chat.ToolChoice.OfAuto.Value)
	assert.Equal(t, "run_1", chat.Metadata["run_id"])
}

func TestClassifyErrorsKeepVendorPercent(t *testing.T) {
	// Vendor messages may carry format verbs; they must render literally.
	err := classifyOpenAIError(KeyOpenAI, errors.New("capacity at 100% right now"))
	assert.Contains(t, err.Error(), "100% right now")
	assert.NotContains(t, err.Error(), "NOVERB")

	err = classifyAnthropicError(errors.New("overloaded at 99%"))
	assert.Contains(t, err.Error(), "99%")
	assert.NotContains(t, err.Error(), "NOVERB")
}

func TestChatAccumulatorText(t *testing.T) {
	acc := newChatAccumulator()
	acc.addText("Hel")
	acc.addText("lo")

	items := acc.items()
	require.Len(t, items, 1)
	assert.Equal(t, protocol.ItemTypeMessage, items[0].Type)
	assert.Equal(t, "Hello", items[0].TextContent())
}

func TestChatAccumulatorToolFragments(t *testing.T) {
	acc := newChatAccumulator()
	// Fragments arrive interleaved across two stream indexes; id and name
	// only appear on the first fragment of each call.
	acc.addToolDelta(1, "call_b", "search", `{"qu`)
	acc.addToolDelta(0, "call_a", "lookup", `{"id":`)
	acc.addToolDelta(0, "", "", `42}`)
	acc.addToolDelta(1, "", "", `ery":"go"}`)

	items := acc.items()
	require.Len(t, items, 2)
	assert.Equal(t, "call_a", items[0].CallID)
	assert.Equal(t, "lookup", items[0].Name)
	assert.Equal(t, `{"id":42}`, items[0].Arguments)
	assert.Equal(t, "call_b", items[1].CallID)
	assert.Equal(t, "search", items[1].Name)
	assert.Equal(t, `{"query":"go"}`, items[1].Arguments)
}

func TestChatAccumulatorEmptyArgsBecomeObject(t *testing.T) {
	acc := newChatAccumulator()
	acc.addToolDelta(0, "call_a", "gambit_complete", "")

	items := acc.items()
	require.Len(t, items, 1)
	assert.Equal(t, "{}", items[0].Arguments)
}

func TestChatAccumulatorEmptyStream(t *testing.T) {
	items := newChatAccumulator().items()
	require.Len(t, items, 1)
	assert.Equal(t, protocol.ItemTypeMessage, items[0].Type)
	assert.Empty(t, items[0].TextContent())
}

func TestChatAccumulatorTextAndTools(t *testing.T) {
	acc := newChatAccumulator()
	acc.addToolDelta(0, "call_a", "lookup", "{}")
	acc.addText("Checking.")

	items := acc.items()
	require.Len(t, items, 2)
	assert.Equal(t, protocol.ItemTypeMessage, items[0].Type)
	assert.Equal(t, protocol.ItemTypeFunctionCall, items[1].Type)
}
