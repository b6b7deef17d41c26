package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gambitlabs/gambit/internal/protocol"
)

func TestChatComposesResponses(t *testing.T) {
	f := &fakeProvider{
		key: KeyOpenRouter,
		response: &protocol.CreateResponseResponse{
			ID:     "resp_1",
			Status: protocol.StatusCompleted,
			Output: []protocol.ResponseItem{
				protocol.AssistantMessage("Checking."),
				{Type: protocol.ItemTypeFunctionCall, CallID: "call_1", Name: "lookup", Arguments: `{"id":42}`},
			},
		},
	}

	msg, resp, err := Chat(context.Background(), f, "llama-3-70b", []protocol.ModelMessage{
		{Role: protocol.RoleSystem, Content: protocol.StringPtr("Be terse.")},
		{Role: protocol.RoleUser, Content: protocol.StringPtr("what is item 42?")},
	}, []protocol.Tool{protocol.FunctionTool("lookup", "Look up an item", nil)})
	require.NoError(t, err)

	// System content travels as instructions, not as an input item.
	assert.Equal(t, "llama-3-70b", f.lastReq.Model)
	assert.Equal(t, "Be terse.", f.lastReq.Instructions)
	require.Len(t, f.lastReq.Input, 1)
	assert.Equal(t, protocol.RoleUser, f.lastReq.Input[0].Role)
	require.Len(t, f.lastReq.Tools, 1)
	assert.Equal(t, "lookup", f.lastReq.Tools[0].Name)

	// The canonical output folds into one assistant message.
	assert.Equal(t, protocol.RoleAssistant, msg.Role)
	assert.Equal(t, "Checking.", msg.Text())
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "lookup", msg.ToolCalls[0].Function.Name)
	assert.Equal(t, "resp_1", resp.ID)
}

func TestChatPropagatesError(t *testing.T) {
	f := &fakeProvider{key: KeyOpenAI, err: protocol.NewTransportError("http_status", "vendor down")}

	_, _, err := Chat(context.Background(), f, "gpt-4o", []protocol.ModelMessage{
		{Role: protocol.RoleUser, Content: protocol.StringPtr("hi")},
	}, nil)
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "http_status", herr.Code)
}
