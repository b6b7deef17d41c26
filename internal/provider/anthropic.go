package provider

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// AnthropicClient implements Provider against the Anthropic Messages API.
// The vendor has no streaming-Responses protocol, so the adapter performs
// the full call and synthesizes the canonical event sequence.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	log       *slog.Logger
}

// defaultAnthropicMaxTokens applies when the request does not bound output;
// the Messages API requires an explicit max_tokens.
const defaultAnthropicMaxTokens = 4096

// NewAnthropic creates the Anthropic adapter.
func NewAnthropic(cfg config.ProviderConfig, log *slog.Logger) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: defaultAnthropicMaxTokens,
		log:       log,
	}
}

// Key implements Provider.
func (c *AnthropicClient) Key() Key { return KeyAnthropic }

// Responses implements Provider.
func (c *AnthropicClient) Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	req.Tools = protocol.EnsureSyntheticTools(req.Tools, req.Input)

	messages, err := buildAnthropicMessages(req.Input)
	if err != nil {
		return nil, err
	}

	maxTokens := c.maxTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = int64(req.MaxOutputTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	if req.ToolChoice != "" {
		params.ToolChoice = buildAnthropicToolChoice(req.ToolChoice)
	}
	if userID, ok := req.Metadata["user_id"]; ok {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(userID)}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		wrapped := classifyAnthropicError(err)
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}

	items, finish := parseAnthropicResponse(message)
	resp := &protocol.CreateResponseResponse{
		ID:           responseID(message.ID),
		Model:        req.Model,
		Status:       protocol.StatusCompleted,
		Output:       items,
		FinishReason: finish,
		Usage:        protocol.NewUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens)),
	}
	emitEmulatedStream(sink, resp)
	return resp, nil
}

// responseID falls back to a generated id when the vendor omits one.
func responseID(vendor string) string {
	if vendor != "" {
		return vendor
	}
	return "resp_" + uuid.NewString()
}

// buildAnthropicMessages converts canonical items to the Messages format.
// Tool calls become content blocks of the preceding assistant message and
// tool results travel in user messages.
func buildAnthropicMessages(items []protocol.ResponseItem) ([]anthropic.MessageParam, error) {
	var messages []anthropic.MessageParam

	i := 0
	for i < len(items) {
		it := items[i]
		switch it.Type {
		case protocol.ItemTypeMessage:
			if it.Role == protocol.RoleAssistant {
				content := []anthropic.ContentBlockParamUnion{}
				if text := it.TextContent(); text != "" {
					content = append(content, anthropic.ContentBlockParamUnion{
						OfText: &anthropic.TextBlockParam{Text: text},
					})
				}
				// Glue following tool calls onto this assistant turn.
				j := i + 1
				for j < len(items) && items[j].Type == protocol.ItemTypeFunctionCall {
					block, err := anthropicToolUseBlock(items[j])
					if err != nil {
						return nil, err
					}
					content = append(content, block)
					j++
				}
				if len(content) > 0 {
					messages = append(messages, anthropic.MessageParam{
						Role:    anthropic.MessageParamRoleAssistant,
						Content: content,
					})
				}
				i = j
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfText: &anthropic.TextBlockParam{Text: it.TextContent()},
				}},
			})
			i++

		case protocol.ItemTypeFunctionCall:
			// Orphaned calls become their own assistant turn.
			content := []anthropic.ContentBlockParamUnion{}
			j := i
			for j < len(items) && items[j].Type == protocol.ItemTypeFunctionCall {
				block, err := anthropicToolUseBlock(items[j])
				if err != nil {
					return nil, err
				}
				content = append(content, block)
				j++
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: content,
			})
			i = j

		case protocol.ItemTypeFunctionCallOutput:
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: it.CallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: it.Output},
						}},
					},
				}},
			})
			i++

		default:
			i++
		}
	}

	return messages, nil
}

func anthropicToolUseBlock(call protocol.ResponseItem) (anthropic.ContentBlockParamUnion, error) {
	input := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
			return anthropic.ContentBlockParamUnion{}, protocol.NewProtocolError(
				"bad_tool_arguments", "tool call %s has unparsable arguments: %v", call.CallID, err)
		}
	}
	return anthropic.ContentBlockParamUnion{
		OfToolUse: &anthropic.ToolUseBlockParam{
			ID:    call.CallID,
			Name:  call.Name,
			Input: input,
		},
	}, nil
}

func buildAnthropicTools(tools []protocol.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params := protocol.HardenToolParameters(t.Parameters)
		schema := anthropic.ToolInputSchemaParam{}
		if params != nil {
			if props, ok := params["properties"].(map[string]any); ok {
				schema.Properties = props
			}
			if req, ok := params["required"].([]any); ok && len(req) > 0 {
				required := make([]string, 0, len(req))
				for _, r := range req {
					if s, ok := r.(string); ok {
						required = append(required, s)
					}
				}
				schema.Required = required
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

// parseAnthropicResponse converts a Messages response to canonical items.
func parseAnthropicResponse(message *anthropic.Message) ([]protocol.ResponseItem, protocol.FinishReason) {
	var items []protocol.ResponseItem
	finish := protocol.FinishReasonStop

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text := block.AsText()
			if text.Text != "" {
				items = append(items, protocol.AssistantMessage(text.Text))
			}

		case "tool_use":
			tool := block.AsToolUse()
			args, err := json.Marshal(tool.Input)
			if err != nil {
				args = []byte("{}")
			}
			items = append(items, protocol.ResponseItem{
				Type:      protocol.ItemTypeFunctionCall,
				CallID:    tool.ID,
				Name:      tool.Name,
				Arguments: string(args),
			})

		case "thinking":
			thinking := block.AsThinking()
			items = append(items, protocol.ResponseItem{
				Type:    protocol.ItemTypeReasoning,
				Content: []protocol.ContentPart{{Type: protocol.PartReasoningText, Text: thinking.Thinking}},
			})
		}
	}

	if len(items) == 0 {
		items = append(items, protocol.AssistantMessage(""))
	}

	switch message.StopReason {
	case anthropic.StopReasonToolUse:
		finish = protocol.FinishReasonToolCalls
	case anthropic.StopReasonMaxTokens:
		finish = protocol.FinishReasonLength
	default:
		finish = protocol.FinishReasonStop
	}
	return items, finish
}

// buildAnthropicToolChoice maps the canonical tool_choice onto the vendor's
// union; "required" is Anthropic's "any".
func buildAnthropicToolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "auto":
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case "required":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case "none":
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice}}
	}
}

// classifyAnthropicError wraps SDK errors with the vendor status attached.
func classifyAnthropicError(err error) error {
	if apiErr, ok := err.(*anthropic.Error); ok {
		return protocol.NewTransportError("http_status", "anthropic request failed: %v", err).
			WithCause(err).
			WithDetail("status", apiErr.StatusCode)
	}
	return protocol.NewTransportError("request_failed", "anthropic request failed: %v", err).WithCause(err)
}
