package provider

import (
	"context"
	"log/slog"
	"sort"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// wireMode selects which OpenAI-compatible surface a client speaks.
type wireMode int

const (
	// modeResponses uses the native Responses API with 1:1 streaming
	// passthrough.
	modeResponses wireMode = iota
	// modeChat uses legacy chat completions with manual delta
	// accumulation. Used for vendors that only expose the chat surface.
	modeChat
)

// OpenAIClient implements Provider against any OpenAI-compatible endpoint:
// OpenAI itself, OpenRouter, and Ollama's OpenAI-shaped surface.
type OpenAIClient struct {
	key    Key
	mode   wireMode
	client openai.Client
	log    *slog.Logger
}

// NewOpenAI creates the OpenAI adapter (native Responses surface).
func NewOpenAI(cfg config.ProviderConfig, log *slog.Logger) *OpenAIClient {
	return newOpenAICompatible(KeyOpenAI, modeResponses, cfg, log)
}

// NewOpenRouter creates the OpenRouter adapter (chat surface).
func NewOpenRouter(cfg config.ProviderConfig, log *slog.Logger) *OpenAIClient {
	return newOpenAICompatible(KeyOpenRouter, modeChat, cfg, log)
}

func newOpenAICompatible(key Key, mode wireMode, cfg config.ProviderConfig, log *slog.Logger) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		key:    key,
		mode:   mode,
		client: openai.NewClient(opts...),
		log:    log,
	}
}

// Key implements Provider.
func (c *OpenAIClient) Key() Key { return c.key }

// Responses implements Provider.
func (c *OpenAIClient) Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	req.Tools = protocol.EnsureSyntheticTools(req.Tools, req.Input)

	if c.mode == modeChat {
		if sink != nil {
			return c.chatStream(ctx, req, sink)
		}
		return c.chatCall(ctx, req)
	}
	if sink != nil {
		return c.responsesStream(ctx, req, sink)
	}
	return c.responsesCall(ctx, req)
}

// --- native Responses surface ---------------------------------------------

func (c *OpenAIClient) responsesCall(ctx context.Context, req protocol.CreateResponseRequest) (*protocol.CreateResponseResponse, error) {
	params := c.buildResponsesParams(req)

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(c.key, err)
	}

	items, finish := parseResponsesOutput(resp.Output)
	return &protocol.CreateResponseResponse{
		ID:           resp.ID,
		Model:        req.Model,
		Status:       protocol.StatusCompleted,
		Output:       items,
		FinishReason: finish,
		Usage:        protocol.NewUsage(int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)),
	}, nil
}

// responsesStream forwards vendor stream events 1:1 after light remapping
// and returns the accumulated canonical response from the terminal event.
func (c *OpenAIClient) responsesStream(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	params := c.buildResponsesParams(req)

	stream := c.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var final *protocol.CreateResponseResponse
	created := false
	sawTerminal := false

	for stream.Next() {
		ev := stream.Current()
		switch protocol.EventType(ev.Type) {
		case protocol.EventResponseCreated, protocol.EventResponseInProgress:
			if protocol.EventType(ev.Type) == protocol.EventResponseCreated {
				created = true
			}
			sink.Emit(protocol.ResponseEvent{
				Type: protocol.EventType(ev.Type),
				Response: &protocol.CreateResponseResponse{
					ID:     ev.Response.ID,
					Model:  req.Model,
					Status: protocol.StatusInProgress,
				},
			})

		case protocol.EventOutputItemAdded, protocol.EventOutputItemDone:
			item := convertResponsesItem(ev.Item)
			sink.Emit(protocol.ResponseEvent{
				Type:        protocol.EventType(ev.Type),
				Item:        &item,
				ItemID:      item.ID,
				OutputIndex: int(ev.OutputIndex),
			})

		case protocol.EventOutputTextDelta,
			protocol.EventReasoningDelta,
			protocol.EventReasoningSummaryTextDelta:
			sink.Emit(protocol.ResponseEvent{
				Type:        protocol.EventType(ev.Type),
				ItemID:      ev.ItemID,
				OutputIndex: int(ev.OutputIndex),
				Delta:       ev.Delta,
			})

		case protocol.EventOutputTextDone,
			protocol.EventReasoningDone,
			protocol.EventReasoningSummaryTextDone:
			sink.Emit(protocol.ResponseEvent{
				Type:        protocol.EventType(ev.Type),
				ItemID:      ev.ItemID,
				OutputIndex: int(ev.OutputIndex),
				Text:        ev.Text,
			})

		case protocol.EventResponseCompleted:
			items, finish := parseResponsesOutput(ev.Response.Output)
			final = &protocol.CreateResponseResponse{
				ID:           ev.Response.ID,
				Model:        req.Model,
				Status:       protocol.StatusCompleted,
				Output:       items,
				FinishReason: finish,
				Usage:        protocol.NewUsage(int(ev.Response.Usage.InputTokens), int(ev.Response.Usage.OutputTokens)),
			}
			sawTerminal = true
			sink.Emit(protocol.ResponseEvent{Type: protocol.EventResponseCompleted, Response: final})

		case protocol.EventResponseFailed:
			sawTerminal = true
			err := protocol.NewTransportError("vendor_failed", "%s response failed: %s", c.key, ev.Response.Error.Message)
			if created {
				emitFailure(sink, ev.Response.ID, err)
			} else {
				emitFailed(sink, ev.Response.ID, err)
			}
			return nil, err

		default:
			// Vendor event types outside the canonical grammar (content
			// part bookkeeping, audio, etc.) are dropped.
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := classifyOpenAIError(c.key, err)
		if !sawTerminal {
			if created {
				emitFailure(sink, "", wrapped)
			} else {
				emitFailed(sink, "", wrapped)
			}
		}
		return nil, wrapped
	}
	if !sawTerminal || final == nil {
		err := protocol.NewProtocolError("stream_truncated", "%s stream ended without a terminal event", c.key)
		if created {
			emitFailure(sink, "", err)
		} else {
			emitFailed(sink, "", err)
		}
		return nil, err
	}
	return final, nil
}

func (c *OpenAIClient) buildResponsesParams(req protocol.CreateResponseRequest) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: buildResponsesInput(req.Input),
		},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = buildResponsesTools(req.Tools)
	}
	if req.ToolChoice != "" {
		params.ToolChoice = buildResponsesToolChoice(req.ToolChoice)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = buildMetadata(req.Metadata)
	}
	return params
}

// buildResponsesToolChoice maps the canonical tool_choice to the Responses
// union: the mode strings pass through, anything else names a function.
func buildResponsesToolChoice(choice string) responses.ResponseNewParamsToolChoiceUnion {
	switch choice {
	case "auto", "none", "required":
		return responses.ResponseNewParamsToolChoiceUnion{
			OfToolChoiceMode: param.NewOpt(responses.ToolChoiceOptions(choice)),
		}
	default:
		return responses.ResponseNewParamsToolChoiceUnion{
			OfFunctionTool: &responses.ToolChoiceFunctionParam{Name: choice},
		}
	}
}

func buildMetadata(meta map[string]string) shared.Metadata {
	out := make(shared.Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// buildResponsesInput converts canonical items to Responses API input items.
func buildResponsesInput(items []protocol.ResponseItem) responses.ResponseInputParam {
	input := make(responses.ResponseInputParam, 0, len(items))

	for _, it := range items {
		switch it.Type {
		case protocol.ItemTypeMessage:
			if it.Role == protocol.RoleAssistant {
				input = append(input, responses.ResponseInputItemUnionParam{
					OfOutputMessage: &responses.ResponseOutputMessageParam{
						Content: []responses.ResponseOutputMessageContentUnionParam{{
							OfOutputText: &responses.ResponseOutputTextParam{
								Text:        it.TextContent(),
								Annotations: []responses.ResponseOutputTextAnnotationUnionParam{},
							},
						}},
						Status: responses.ResponseOutputMessageStatusCompleted,
					},
				})
				continue
			}
			role := responses.EasyInputMessageRoleUser
			switch it.Role {
			case protocol.RoleSystem:
				role = responses.EasyInputMessageRoleSystem
			case protocol.RoleDeveloper:
				role = responses.EasyInputMessageRoleDeveloper
			}
			input = append(input, responses.ResponseInputItemUnionParam{
				OfMessage: &responses.EasyInputMessageParam{
					Role: role,
					Content: responses.EasyInputMessageContentUnionParam{
						OfString: openai.String(it.TextContent()),
					},
				},
			})

		case protocol.ItemTypeFunctionCall:
			input = append(input, responses.ResponseInputItemUnionParam{
				OfFunctionCall: &responses.ResponseFunctionToolCallParam{
					CallID:    it.CallID,
					Name:      it.Name,
					Arguments: it.Arguments,
				},
			})

		case protocol.ItemTypeFunctionCallOutput:
			input = append(input, responses.ResponseInputItemUnionParam{
				OfFunctionCallOutput: &responses.ResponseInputItemFunctionCallOutputParam{
					CallID: it.CallID,
					Output: responses.ResponseInputItemFunctionCallOutputOutputUnionParam{
						OfString: openai.String(it.Output),
					},
				},
			})

		default:
			// Reasoning items are not replayed to the vendor.
		}
	}
	return input
}

func buildResponsesTools(tools []protocol.Tool) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params := protocol.HardenToolParameters(t.Parameters)
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

// parseResponsesOutput converts Responses API output items to canonical
// items, using flat union fields rather than the As* accessors.
func parseResponsesOutput(output []responses.ResponseOutputItemUnion) ([]protocol.ResponseItem, protocol.FinishReason) {
	var items []protocol.ResponseItem
	hasCalls := false

	for _, out := range output {
		item := convertResponsesItem(out)
		switch item.Type {
		case protocol.ItemTypeFunctionCall:
			hasCalls = true
			items = append(items, item)
		case protocol.ItemTypeMessage:
			if len(item.Content) > 0 {
				items = append(items, item)
			}
		case protocol.ItemTypeReasoning:
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		items = append(items, protocol.AssistantMessage(""))
	}
	finish := protocol.FinishReasonStop
	if hasCalls {
		finish = protocol.FinishReasonToolCalls
	}
	return items, finish
}

func convertResponsesItem(out responses.ResponseOutputItemUnion) protocol.ResponseItem {
	switch out.Type {
	case "message":
		var parts []protocol.ContentPart
		for _, content := range out.Content {
			switch content.Type {
			case "output_text":
				parts = append(parts, protocol.ContentPart{Type: protocol.PartOutputText, Text: content.Text})
			case "refusal":
				parts = append(parts, protocol.ContentPart{Type: protocol.PartRefusal, Text: content.Refusal})
			}
		}
		return protocol.ResponseItem{
			Type:    protocol.ItemTypeMessage,
			ID:      out.ID,
			Role:    protocol.RoleAssistant,
			Content: parts,
		}

	case "function_call":
		return protocol.ResponseItem{
			Type:      protocol.ItemTypeFunctionCall,
			ID:        out.ID,
			CallID:    out.CallID,
			Name:      out.Name,
			Arguments: out.Arguments,
		}

	case "reasoning":
		var summary []protocol.ContentPart
		for _, s := range out.Summary {
			summary = append(summary, protocol.ContentPart{Type: protocol.PartSummaryText, Text: s.Text})
		}
		return protocol.ResponseItem{
			Type:             protocol.ItemTypeReasoning,
			ID:               out.ID,
			Summary:          summary,
			EncryptedContent: out.EncryptedContent,
		}

	default:
		return protocol.ResponseItem{Type: protocol.ItemTypeMessage, ID: out.ID, Role: protocol.RoleAssistant}
	}
}

// --- legacy chat completions surface --------------------------------------

func (c *OpenAIClient) chatCall(ctx context.Context, req protocol.CreateResponseRequest) (*protocol.CreateResponseResponse, error) {
	params := c.buildChatParams(req)

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(c.key, err)
	}
	if len(resp.Choices) == 0 {
		return nil, protocol.NewProtocolError("empty_choices", "%s chat completion returned no choices", c.key)
	}

	choice := resp.Choices[0]
	var items []protocol.ResponseItem
	if choice.Message.Content != "" {
		items = append(items, protocol.AssistantMessage(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		items = append(items, protocol.ResponseItem{
			Type:      protocol.ItemTypeFunctionCall,
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if len(items) == 0 {
		items = append(items, protocol.AssistantMessage(""))
	}

	return &protocol.CreateResponseResponse{
		ID:           resp.ID,
		Model:        req.Model,
		Status:       protocol.StatusCompleted,
		Output:       items,
		FinishReason: protocol.ParseFinishReason(string(choice.FinishReason)),
		Usage:        protocol.NewUsage(int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)),
	}, nil
}

// chatStream accumulates delta.content text and partial tool-call argument
// fragments keyed by stream index, materializing complete tool calls only
// once the vendor stream ends.
func (c *OpenAIClient) chatStream(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	params := c.buildChatParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := newChatAccumulator()
	var (
		responseID   string
		finishReason string
		usage        *protocol.Usage
		created      bool
		sawFinish    bool
	)

	for stream.Next() {
		chunk := stream.Current()
		if responseID == "" {
			responseID = chunk.ID
		}
		if !created {
			created = true
			sink.Emit(protocol.ResponseEvent{
				Type: protocol.EventResponseCreated,
				Response: &protocol.CreateResponseResponse{
					ID:     responseID,
					Model:  req.Model,
					Status: protocol.StatusInProgress,
				},
			})
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = protocol.NewUsage(int(chunk.Usage.PromptTokens), int(chunk.Usage.CompletionTokens))
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			acc.addText(choice.Delta.Content)
			sink.Emit(protocol.ResponseEvent{
				Type:  protocol.EventOutputTextDelta,
				Delta: choice.Delta.Content,
			})
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.addToolDelta(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
			sawFinish = true
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := classifyOpenAIError(c.key, err)
		if created {
			emitFailure(sink, responseID, wrapped)
		} else {
			emitFailed(sink, responseID, wrapped)
		}
		return nil, wrapped
	}
	if !created || !sawFinish {
		err := protocol.NewProtocolError("stream_truncated", "%s chat stream ended without a finish reason", c.key)
		if created {
			emitFailure(sink, responseID, err)
		} else {
			emitFailed(sink, responseID, err)
		}
		return nil, err
	}

	items := acc.items()
	finish := protocol.ParseFinishReason(finishReason)
	if len(acc.calls) > 0 {
		finish = protocol.FinishReasonToolCalls
	}
	final := &protocol.CreateResponseResponse{
		ID:           responseID,
		Model:        req.Model,
		Status:       protocol.StatusCompleted,
		Output:       items,
		FinishReason: finish,
		Usage:        usage,
	}

	if acc.text != "" {
		sink.Emit(protocol.ResponseEvent{Type: protocol.EventOutputTextDone, Text: acc.text})
	}
	sink.Emit(protocol.ResponseEvent{Type: protocol.EventResponseCompleted, Response: final})
	return final, nil
}

func (c *OpenAIClient) buildChatParams(req protocol.CreateResponseRequest) openai.ChatCompletionNewParams {
	msgs := protocol.ResponseItemsToChatMessages(req.Input, req.Instructions)

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: buildChatMessages(msgs),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = buildChatTools(req.Tools)
	}
	if req.ToolChoice != "" {
		params.ToolChoice = buildChatToolChoice(req.ToolChoice)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = buildMetadata(req.Metadata)
	}
	return params
}

// buildChatToolChoice maps the canonical tool_choice onto the chat union.
func buildChatToolChoice(choice string) openai.ChatCompletionToolChoiceOptionUnionParam {
	switch choice {
	case "auto", "none", "required":
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(choice),
		}
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice},
			},
		}
	}
}

func buildChatMessages(msgs []protocol.ModelMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleSystem, protocol.RoleDeveloper:
			out = append(out, openai.SystemMessage(m.Text()))

		case protocol.RoleUser:
			out = append(out, openai.UserMessage(m.Text()))

		case protocol.RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if m.Content != nil {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(*m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})

		case protocol.RoleTool:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					ToolCallID: m.ToolCallID,
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(m.Text()),
					},
				},
			})
		}
	}
	return out
}

func buildChatTools(tools []protocol.Tool) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params := protocol.HardenToolParameters(t.Parameters)
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  shared.FunctionParameters(params),
				},
			},
		})
	}
	return out
}

// chatAccumulator assembles a streamed chat completion: text in arrival
// order, tool calls keyed by stream index with argument fragments
// concatenated.
type chatAccumulator struct {
	text  string
	calls map[int64]*partialToolCall
}

type partialToolCall struct {
	id   string
	name string
	args string
}

func newChatAccumulator() *chatAccumulator {
	return &chatAccumulator{calls: make(map[int64]*partialToolCall)}
}

func (a *chatAccumulator) addText(delta string) { a.text += delta }

func (a *chatAccumulator) addToolDelta(index int64, id, name, args string) {
	call, ok := a.calls[index]
	if !ok {
		call = &partialToolCall{}
		a.calls[index] = call
	}
	if id != "" {
		call.id = id
	}
	if name != "" {
		call.name = name
	}
	call.args += args
}

// items materializes the accumulated output as canonical items, tool calls
// in stream-index order.
func (a *chatAccumulator) items() []protocol.ResponseItem {
	var items []protocol.ResponseItem
	if a.text != "" {
		items = append(items, protocol.AssistantMessage(a.text))
	}

	indexes := make([]int64, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, i := range indexes {
		call := a.calls[i]
		args := call.args
		if args == "" {
			args = "{}"
		}
		items = append(items, protocol.ResponseItem{
			Type:      protocol.ItemTypeFunctionCall,
			CallID:    call.id,
			Name:      call.name,
			Arguments: args,
		})
	}
	if len(items) == 0 {
		items = append(items, protocol.AssistantMessage(""))
	}
	return items
}

// classifyOpenAIError wraps SDK errors with the vendor status attached.
func classifyOpenAIError(key Key, err error) error {
	if apiErr, ok := err.(*openai.Error); ok {
		return protocol.NewTransportError("http_status", "%s request failed: %v", key, err).
			WithCause(err).
			WithDetail("status", apiErr.StatusCode)
	}
	return protocol.NewTransportError("request_failed", "%s request failed: %v", key, err).WithCause(err)
}
