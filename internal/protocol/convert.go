package protocol

// ChatMessagesToResponseItems projects the legacy flat-message view onto the
// canonical item list. System and developer messages are lifted out of the
// conversation and concatenated into the returned instructions string.
//
// The projection is lossy in segmentation but preserves textual content and
// tool-call linkage: chat→items→chat is idempotent on both.
func ChatMessagesToResponseItems(msgs []ModelMessage) ([]ResponseItem, string) {
	var items []ResponseItem
	var instructions string

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleDeveloper:
			if text := m.Text(); text != "" {
				if instructions != "" {
					instructions += "\n\n"
				}
				instructions += text
			}

		case RoleUser:
			items = append(items, UserMessage(m.Text()))

		case RoleAssistant:
			if text := m.Text(); text != "" {
				items = append(items, AssistantMessage(text))
			}
			for _, tc := range m.ToolCalls {
				items = append(items, ResponseItem{
					Type:      ItemTypeFunctionCall,
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}

		case RoleTool:
			items = append(items, FunctionCallOutput(m.ToolCallID, m.Text()))
		}
	}

	return items, instructions
}

// ResponseItemsToChatMessages projects canonical items back onto the flat
// chat view. A non-empty instructions string becomes a synthesized system
// message at the head of the list. Consecutive function_call items are
// grouped into a single assistant message so vendors that require tool calls
// attached to one turn accept the result.
func ResponseItemsToChatMessages(items []ResponseItem, instructions string) []ModelMessage {
	var msgs []ModelMessage
	if instructions != "" {
		msgs = append(msgs, ModelMessage{Role: RoleSystem, Content: StringPtr(instructions)})
	}

	i := 0
	for i < len(items) {
		it := items[i]
		switch it.Type {
		case ItemTypeMessage:
			role := it.Role
			if role == "" {
				role = RoleUser
			}
			msgs = append(msgs, ModelMessage{Role: role, Content: StringPtr(it.TextContent())})
			i++

		case ItemTypeFunctionCall:
			var calls []ChatToolCall
			for i < len(items) && items[i].Type == ItemTypeFunctionCall {
				calls = append(calls, ChatToolCall{
					ID:   items[i].CallID,
					Type: "function",
					Function: ChatFunctionCall{
						Name:      items[i].Name,
						Arguments: items[i].Arguments,
					},
				})
				i++
			}
			msgs = append(msgs, ModelMessage{Role: RoleAssistant, Content: nil, ToolCalls: calls})

		case ItemTypeFunctionCallOutput:
			msgs = append(msgs, ModelMessage{
				Role:       RoleTool,
				Content:    StringPtr(it.Output),
				ToolCallID: it.CallID,
			})
			i++

		default:
			// Reasoning items have no chat representation.
			i++
		}
	}

	return msgs
}

// ResponseItemsToChat folds canonical output items into one assistant
// ModelMessage: all output_text parts concatenated in item order, every
// function_call gathered into ToolCalls.
func ResponseItemsToChat(output []ResponseItem) ModelMessage {
	var text string
	var calls []ChatToolCall

	for _, it := range output {
		switch it.Type {
		case ItemTypeMessage:
			for _, p := range it.Content {
				if p.Type == PartOutputText {
					text += p.Text
				}
			}
		case ItemTypeFunctionCall:
			calls = append(calls, ChatToolCall{
				ID:   it.CallID,
				Type: "function",
				Function: ChatFunctionCall{
					Name:      it.Name,
					Arguments: it.Arguments,
				},
			})
		}
	}

	msg := ModelMessage{Role: RoleAssistant, ToolCalls: calls}
	if text != "" || len(calls) == 0 {
		msg.Content = StringPtr(text)
	}
	return msg
}
