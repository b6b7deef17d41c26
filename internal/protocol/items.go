// Package protocol defines the canonical item/event model every provider
// adapter and the execution engine speak. Vendor wire formats are translated
// into these types at the adapter boundary; nothing in this package performs
// I/O.
package protocol

// ItemType discriminates the ResponseItem union.
type ItemType string

const (
	ItemTypeMessage            ItemType = "message"
	ItemTypeFunctionCall       ItemType = "function_call"
	ItemTypeFunctionCallOutput ItemType = "function_call_output"
	ItemTypeReasoning          ItemType = "reasoning"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the typed content parts of a message.
type PartType string

const (
	PartInputText     PartType = "input_text"
	PartOutputText    PartType = "output_text"
	PartSummaryText   PartType = "summary_text"
	PartReasoningText PartType = "reasoning_text"
	PartRefusal       PartType = "refusal"
	PartInputFile     PartType = "input_file"
	PartInputVideo    PartType = "input_video"
)

// ContentPart is one typed segment of message content.
type ContentPart struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	// URL is set for input_file / input_video parts.
	URL string `json:"url,omitempty"`
}

// ResponseItem is the canonical conversation element. Different fields are
// populated depending on Type:
//
//	message:              Role, Content
//	function_call:        CallID, Name, Arguments
//	function_call_output: CallID, Output
//	reasoning:            Content, Summary, EncryptedContent
//
// An ordered list of items forms a conversation. A function_call must be
// followed, somewhere later in the same conversation, by a
// function_call_output with the same CallID before the call is resolved.
type ResponseItem struct {
	Type ItemType `json:"type"`
	ID   string   `json:"id,omitempty"`

	Role    Role          `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // raw JSON string

	Output string `json:"output,omitempty"`

	Summary          []ContentPart `json:"summary,omitempty"`
	EncryptedContent string        `json:"encrypted_content,omitempty"`
}

// UserMessage builds a message item with a single input_text part.
func UserMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemTypeMessage,
		Role:    RoleUser,
		Content: []ContentPart{{Type: PartInputText, Text: text}},
	}
}

// AssistantMessage builds a message item with a single output_text part.
func AssistantMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemTypeMessage,
		Role:    RoleAssistant,
		Content: []ContentPart{{Type: PartOutputText, Text: text}},
	}
}

// FunctionCallOutput builds the output item resolving call_id.
func FunctionCallOutput(callID, output string) ResponseItem {
	return ResponseItem{
		Type:   ItemTypeFunctionCallOutput,
		CallID: callID,
		Output: output,
	}
}

// TextContent concatenates the textual parts of an item in order. Refusal and
// file parts are skipped.
func (it ResponseItem) TextContent() string {
	var out string
	for _, p := range it.Content {
		switch p.Type {
		case PartInputText, PartOutputText, PartSummaryText, PartReasoningText:
			out += p.Text
		}
	}
	return out
}

// UnresolvedCalls returns the call_ids of function_call items that have no
// matching function_call_output later in the conversation.
func UnresolvedCalls(items []ResponseItem) []string {
	resolved := make(map[string]bool)
	for _, it := range items {
		if it.Type == ItemTypeFunctionCallOutput {
			resolved[it.CallID] = true
		}
	}
	var pending []string
	for _, it := range items {
		if it.Type == ItemTypeFunctionCall && !resolved[it.CallID] {
			pending = append(pending, it.CallID)
		}
	}
	return pending
}
