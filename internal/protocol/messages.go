package protocol

// ModelMessage is the legacy flat chat representation. It is the native
// format of the chat-completions surface and a lossy view the canonical item
// list projects to and from.
type ModelMessage struct {
	Role    Role    `json:"role"`
	Content *string `json:"content"`

	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ChatToolCall  `json:"tool_calls,omitempty"`
}

// ChatToolCall is a chat-style tool invocation attached to an assistant
// message.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // always "function"
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall carries the function name and raw JSON arguments.
type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Text returns the message content, tolerating a nil pointer.
func (m ModelMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// StringPtr returns a pointer to s. Chat message content is nullable on the
// wire, so callers build messages with explicit pointers.
func StringPtr(s string) *string { return &s }
