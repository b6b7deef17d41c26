package protocol

// FinishReason indicates why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonLength    FinishReason = "length"
)

// ParseFinishReason maps a vendor stop reason onto the canonical set.
// Unrecognized reasons default to stop.
func ParseFinishReason(vendor string) FinishReason {
	switch vendor {
	case "tool_calls", "tool_use", "function_call":
		return FinishReasonToolCalls
	case "length", "max_tokens", "max_output_tokens":
		return FinishReasonLength
	default:
		return FinishReasonStop
	}
}

// ResponseStatus is the lifecycle status of a canonical response.
type ResponseStatus string

const (
	StatusInProgress ResponseStatus = "in_progress"
	StatusCompleted  ResponseStatus = "completed"
	StatusFailed     ResponseStatus = "failed"
	StatusCancelled  ResponseStatus = "cancelled"
)

// Usage tracks token consumption. Both naming conventions are populated so
// adapter-agnostic consumers can read either.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokensCamel int `json:"totalTokens"`
}

// NewUsage builds a Usage with every field populated from input/output
// counts.
func NewUsage(input, output int) *Usage {
	return &Usage{
		InputTokens:      input,
		OutputTokens:     output,
		TotalTokens:      input + output,
		PromptTokens:     input,
		CompletionTokens: output,
		TotalTokensCamel: input + output,
	}
}

// Tool declares a callable function to the model. Parameters is a
// JSON-Schema-like object tree; adapters harden it before sending.
type Tool struct {
	Type        string         `json:"type"` // always "function"
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionTool builds a function tool declaration.
func FunctionTool(name, description string, parameters map[string]any) Tool {
	return Tool{Type: "function", Name: name, Description: description, Parameters: parameters}
}

// CreateResponseRequest is the canonical request shape all adapters consume.
type CreateResponseRequest struct {
	Model        string         `json:"model"`
	Input        []ResponseItem `json:"input"`
	Instructions string         `json:"instructions,omitempty"`
	Tools        []Tool         `json:"tools,omitempty"`
	ToolChoice   string         `json:"tool_choice,omitempty"`
	Stream       bool           `json:"stream,omitempty"`

	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`

	// Params is an opaque vendor passthrough (e.g. reasoning effort for the
	// Codex adapter). Adapters read the keys they understand and ignore the
	// rest.
	Params   map[string]any    `json:"params,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// State is the prior session state, when one exists. Stateful adapters
	// read resume handles out of State.Meta and report changes back through
	// CreateResponseResponse.UpdatedState; the request copy is never mutated.
	State *SavedState `json:"state,omitempty"`
}

// ResponseError describes a failed response.
type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// CreateResponseResponse is the canonical completed (or failed) response.
type CreateResponseResponse struct {
	ID     string         `json:"id"`
	Model  string         `json:"model,omitempty"`
	Status ResponseStatus `json:"status"`

	Output       []ResponseItem `json:"output"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Error        *ResponseError `json:"error,omitempty"`

	// UpdatedState carries provider-driven state mutations (e.g. the Codex
	// thread id) back to the engine, which merges them into the session.
	UpdatedState *SavedState `json:"updatedState,omitempty"`
}

// OutputText concatenates every output_text part across output message items
// in item order.
func (r *CreateResponseResponse) OutputText() string {
	var out string
	for _, it := range r.Output {
		if it.Type != ItemTypeMessage {
			continue
		}
		for _, p := range it.Content {
			if p.Type == PartOutputText {
				out += p.Text
			}
		}
	}
	return out
}

// FunctionCalls returns the function_call items of the output in emission
// order.
func (r *CreateResponseResponse) FunctionCalls() []ResponseItem {
	var calls []ResponseItem
	for _, it := range r.Output {
		if it.Type == ItemTypeFunctionCall {
			calls = append(calls, it)
		}
	}
	return calls
}
