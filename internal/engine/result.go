package engine

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// Result statuses. End marks the whole-session stop sentinel.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusEnd   = "end"
)

// Result is the structured envelope every invocation resolves to, whether
// it finished normally, through a control tool, or through an error
// handler.
type Result struct {
	Status  string         `json:"status" mapstructure:"status"`
	Code    string         `json:"code,omitempty" mapstructure:"code"`
	Message string         `json:"message,omitempty" mapstructure:"message"`
	Payload any            `json:"payload,omitempty" mapstructure:"payload"`
	Meta    map[string]any `json:"meta,omitempty" mapstructure:"meta"`
}

// OK reports whether the invocation resolved without a failure status.
func (r *Result) OK() bool { return r.Status != StatusError }

// End reports whether the result is the session stop sentinel.
func (r *Result) End() bool { return r.Status == StatusEnd }

// Text returns the payload as a string when it is one.
func (r *Result) Text() string {
	if s, ok := r.Payload.(string); ok {
		return s
	}
	return ""
}

// textResult wraps a plain assistant message as a normal completion.
func textResult(text string) *Result {
	return &Result{Status: StatusOK, Payload: text}
}

// degradedResult converts an error into a structured envelope instead of a
// propagating failure.
func degradedResult(code string, err error) *Result {
	return &Result{Status: StatusError, Code: code, Message: err.Error()}
}

// resultFromArgs decodes a control-tool argument payload into a Result.
// Unparsable arguments decode as the empty object rather than failing the
// turn.
func resultFromArgs(arguments string) *Result {
	raw := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
			raw = map[string]any{}
		}
	}
	return resultFromMap(raw)
}

// resultFromMap decodes a loose map into the envelope. Unknown keys land in
// Meta so callers keep forward compatibility with richer envelopes.
func resultFromMap(raw map[string]any) *Result {
	var out Result
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata: &md,
		Result:   &out,
	})
	if err == nil {
		err = dec.Decode(raw)
	}
	if err != nil {
		return &Result{Status: StatusOK, Payload: raw}
	}
	for _, key := range md.Unused {
		if out.Meta == nil {
			out.Meta = map[string]any{}
		}
		out.Meta[key] = raw[key]
	}
	if out.Status == "" {
		out.Status = StatusOK
	}
	return &out
}

// envelope serializes the result as the function_call_output payload a
// parent conversation receives when a child invocation completes.
func (r *Result) envelope() string {
	wrapped := map[string]any{
		"tool":   protocol.ToolComplete,
		"status": r.Status,
	}
	if r.Code != "" {
		wrapped["code"] = r.Code
	}
	if r.Message != "" {
		wrapped["message"] = r.Message
	}
	if r.Payload != nil {
		wrapped["payload"] = r.Payload
	}
	if len(r.Meta) > 0 {
		wrapped["meta"] = r.Meta
	}
	raw, err := json.Marshal(wrapped)
	if err != nil {
		return `{"tool":"` + protocol.ToolComplete + `","status":"error","code":"encode_failed"}`
	}
	return string(raw)
}
