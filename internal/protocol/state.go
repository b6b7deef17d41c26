package protocol

import "time"

// MetaCodexThreadID is the SavedState meta key the Codex adapter uses to
// resume a vendor-side thread instead of replaying the transcript.
const MetaCodexThreadID = "codex.threadId"

// SavedState is the per-session record owned by the execution engine during a
// run and persisted after each state-changing step. A state handle has a
// single writer; nested invocations work on in-memory copies that the
// top-level supervisor merges.
type SavedState struct {
	RunID    string         `json:"runId,omitempty"`
	Messages []ModelMessage `json:"messages,omitempty"`
	Format   string         `json:"format,omitempty"`
	Items    []ResponseItem `json:"items,omitempty"`

	MessageRefs []string     `json:"messageRefs,omitempty"`
	Feedback    string       `json:"feedback,omitempty"`
	Traces      []TraceEvent `json:"traces,omitempty"`

	// Meta holds provider-specific keys (e.g. "codex.threadId"). Unknown
	// keys are preserved for forward compatibility.
	Meta map[string]string `json:"meta,omitempty"`

	Notes             string   `json:"notes,omitempty"`
	ConversationScore *float64 `json:"conversationScore,omitempty"`
}

// Clone returns a deep copy safe for a nested invocation to extend.
func (s *SavedState) Clone() *SavedState {
	if s == nil {
		return &SavedState{}
	}
	out := *s
	out.Messages = append([]ModelMessage(nil), s.Messages...)
	out.Items = append([]ResponseItem(nil), s.Items...)
	out.MessageRefs = append([]string(nil), s.MessageRefs...)
	out.Traces = append([]TraceEvent(nil), s.Traces...)
	if s.Meta != nil {
		out.Meta = make(map[string]string, len(s.Meta))
		for k, v := range s.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// SetMeta writes a meta key, allocating the map on first use.
func (s *SavedState) SetMeta(key, value string) {
	if s.Meta == nil {
		s.Meta = make(map[string]string)
	}
	s.Meta[key] = value
}

// MergeMeta copies every key of other.Meta into s, preserving unrelated keys.
func (s *SavedState) MergeMeta(other *SavedState) {
	if other == nil {
		return
	}
	for k, v := range other.Meta {
		s.SetMeta(k, v)
	}
}

// TraceEventType discriminates trace events.
type TraceEventType string

const (
	TraceRunStart    TraceEventType = "run.start"
	TraceRunEnd      TraceEventType = "run.end"
	TraceDeckStart   TraceEventType = "deck.start"
	TraceDeckEnd     TraceEventType = "deck.end"
	TraceActionStart TraceEventType = "action.start"
	TraceActionEnd   TraceEventType = "action.end"
	TraceToolCall    TraceEventType = "tool.call"
	TraceToolResult  TraceEventType = "tool.result"
	TraceModelCall   TraceEventType = "model.call"
	TraceModelResult TraceEventType = "model.result"
	TraceLog         TraceEventType = "log"
	TraceMonolog     TraceEventType = "monolog"
)

// TraceEvent is one observability record. Events are append-only per run;
// ordering reflects emission order, not wall-clock order across concurrent
// branches.
type TraceEvent struct {
	Type TraceEventType `json:"type"`
	Time time.Time      `json:"time"`

	RunID  string `json:"runId,omitempty"`
	Deck   string `json:"deck,omitempty"`
	Depth  int    `json:"depth,omitempty"`
	CallID string `json:"callId,omitempty"`
	Name   string `json:"name,omitempty"`

	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
