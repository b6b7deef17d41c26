package protocol

// EventType discriminates the ResponseEvent union. Event names mirror the
// incremental construction of a response: for any item, added precedes its
// delta events, which precede done; completed/failed is terminal and exactly
// one is emitted per request.
type EventType string

const (
	EventResponseCreated    EventType = "response.created"
	EventResponseInProgress EventType = "response.in_progress"
	EventResponseCompleted  EventType = "response.completed"
	EventResponseFailed     EventType = "response.failed"

	EventOutputItemAdded EventType = "response.output_item.added"
	EventOutputItemDone  EventType = "response.output_item.done"

	EventContentPartAdded EventType = "response.content_part.added"
	EventContentPartDone  EventType = "response.content_part.done"

	EventOutputTextDelta EventType = "response.output_text.delta"
	EventOutputTextDone  EventType = "response.output_text.done"

	EventReasoningDelta EventType = "response.reasoning.delta"
	EventReasoningDone  EventType = "response.reasoning.done"

	EventReasoningSummaryTextDelta EventType = "response.reasoning_summary_text.delta"
	EventReasoningSummaryTextDone  EventType = "response.reasoning_summary_text.done"

	EventReasoningSummaryPartAdded EventType = "response.reasoning_summary_part.added"
	EventReasoningSummaryPartDone  EventType = "response.reasoning_summary_part.done"
)

// ResponseEvent is one streaming progress event. Fields are populated
// depending on Type: Response for lifecycle events, Item/ItemID for item
// events, Delta/Text for text events.
type ResponseEvent struct {
	Type EventType `json:"type"`

	Response *CreateResponseResponse `json:"response,omitempty"`

	Item        *ResponseItem `json:"item,omitempty"`
	ItemID      string        `json:"item_id,omitempty"`
	OutputIndex int           `json:"output_index,omitempty"`

	ContentIndex int    `json:"content_index,omitempty"`
	Delta        string `json:"delta,omitempty"`
	Text         string `json:"text,omitempty"`

	Part *ContentPart `json:"part,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e ResponseEvent) Terminal() bool {
	return e.Type == EventResponseCompleted || e.Type == EventResponseFailed
}

// EventSink receives streaming events. A nil sink disables streaming;
// adapters must tolerate it. Sinks are invoked synchronously from the
// adapter's streaming goroutine and should not block.
type EventSink func(ResponseEvent)

// Emit forwards ev when the sink is non-nil.
func (s EventSink) Emit(ev ResponseEvent) {
	if s != nil {
		s(ev)
	}
}
