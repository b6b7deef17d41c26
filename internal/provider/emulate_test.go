package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// eventRecorder collects every event a sink receives.
type eventRecorder struct {
	events []protocol.ResponseEvent
}

func (r *eventRecorder) sink() protocol.EventSink {
	return func(ev protocol.ResponseEvent) { r.events = append(r.events, ev) }
}

func (r *eventRecorder) types() []protocol.EventType {
	out := make([]protocol.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// assertStreamContract checks the invariants every adapter stream must
// satisfy: exactly one created, exactly one terminal event placed last, and
// added/done pairing per item id.
func assertStreamContract(t *testing.T, events []protocol.ResponseEvent) {
	t.Helper()
	require.NotEmpty(t, events)
	assert.Equal(t, protocol.EventResponseCreated, events[0].Type)

	var created, terminal int
	added := map[string]int{}
	done := map[string]int{}
	for i, ev := range events {
		switch ev.Type {
		case protocol.EventResponseCreated:
			created++
		case protocol.EventResponseCompleted, protocol.EventResponseFailed:
			terminal++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		case protocol.EventOutputItemAdded:
			added[ev.ItemID]++
		case protocol.EventOutputItemDone:
			done[ev.ItemID]++
			assert.Positive(t, added[ev.ItemID], "done before added for item %q", ev.ItemID)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, terminal)
	assert.Equal(t, added, done)
}

func TestEmitEmulatedStreamSequence(t *testing.T) {
	resp := &protocol.CreateResponseResponse{
		ID:     "resp_1",
		Model:  "gemini-2.0-flash",
		Status: protocol.StatusCompleted,
		Output: []protocol.ResponseItem{
			protocol.AssistantMessage("Hello"),
			{Type: protocol.ItemTypeFunctionCall, CallID: "call_1", Name: "lookup", Arguments: "{}"},
		},
	}

	rec := &eventRecorder{}
	emitEmulatedStream(rec.sink(), resp)

	assertStreamContract(t, rec.events)
	assert.Equal(t, []protocol.EventType{
		protocol.EventResponseCreated,
		protocol.EventResponseInProgress,
		protocol.EventOutputItemAdded,
		protocol.EventContentPartAdded,
		protocol.EventOutputTextDelta,
		protocol.EventOutputTextDone,
		protocol.EventContentPartDone,
		protocol.EventOutputItemDone,
		protocol.EventOutputItemAdded,
		protocol.EventOutputItemDone,
		protocol.EventResponseCompleted,
	}, rec.types())

	// Accumulated deltas must equal the final text.
	var acc string
	for _, ev := range rec.events {
		if ev.Type == protocol.EventOutputTextDelta {
			acc += ev.Delta
		}
	}
	assert.Equal(t, "Hello", acc)
}

func TestEmitEmulatedStreamNilSink(t *testing.T) {
	// Must not panic.
	emitEmulatedStream(nil, &protocol.CreateResponseResponse{ID: "resp_1"})
	emitFailed(nil, "resp_1", assert.AnError)
}

func TestEmitFailedOpensAndTerminates(t *testing.T) {
	rec := &eventRecorder{}
	emitFailed(rec.sink(), "resp_1", assert.AnError)

	assertStreamContract(t, rec.events)
	require.Len(t, rec.events, 2)
	assert.Equal(t, protocol.EventResponseCreated, rec.events[0].Type)
	assert.Equal(t, protocol.EventResponseFailed, rec.events[1].Type)
	assert.True(t, rec.events[1].Terminal())
	require.NotNil(t, rec.events[1].Response.Error)
	assert.Contains(t, rec.events[1].Response.Error.Message, assert.AnError.Error())
}

func TestEmitFailureIsTerminalOnly(t *testing.T) {
	rec := &eventRecorder{}
	emitFailure(rec.sink(), "resp_1", assert.AnError)

	require.Len(t, rec.events, 1)
	assert.Equal(t, protocol.EventResponseFailed, rec.events[0].Type)
	assert.True(t, rec.events[0].Terminal())
}
