package provider

import (
	"github.com/gambitlabs/gambit/internal/protocol"
)

// emitEmulatedStream synthesizes the canonical event sequence for a vendor
// with no native streaming-Responses protocol. The full response is already
// known; the sequence mirrors a genuinely incremental vendor (one delta
// carrying the whole text) so downstream consumers cannot tell the
// difference:
//
//	created → in_progress → per item: output_item.added → content_part.added
//	→ output_text.delta → output_text.done → content_part.done
//	→ output_item.done → completed
func emitEmulatedStream(sink protocol.EventSink, resp *protocol.CreateResponseResponse) {
	if sink == nil {
		return
	}

	inProgress := &protocol.CreateResponseResponse{
		ID:     resp.ID,
		Model:  resp.Model,
		Status: protocol.StatusInProgress,
	}
	sink.Emit(protocol.ResponseEvent{Type: protocol.EventResponseCreated, Response: inProgress})
	sink.Emit(protocol.ResponseEvent{Type: protocol.EventResponseInProgress, Response: inProgress})

	for i := range resp.Output {
		item := resp.Output[i]
		sink.Emit(protocol.ResponseEvent{
			Type:        protocol.EventOutputItemAdded,
			Item:        &item,
			ItemID:      item.ID,
			OutputIndex: i,
		})

		if item.Type == protocol.ItemTypeMessage {
			if text := item.TextContent(); text != "" {
				part := &protocol.ContentPart{Type: protocol.PartOutputText}
				sink.Emit(protocol.ResponseEvent{
					Type:        protocol.EventContentPartAdded,
					ItemID:      item.ID,
					OutputIndex: i,
					Part:        part,
				})
				sink.Emit(protocol.ResponseEvent{
					Type:        protocol.EventOutputTextDelta,
					ItemID:      item.ID,
					OutputIndex: i,
					Delta:       text,
				})
				sink.Emit(protocol.ResponseEvent{
					Type:        protocol.EventOutputTextDone,
					ItemID:      item.ID,
					OutputIndex: i,
					Text:        text,
				})
				sink.Emit(protocol.ResponseEvent{
					Type:        protocol.EventContentPartDone,
					ItemID:      item.ID,
					OutputIndex: i,
					Part:        &protocol.ContentPart{Type: protocol.PartOutputText, Text: text},
				})
			}
		}

		sink.Emit(protocol.ResponseEvent{
			Type:        protocol.EventOutputItemDone,
			Item:        &item,
			ItemID:      item.ID,
			OutputIndex: i,
		})
	}

	sink.Emit(protocol.ResponseEvent{Type: protocol.EventResponseCompleted, Response: resp})
}

// emitFailed terminates a stream that never got past creation: it opens
// with response.created so the sequence stays well formed, then sends the
// terminal failure.
func emitFailed(sink protocol.EventSink, id string, err error) {
	if sink == nil {
		return
	}
	sink.Emit(protocol.ResponseEvent{
		Type: protocol.EventResponseCreated,
		Response: &protocol.CreateResponseResponse{
			ID:     id,
			Status: protocol.StatusInProgress,
		},
	})
	emitFailure(sink, id, err)
}

// emitFailure sends the terminal failure event for a stream that already
// opened with response.created.
func emitFailure(sink protocol.EventSink, id string, err error) {
	if sink == nil {
		return
	}
	sink.Emit(protocol.ResponseEvent{
		Type: protocol.EventResponseFailed,
		Response: &protocol.CreateResponseResponse{
			ID:     id,
			Status: protocol.StatusFailed,
			Error:  &protocol.ResponseError{Message: err.Error()},
		},
	})
}
