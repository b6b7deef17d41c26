// Package provider implements the vendor adapters. Each adapter translates
// canonical requests into one vendor's wire calls and the vendor's responses
// or streams back into canonical items and events.
//
// Every adapter honors the request context: an already-cancelled context
// fails fast before any network or process call. In streaming mode an
// adapter emits response.created before any delta and exactly one terminal
// event; a vendor stream that ends without a terminal signal is a protocol
// violation, never a silent success.
package provider

import (
	"context"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// Key names a configured adapter. The set is closed: adapters are resolved
// by an explicit router table, not plugin loading.
type Key string

const (
	KeyOpenAI     Key = "openai"
	KeyOpenRouter Key = "openrouter"
	KeyOllama     Key = "ollama"
	KeyGoogle     Key = "google"
	KeyAnthropic  Key = "anthropic"
	KeyCodex      Key = "codex-cli"
)

// Provider is the adapter contract. Responses performs one model invocation;
// when sink is non-nil the adapter streams canonical events into it while
// still returning the fully accumulated response.
type Provider interface {
	Key() Key
	Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error)
}

// Chat is the legacy surface, composed from Responses and the chat⇄items
// converters: the flat messages become canonical input, and the canonical
// output folds back into one assistant message.
func Chat(ctx context.Context, p Provider, model string, msgs []protocol.ModelMessage, tools []protocol.Tool) (protocol.ModelMessage, *protocol.CreateResponseResponse, error) {
	items, instructions := protocol.ChatMessagesToResponseItems(msgs)
	resp, err := p.Responses(ctx, protocol.CreateResponseRequest{
		Model:        model,
		Input:        items,
		Instructions: instructions,
		Tools:        tools,
	}, nil)
	if err != nil {
		return protocol.ModelMessage{}, nil, err
	}
	return protocol.ResponseItemsToChat(resp.Output), resp, nil
}

// checkContext fails fast when ctx is already cancelled, before the adapter
// spends anything on a wire call.
func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return protocol.NewCancelledError("request aborted before call: %v", err).WithCause(err)
	}
	return nil
}
