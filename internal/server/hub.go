package server

import (
	"sync"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// subscriberBuffer bounds how far a slow SSE client may lag before events
// are dropped for it.
const subscriberBuffer = 64

// TraceHub fans trace events out to SSE subscribers. Publish never blocks:
// a subscriber that cannot keep up loses events rather than stalling the
// engine.
type TraceHub struct {
	mu   sync.Mutex
	subs map[chan protocol.TraceEvent]struct{}
}

// NewTraceHub creates an empty hub.
func NewTraceHub() *TraceHub {
	return &TraceHub{subs: make(map[chan protocol.TraceEvent]struct{})}
}

// Publish delivers ev to every current subscriber.
func (h *TraceHub) Publish(ev protocol.TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new listener. The returned cancel function must be
// called when the listener goes away.
func (h *TraceHub) Subscribe() (<-chan protocol.TraceEvent, func()) {
	ch := make(chan protocol.TraceEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
