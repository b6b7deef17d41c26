package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gambitlabs/gambit/internal/deck"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// injectionQueue buffers status messages produced by busy/idle handlers
// until the owning frame drains them into its conversation. Handlers race
// the model call, so the queue is the only cross-goroutine handoff.
type injectionQueue struct {
	mu    sync.Mutex
	items []protocol.ResponseItem
}

func newInjectionQueue() *injectionQueue {
	return &injectionQueue{}
}

func (q *injectionQueue) add(item protocol.ResponseItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *injectionQueue) drain() []protocol.ResponseItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// handlerInput describes the condition a handler is reacting to.
type handlerInput struct {
	condition string // busy, idle, error
	message   string
	code      string
}

func (h handlerInput) prompt() string {
	if h.message == "" {
		return h.condition
	}
	return fmt.Sprintf("%s: %s", h.condition, h.message)
}

// invokeHandler runs a handler deck as a nested invocation.
func (e *Engine) invokeHandler(ctx context.Context, inv invocation, h *deck.Handler, run *runState, in handlerInput) (*Result, error) {
	d, ok := e.library.Get(h.Path)
	if !ok {
		return nil, protocol.NewConfigError("unknown_deck", "handler deck %q is not in the library", h.Path)
	}
	args := map[string]any{"condition": in.condition}
	if in.message != "" {
		args["message"] = in.message
	}
	if in.code != "" {
		args["code"] = in.code
	}
	input := []protocol.ResponseItem{protocol.UserMessage(in.prompt())}
	frame := inv.child(h.Path, d, args)
	frame.supervisory = true
	return e.execute(ctx, frame, input, run)
}

// superviseBusy starts the busy timer for one model call. The handler
// fires after the call has been in flight for the configured delay,
// optionally repeating, and its result is queued as a status message. It
// never cancels the model call; the returned stop function ends the
// supervision once the call resolves.
//
// Firings are sequential per supervisor: a handler invocation that
// outlives its repeat interval delays the next firing rather than
// stacking. If both busy and idle handlers are due during one long call,
// each fires on its own timer; no relative order between them is promised.
func (e *Engine) superviseBusy(ctx context.Context, inv invocation, run *runState) func() {
	h := inv.deck.Handlers.OnBusy
	if h == nil {
		return func() {}
	}
	return supervise(func(stop <-chan struct{}) {
		if !sleep(ctx, stop, h.Delay()) {
			return
		}
		e.fireHandler(ctx, inv, h, run, "busy")
		for h.Repeat() > 0 {
			if !sleep(ctx, stop, h.Repeat()) {
				return
			}
			e.fireHandler(ctx, inv, h, run, "busy")
		}
	})
}

// superviseIdle starts the run-level idle timer: the handler fires when no
// model or tool progress has happened for the configured delay, and while
// the quiet spell persists it re-fires on the repeat interval. Spans the
// whole run, not one model call.
func (e *Engine) superviseIdle(ctx context.Context, inv invocation, run *runState) func() {
	h := inv.deck.Handlers.OnIdle
	if h == nil {
		return func() {}
	}
	return supervise(func(stop <-chan struct{}) {
		var lastFired int64 = -1
		for {
			remaining := h.Delay() - run.idleFor()
			if remaining > 0 {
				if !sleep(ctx, stop, remaining) {
					return
				}
				continue
			}
			// One-shot handlers fire once per quiet spell: re-arm only
			// after fresh activity.
			spell := run.lastActivity.Load()
			if h.Repeat() == 0 && spell == lastFired {
				if !sleep(ctx, stop, h.Delay()) {
					return
				}
				continue
			}
			e.fireHandler(ctx, inv, h, run, "idle")
			lastFired = spell

			wait := h.Repeat()
			if wait == 0 {
				wait = h.Delay()
			}
			if !sleep(ctx, stop, wait) {
				return
			}
		}
	})
}

// supervise runs loop in a goroutine and returns a stop function that
// blocks until the loop has exited.
func supervise(loop func(stop <-chan struct{})) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop(stop)
	}()
	return func() {
		close(stop)
		<-done
	}
}

// sleep waits for d, reporting false when stopped or cancelled first.
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// fireHandler runs one busy/idle firing. Failures are logged and
// swallowed; supervisory handlers never take down the primary call.
func (e *Engine) fireHandler(ctx context.Context, inv invocation, h *deck.Handler, run *runState, condition string) {
	e.metrics.HandlerFires.WithLabelValues(condition).Inc()
	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceMonolog, Deck: inv.path, Depth: inv.depth, Message: condition})

	result, err := e.invokeHandler(ctx, inv, h, run, handlerInput{condition: condition})
	if err != nil {
		e.log.Warn("handler failed", "condition", condition, "deck", h.Path, "err", err)
		return
	}
	text := result.Text()
	if text == "" {
		text = fmt.Sprintf("%s handler %s resolved with status %s", condition, h.Path, result.Status)
	}
	inv.injections.add(protocol.UserMessage(text))
}
