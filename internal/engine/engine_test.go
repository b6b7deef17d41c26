package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gambitlabs/gambit/internal/deck"
	"github.com/gambitlabs/gambit/internal/protocol"
	"github.com/gambitlabs/gambit/internal/state"
)

// scriptedTurn is one canned model response.
type scriptedTurn struct {
	delay   time.Duration
	err     error
	output  []protocol.ResponseItem
	updated *protocol.SavedState
}

// scriptedModel returns canned turns per model name, in order; the last
// turn repeats. It honors context cancellation during a scripted delay.
type scriptedModel struct {
	mu    sync.Mutex
	turns map[string][]scriptedTurn
	calls map[string]int
	reqs  []protocol.CreateResponseRequest
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		turns: map[string][]scriptedTurn{},
		calls: map[string]int{},
	}
}

func (m *scriptedModel) script(model string, turns ...scriptedTurn) {
	m.turns[model] = turns
}

func (m *scriptedModel) callCount(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[model]
}

func (m *scriptedModel) Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	m.mu.Lock()
	turns := m.turns[req.Model]
	n := m.calls[req.Model]
	m.calls[req.Model]++
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	if len(turns) == 0 {
		return nil, protocol.NewConfigError("unscripted", "no script for model %q", req.Model)
	}
	turn := turns[min(n, len(turns)-1)]

	if turn.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, protocol.NewCancelledError("scripted call interrupted: %v", ctx.Err()).WithCause(ctx.Err())
		case <-time.After(turn.delay):
		}
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return &protocol.CreateResponseResponse{
		ID:           "resp_scripted",
		Model:        req.Model,
		Status:       protocol.StatusCompleted,
		Output:       turn.output,
		FinishReason: protocol.FinishReasonStop,
		Usage:        protocol.NewUsage(10, 5),
		UpdatedState: turn.updated,
	}, nil
}

func text(s string) scriptedTurn {
	return scriptedTurn{output: []protocol.ResponseItem{protocol.AssistantMessage(s)}}
}

func toolCall(callID, name, args string) protocol.ResponseItem {
	return protocol.ResponseItem{
		Type:      protocol.ItemTypeFunctionCall,
		CallID:    callID,
		Name:      name,
		Arguments: args,
	}
}

func library(t *testing.T, decks map[string]*deck.Deck) *deck.Library {
	t.Helper()
	lib := deck.NewLibrary()
	for path, d := range decks {
		require.NoError(t, lib.Add(path, d))
	}
	return lib
}

func TestRunPlainCompletion(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", text("Hello there."))
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})
	store := state.NewMemoryStore()
	e := New(lib, model, WithStore(store))

	out, err := e.Run(context.Background(), RunOptions{
		SessionID: "s1",
		Deck:      "root",
		Input:     "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Result.Status)
	assert.Equal(t, "Hello there.", out.Result.Text())

	persisted, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, out.RunID, persisted.RunID)
	require.Len(t, persisted.Items, 2)
	assert.Equal(t, protocol.RoleUser, persisted.Items[0].Role)
	assert.Equal(t, protocol.RoleAssistant, persisted.Items[1].Role)

	var types []protocol.TraceEventType
	for _, ev := range persisted.Traces {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, protocol.TraceRunStart)
	assert.Contains(t, types, protocol.TraceModelCall)
	assert.Contains(t, types, protocol.TraceModelResult)
}

func TestRunUnknownDeck(t *testing.T) {
	e := New(deck.NewLibrary(), newScriptedModel())
	_, err := e.Run(context.Background(), RunOptions{Deck: "missing", Input: "hi"})
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "unknown_deck", herr.Code)
}

func TestToolDispatchDeterministicOrder(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{
			toolCall("call_a", "slow_task", `{"n":1}`),
			toolCall("call_b", "fast_task", `{"n":2}`),
		}},
		text("combined"),
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:  "root",
			Model: "root-model",
			Actions: []deck.Action{
				{Name: "slow_task", Deck: "slow"},
				{Name: "fast_task", Deck: "fast"},
			},
		},
		"slow": {Name: "slow", Compute: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow done", nil
		}},
		"fast": {Name: "fast", Compute: func(ctx context.Context, args map[string]any) (any, error) {
			return "fast done", nil
		}},
	})
	e := New(lib, model)

	out, err := e.Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "combined", out.Result.Text())

	// Outputs re-attach in emission order even though fast finished first.
	var outputs []protocol.ResponseItem
	for _, it := range out.State.Items {
		if it.Type == protocol.ItemTypeFunctionCallOutput {
			outputs = append(outputs, it)
		}
	}
	require.Len(t, outputs, 2)
	assert.Equal(t, "call_a", outputs[0].CallID)
	assert.Equal(t, "call_b", outputs[1].CallID)
	assert.Contains(t, outputs[0].Output, "slow done")
	assert.Contains(t, outputs[1].Output, "fast done")
	assert.Contains(t, outputs[0].Output, protocol.ToolComplete)
}

func TestComputeDeckReceivesArgs(t *testing.T) {
	var got map[string]any
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{toolCall("call_1", "lookup", `{"id":42}`)}},
		text("done"),
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model", Actions: []deck.Action{{Name: "lookup", Deck: "lookup"}}},
		"lookup": {Name: "lookup", Compute: func(ctx context.Context, args map[string]any) (any, error) {
			got = args
			return "found", nil
		}},
	})
	_, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(42)}, got)
}

func TestUnparsableToolArgsBecomeEmptyObject(t *testing.T) {
	var got map[string]any
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{toolCall("call_1", "lookup", `{broken`)}},
		text("done"),
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model", Actions: []deck.Action{{Name: "lookup", Deck: "lookup"}}},
		"lookup": {Name: "lookup", Compute: func(ctx context.Context, args map[string]any) (any, error) {
			got = args
			return "found", nil
		}},
	})
	_, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got)
}

func TestUnknownToolDegradesToErrorEnvelope(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{toolCall("call_1", "nonexistent", "{}")}},
		text("recovered"),
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out.Result.Text())

	var envelope string
	for _, it := range out.State.Items {
		if it.Type == protocol.ItemTypeFunctionCallOutput {
			envelope = it.Output
		}
	}
	assert.Contains(t, envelope, "unknown_tool")
	assert.Contains(t, envelope, `"status":"error"`)
}

func TestDepthGuardrail(t *testing.T) {
	// recurse calls itself through an action chain; maxDepth 1 allows the
	// root and one child.
	model := newScriptedModel()
	model.script("recurse-model",
		scriptedTurn{output: []protocol.ResponseItem{toolCall("call_1", "again", "{}")}},
	)
	lib := library(t, map[string]*deck.Deck{
		"recurse": {
			Name:       "recurse",
			Model:      "recurse-model",
			Guardrails: deck.Guardrails{MaxDepth: 1},
			Actions:    []deck.Action{{Name: "again", Deck: "recurse"}},
		},
	})
	_, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "recurse", Input: "go"})
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, protocol.ErrKindGuardrail, herr.Kind)
	assert.Equal(t, "depth_exceeded", herr.Code)
	// The invocation at the exceeded depth never reached a model call:
	// root called once, child once, the grandchild none.
	assert.Equal(t, 2, model.callCount("recurse-model"))
}

func TestPassGuardrail(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{toolCall("call_1", "noop", "{}")}},
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:       "root",
			Model:      "root-model",
			Guardrails: deck.Guardrails{MaxPasses: 3},
			Actions:    []deck.Action{{Name: "noop", Deck: "noop"}},
		},
		"noop": {Name: "noop", Compute: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		}},
	})
	_, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "pass_limit", herr.Code)
	assert.Equal(t, 3, model.callCount("root-model"))
}

func TestTimeoutGuardrail(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", scriptedTurn{delay: time.Second, output: []protocol.ResponseItem{protocol.AssistantMessage("late")}})
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:       "root",
			Model:      "root-model",
			Guardrails: deck.Guardrails{TimeoutMs: 30},
		},
	})
	start := time.Now()
	_, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "timeout", herr.Code)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRespondToolShortCircuits(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{
			toolCall("call_1", protocol.ToolRespond, `{"status":"ok","payload":"structured answer","extra":"kept"}`),
		}},
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "structured answer", out.Result.Text())
	assert.Equal(t, "kept", out.Result.Meta["extra"])
	assert.Equal(t, 1, model.callCount("root-model"), "no further model round-trips")
}

func TestEndToolStopsSession(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{
			toolCall("call_1", protocol.ToolEnd, `{"message":"all done"}`),
		}},
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.True(t, out.Result.End())
	assert.Equal(t, "all done", out.Result.Message)
}

func TestContextToolAcknowledgedNotTerminal(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{toolCall("call_1", protocol.ToolContext, "{}")}},
		text("after context"),
	)
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "after context", out.Result.Text())
	assert.Equal(t, 2, model.callCount("root-model"))
}

func TestErrorHandlerReplacesFailure(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", scriptedTurn{err: protocol.NewTransportError("http_status", "vendor down")})
	model.script("rescue-model", text("handled gracefully"))
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:     "root",
			Model:    "root-model",
			Handlers: deck.Handlers{OnError: &deck.Handler{Path: "rescue"}},
		},
		"rescue": {Name: "rescue", Model: "rescue-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "handled gracefully", out.Result.Text())
}

func TestFailingErrorHandlerIsSwallowed(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", scriptedTurn{err: protocol.NewTransportError("http_status", "vendor down")})
	model.script("rescue-model", scriptedTurn{err: protocol.NewTransportError("http_status", "handler also down")})
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:     "root",
			Model:    "root-model",
			Handlers: deck.Handlers{OnError: &deck.Handler{Path: "rescue"}},
		},
		"rescue": {Name: "rescue", Model: "rescue-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err, "handler failure must not crash the parent run")
	assert.Equal(t, StatusError, out.Result.Status)
	assert.Equal(t, "http_status", out.Result.Code)
	assert.Contains(t, out.Result.Message, "vendor down")
}

func TestBusyHandlerInjectsStatusMessage(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", scriptedTurn{
		delay:  120 * time.Millisecond,
		output: []protocol.ResponseItem{protocol.AssistantMessage("finally")},
	})
	model.script("status-model", text("still working on it"))
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:     "root",
			Model:    "root-model",
			Handlers: deck.Handlers{OnBusy: &deck.Handler{Path: "status", DelayMs: 20}},
		},
		"status": {Name: "status", Model: "status-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)

	// The handler fired during the call without cancelling it, and its
	// result landed in the conversation.
	assert.Equal(t, "finally", out.Result.Text())
	assert.GreaterOrEqual(t, model.callCount("status-model"), 1)
	var injected bool
	for _, it := range out.State.Items {
		if it.Type == protocol.ItemTypeMessage && strings.Contains(it.TextContent(), "still working") {
			injected = true
		}
	}
	assert.True(t, injected)
}

func TestHandlerInjectionStaysInOwningFrame(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model",
		scriptedTurn{output: []protocol.ResponseItem{toolCall("call_1", "work", "{}")}},
		text("done"),
	)
	model.script("work-model",
		scriptedTurn{delay: 150 * time.Millisecond, output: []protocol.ResponseItem{toolCall("call_2", "noop", "{}")}},
		text("child done"),
	)
	model.script("nudge-model", text("anyone there?"))
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:     "root",
			Model:    "root-model",
			Actions:  []deck.Action{{Name: "work", Deck: "work"}},
			Handlers: deck.Handlers{OnIdle: &deck.Handler{Path: "nudge", DelayMs: 30}},
		},
		"work": {Name: "work", Model: "work-model", Actions: []deck.Action{{Name: "noop", Deck: "noop"}}},
		"noop": {Name: "noop", Compute: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		}},
		"nudge": {Name: "nudge", Model: "nudge-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Result.Text())
	require.GreaterOrEqual(t, model.callCount("nudge-model"), 1)

	// The nudge fired while the nested deck was mid-call, but it belongs to
	// the root frame: the nested deck's requests must never carry it.
	model.mu.Lock()
	for _, req := range model.reqs {
		if req.Model != "work-model" {
			continue
		}
		for _, it := range req.Input {
			assert.NotContains(t, it.TextContent(), "anyone there?")
		}
	}
	model.mu.Unlock()

	var rootGotIt bool
	for _, it := range out.State.Items {
		if it.Type == protocol.ItemTypeMessage && strings.Contains(it.TextContent(), "anyone there?") {
			rootGotIt = true
		}
	}
	assert.True(t, rootGotIt, "root conversation should carry the nudge")
}

func TestIdleOneShotDoesNotRearmItself(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", scriptedTurn{
		delay:  200 * time.Millisecond,
		output: []protocol.ResponseItem{protocol.AssistantMessage("done")},
	})
	model.script("nudge-model", text("anyone there?"))
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:     "root",
			Model:    "root-model",
			Handlers: deck.Handlers{OnIdle: &deck.Handler{Path: "nudge", DelayMs: 40}},
		},
		"nudge": {Name: "nudge", Model: "nudge-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Result.Text())
	// The nudge's own model call is not progress: the quiet spell persists
	// and a one-shot handler fires only once.
	assert.Equal(t, 1, model.callCount("nudge-model"))
}

func TestIdleHandlerFiresDuringQuietSpell(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", scriptedTurn{
		delay:  150 * time.Millisecond,
		output: []protocol.ResponseItem{protocol.AssistantMessage("done")},
	})
	model.script("nudge-model", text("anyone there?"))
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:     "root",
			Model:    "root-model",
			Handlers: deck.Handlers{OnIdle: &deck.Handler{Path: "nudge", DelayMs: 30}},
		},
		"nudge": {Name: "nudge", Model: "nudge-model"},
	})
	out, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Result.Text())
	assert.GreaterOrEqual(t, model.callCount("nudge-model"), 1)
}

func TestOutputValidationFailure(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", text("not a number"))
	lib := library(t, map[string]*deck.Deck{
		"root": {
			Name:  "root",
			Model: "root-model",
			Output: deck.ValidatorFunc(func(v any) error {
				return assert.AnError
			}),
		},
	})
	_, err := New(lib, model).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.Error(t, err)
	var herr *protocol.HarnessError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "invalid_output", herr.Code)
}

func TestCancellationPropagates(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", scriptedTurn{delay: time.Second, output: []protocol.ResponseItem{protocol.AssistantMessage("late")}})
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := New(lib, model).Run(ctx, RunOptions{Deck: "root", Input: "go"})
	require.Error(t, err)
	kind, ok := protocol.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrKindCancelled, kind)
}

func TestProviderStateDeltaIsMerged(t *testing.T) {
	delta := &protocol.SavedState{}
	delta.SetMeta(protocol.MetaCodexThreadID, "thread-123")

	model := newScriptedModel()
	model.script("root-model", scriptedTurn{
		output:  []protocol.ResponseItem{protocol.AssistantMessage("hi")},
		updated: delta,
	})
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})
	store := state.NewMemoryStore()
	_, err := New(lib, model, WithStore(store)).Run(context.Background(), RunOptions{
		SessionID: "s1", Deck: "root", Input: "go",
	})
	require.NoError(t, err)

	persisted, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "thread-123", persisted.Meta[protocol.MetaCodexThreadID])
}

func TestTraceSinkMirrorsEvents(t *testing.T) {
	model := newScriptedModel()
	model.script("root-model", text("hi"))
	lib := library(t, map[string]*deck.Deck{
		"root": {Name: "root", Model: "root-model"},
	})

	var mu sync.Mutex
	var seen []protocol.TraceEventType
	sink := func(ev protocol.TraceEvent) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	}
	_, err := New(lib, model, WithTraceSink(sink)).Run(context.Background(), RunOptions{Deck: "root", Input: "go"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TraceRunStart, seen[0])
	assert.Equal(t, protocol.TraceRunEnd, seen[len(seen)-1])
}
