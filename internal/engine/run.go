package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gambitlabs/gambit/internal/deck"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// invocation is one frame of the recursive interpreter: the deck being
// executed, its depth, and its resolved guardrails. Guardrail testing
// injects frames directly (e.g. a zero max depth) instead of relying on
// call-stack limits.
type invocation struct {
	path  string
	deck  *deck.Deck
	depth int

	// guardrails are already resolved against the parent's.
	guardrails deck.Guardrails

	// args carries the tool arguments that spawned this invocation.
	args map[string]any

	// stream receives model events; only the root invocation streams.
	stream protocol.EventSink

	// injections buffers this frame's pending handler status messages.
	// Each frame drains only its own queue, so a busy firing during a
	// nested invocation cannot leak into a sibling's conversation.
	injections *injectionQueue

	// supervisory marks frames spawned by busy/idle/error handlers.
	// Their model calls do not reset the run's activity clock.
	supervisory bool
}

// child builds the frame for a nested invocation.
func (inv invocation) child(path string, d *deck.Deck, args map[string]any) invocation {
	return invocation{
		path:        path,
		deck:        d,
		depth:       inv.depth + 1,
		guardrails:  d.Guardrails.Resolve(inv.guardrails),
		args:        args,
		injections:  newInjectionQueue(),
		supervisory: inv.supervisory,
	}
}

// execute runs one deck invocation to a structured result. Errors from the
// model loop are offered to the deck's onError handler exactly once here;
// only cancellation bypasses that boundary.
func (e *Engine) execute(ctx context.Context, inv invocation, input []protocol.ResponseItem, run *runState) (*Result, error) {
	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceDeckStart, Deck: inv.path, Depth: inv.depth})
	result, err := e.executeGuarded(ctx, inv, input, run)
	if err != nil {
		result, err = e.handleError(ctx, inv, run, err)
	}
	ev := protocol.TraceEvent{Type: protocol.TraceDeckEnd, Deck: inv.path, Depth: inv.depth}
	if err != nil {
		ev.Message = err.Error()
	}
	e.emitTrace(run, ev)
	return result, err
}

func (e *Engine) executeGuarded(ctx context.Context, inv invocation, input []protocol.ResponseItem, run *runState) (*Result, error) {
	if inv.depth > inv.guardrails.MaxDepth {
		return nil, protocol.NewGuardrailError("depth_exceeded",
			"deck %q at depth %d exceeds max depth %d", inv.path, inv.depth, inv.guardrails.MaxDepth).
			WithDetail("maxDepth", inv.guardrails.MaxDepth)
	}

	ctx, cancel := context.WithTimeout(ctx, inv.guardrails.Timeout())
	defer cancel()

	if inv.deck.Compute != nil {
		return e.executeCompute(ctx, inv, run)
	}
	return e.modelLoop(ctx, inv, input, run)
}

// executeCompute runs a pure compute deck; no model is involved.
func (e *Engine) executeCompute(ctx context.Context, inv invocation, run *runState) (*Result, error) {
	payload, err := inv.deck.Compute(ctx, inv.args)
	if err != nil {
		return nil, protocol.NewHandlerError("compute_failed", "compute deck %q failed: %v", inv.path, err).WithCause(err)
	}
	if err := e.validateOutput(inv, payload); err != nil {
		return nil, err
	}
	if !inv.supervisory {
		run.touch()
	}
	return &Result{Status: StatusOK, Payload: payload}, nil
}

// modelLoop is the pass loop: model round-trips interleaved with tool
// dispatch until the deck produces a final answer or a control tool fires.
func (e *Engine) modelLoop(ctx context.Context, inv invocation, input []protocol.ResponseItem, run *runState) (*Result, error) {
	conversation := append([]protocol.ResponseItem(nil), input...)
	tools := append(inv.deck.Tools(), controlTools(inv)...)

	for pass := 1; ; pass++ {
		if pass > inv.guardrails.MaxPasses {
			return nil, protocol.NewGuardrailError("pass_limit",
				"deck %q exceeded %d model passes", inv.path, inv.guardrails.MaxPasses).
				WithDetail("maxPasses", inv.guardrails.MaxPasses)
		}

		resp, err := e.modelCall(ctx, inv, conversation, tools, run)
		if err != nil {
			return nil, err
		}

		conversation = append(conversation, resp.Output...)
		conversation = append(conversation, inv.injections.drain()...)
		e.syncConversation(inv, run, conversation)
		run.persistIfRoot(ctx, inv)

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			text := resp.OutputText()
			if err := e.validateOutput(inv, text); err != nil {
				return nil, err
			}
			return textResult(text), nil
		}

		control, outputs, err := e.dispatchCalls(ctx, inv, calls, run)
		if err != nil {
			return nil, err
		}
		for i := range outputs {
			conversation = append(conversation, outputs[i])
		}
		e.syncConversation(inv, run, conversation)
		run.persistIfRoot(ctx, inv)

		if control != nil {
			if err := e.validateOutput(inv, control.Payload); err != nil {
				return nil, err
			}
			return control, nil
		}
	}
}

// modelCall performs one guarded round-trip with busy supervision.
func (e *Engine) modelCall(ctx context.Context, inv invocation, conversation []protocol.ResponseItem, tools []protocol.Tool, run *runState) (*protocol.CreateResponseResponse, error) {
	req := protocol.CreateResponseRequest{
		Model:        inv.deck.Model,
		Input:        conversation,
		Instructions: inv.deck.Instructions,
		Tools:        tools,
		State:        run.snapshotState(),
	}

	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceModelCall, Deck: inv.path, Depth: inv.depth, Name: inv.deck.Model})
	e.metrics.ModelCalls.WithLabelValues(inv.deck.Model).Inc()
	start := time.Now()

	stopBusy := e.superviseBusy(ctx, inv, run)
	resp, err := e.model.Responses(ctx, req, inv.stream)
	stopBusy()

	e.metrics.ModelDuration.WithLabelValues(inv.deck.Model).Observe(time.Since(start).Seconds())
	// Handler frames do not count as progress: an idle nudge must not
	// re-arm the very clock that fired it.
	if !inv.supervisory {
		run.touch()
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, protocol.NewGuardrailError("timeout",
				"deck %q timed out after %s", inv.path, inv.guardrails.Timeout()).WithCause(err)
		}
		label := "unknown"
		if kind, ok := protocol.KindOf(err); ok {
			label = kind.String()
		}
		e.metrics.ModelErrors.WithLabelValues(inv.deck.Model, label).Inc()
		return nil, err
	}

	run.mergeState(resp.UpdatedState)
	if resp.Usage != nil {
		e.metrics.TokensUsed.WithLabelValues(inv.deck.Model, "input").Add(float64(resp.Usage.InputTokens))
		e.metrics.TokensUsed.WithLabelValues(inv.deck.Model, "output").Add(float64(resp.Usage.OutputTokens))
	}
	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceModelResult, Deck: inv.path, Depth: inv.depth, Name: inv.deck.Model})
	return resp, nil
}

// dispatchCalls resolves every function call of one model turn. Ordinary
// action calls run concurrently; their outputs are re-attached in emission
// order regardless of completion order. A control tool, when present,
// short-circuits further passes after the outputs are attached.
func (e *Engine) dispatchCalls(ctx context.Context, inv invocation, calls []protocol.ResponseItem, run *runState) (*Result, []protocol.ResponseItem, error) {
	outputs := make([]protocol.ResponseItem, len(calls))
	errs := make([]error, len(calls))
	var control *Result

	var wg sync.WaitGroup
	for i, call := range calls {
		switch call.Name {
		case protocol.ToolRespond:
			res := resultFromArgs(call.Arguments)
			outputs[i] = protocol.FunctionCallOutput(call.CallID, res.envelope())
			if control == nil {
				control = res
			}

		case protocol.ToolEnd:
			res := resultFromArgs(call.Arguments)
			res.Status = StatusEnd
			outputs[i] = protocol.FunctionCallOutput(call.CallID, res.envelope())
			control = res

		case protocol.ToolContext, protocol.ToolContextLegacy:
			// Out-of-band context injection: acknowledged, never terminal.
			outputs[i] = protocol.FunctionCallOutput(call.CallID, "{}")

		default:
			wg.Add(1)
			go func(i int, call protocol.ResponseItem) {
				defer wg.Done()
				outputs[i], errs[i] = e.dispatchAction(ctx, inv, call, run)
			}(i, call)
		}
	}
	wg.Wait()

	// First fatal error in emission order wins, keeping failure
	// attribution deterministic across completion orders.
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, protocol.NewCancelledError("tool dispatch interrupted: %v", err).WithCause(err)
	}
	return control, outputs, nil
}

// dispatchAction runs one action deck as a nested invocation and renders
// its result as the function_call_output for the parent conversation.
// Ordinary dispatch failures resolve to an error envelope, leaving it to
// the model to react; guardrail trips and cancellation are fatal for the
// parent too.
func (e *Engine) dispatchAction(ctx context.Context, inv invocation, call protocol.ResponseItem, run *runState) (protocol.ResponseItem, error) {
	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceToolCall, Deck: inv.path, Depth: inv.depth, CallID: call.CallID, Name: call.Name})
	e.metrics.ToolDispatch.WithLabelValues(call.Name).Inc()

	result, err := e.runAction(ctx, inv, call, run)
	if err != nil {
		if kind, ok := protocol.KindOf(err); ok && (kind == protocol.ErrKindGuardrail || kind == protocol.ErrKindCancelled) {
			return protocol.ResponseItem{}, err
		}
		result = degradedResult(errorCode(err), err)
	}

	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceToolResult, Deck: inv.path, Depth: inv.depth, CallID: call.CallID, Name: call.Name, Message: result.Status})
	return protocol.FunctionCallOutput(call.CallID, result.envelope()), nil
}

func (e *Engine) runAction(ctx context.Context, inv invocation, call protocol.ResponseItem, run *runState) (*Result, error) {
	if err := protocol.ValidateToolName(call.Name); err != nil {
		return nil, err
	}
	action, ok := inv.deck.ActionByName(call.Name)
	if !ok {
		return nil, protocol.NewConfigError("unknown_tool", "deck %q declares no action %q", inv.path, call.Name)
	}
	child, ok := e.library.Get(action.Deck)
	if !ok {
		return nil, protocol.NewConfigError("unknown_deck", "action %q references missing deck %q", call.Name, action.Deck)
	}

	// Unparsable arguments degrade to the empty object.
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			args = map[string]any{}
		}
	}

	childInput := []protocol.ResponseItem{protocol.UserMessage(renderActionInput(call.Name, args))}
	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceActionStart, Deck: action.Deck, Depth: inv.depth + 1, Name: call.Name})
	result, err := e.execute(ctx, inv.child(action.Deck, child, args), childInput, run)
	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceActionEnd, Deck: action.Deck, Depth: inv.depth + 1, Name: call.Name})
	return result, err
}

// renderActionInput is the user turn a child deck sees for a tool call.
func renderActionInput(name string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil || string(raw) == "{}" {
		return name
	}
	return string(raw)
}

// validateOutput applies the deck's declared validator. A root deck
// without one accepts anything; a nested deck without one must at least
// produce a string payload.
func (e *Engine) validateOutput(inv invocation, payload any) error {
	v := inv.deck.Output
	if v == nil {
		if inv.depth == 0 {
			v = deck.Permissive()
		} else {
			v = deck.RequireString()
		}
	}
	if err := v.Validate(payload); err != nil {
		return protocol.NewValidationError("invalid_output",
			"deck %q produced invalid output: %v", inv.path, err).WithCause(err)
	}
	return nil
}

// handleError is the single boundary where a deck's onError handler runs.
// Cancellation and guardrail trips propagate untouched; anything else is
// offered to the handler, whose structured result replaces the raw error.
// A failing handler is swallowed into a degraded envelope.
func (e *Engine) handleError(ctx context.Context, inv invocation, run *runState, cause error) (*Result, error) {
	if kind, ok := protocol.KindOf(cause); ok && (kind == protocol.ErrKindCancelled || kind == protocol.ErrKindGuardrail) {
		return nil, cause
	}
	h := inv.deck.Handlers.OnError
	if h == nil {
		return nil, cause
	}

	e.metrics.HandlerFires.WithLabelValues("error").Inc()
	result, err := e.invokeHandler(ctx, inv, h, run, handlerInput{
		condition: "error",
		message:   cause.Error(),
		code:      errorCode(cause),
	})
	if err != nil {
		e.log.Warn("error handler failed; degrading",
			"deck", inv.path, "handler", h.Path, "err", err)
		return degradedResult(errorCode(cause), cause), nil
	}
	return result, nil
}

// errorCode extracts the stable code of a harness error.
func errorCode(err error) string {
	var herr *protocol.HarnessError
	if errors.As(err, &herr) {
		return herr.Code
	}
	return "internal"
}

// controlTools declares the engine's synthetic tools for a deck. gambit_end
// is only offered at the root, where the session sentinel means something.
func controlTools(inv invocation) []protocol.Tool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status":  map[string]any{"type": "string"},
			"code":    map[string]any{"type": "string"},
			"message": map[string]any{"type": "string"},
			"payload": map[string]any{},
			"meta":    map[string]any{"type": "object"},
		},
	}
	tools := []protocol.Tool{
		protocol.FunctionTool(protocol.ToolRespond, "Finish this task with a structured result.", params),
	}
	if inv.depth == 0 {
		tools = append(tools, protocol.FunctionTool(protocol.ToolEnd, "End the whole session.", params))
	}
	return tools
}

// syncConversation mirrors the root conversation into the session state so
// persistence always sees the latest transcript.
func (e *Engine) syncConversation(inv invocation, run *runState, conversation []protocol.ResponseItem) {
	if inv.depth != 0 {
		return
	}
	run.mu.Lock()
	run.state.Items = append([]protocol.ResponseItem(nil), conversation...)
	run.mu.Unlock()
}

// snapshotState clones the working state for an adapter call.
func (run *runState) snapshotState() *protocol.SavedState {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.state == nil {
		return nil
	}
	return run.state.Clone()
}

// persistIfRoot saves after a mutating step of the top-level invocation.
// Nested invocations never persist; the supervisor owns the state handle.
func (run *runState) persistIfRoot(ctx context.Context, inv invocation) {
	if inv.depth == 0 && run.persist != nil {
		run.persist(ctx)
	}
}
