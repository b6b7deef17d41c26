// Package engine drives deck execution: it builds canonical requests from
// deck state, calls the routed provider, supervises busy/idle/error
// handlers, dispatches tool calls to nested deck invocations, and enforces
// depth, pass, and time guardrails.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gambitlabs/gambit/internal/deck"
	"github.com/gambitlabs/gambit/internal/logging"
	"github.com/gambitlabs/gambit/internal/metrics"
	"github.com/gambitlabs/gambit/internal/protocol"
	"github.com/gambitlabs/gambit/internal/state"
)

// ModelCaller performs one routed model invocation. *provider.Router
// satisfies it; tests substitute an in-process fake.
type ModelCaller interface {
	Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error)
}

// TraceSink receives trace events as they are emitted. A nil sink discards
// them; events are still appended to the run's state.
type TraceSink func(protocol.TraceEvent)

// Engine executes decks. One Engine serves many runs; per-run state lives
// in the runState threaded through the recursion.
type Engine struct {
	library *deck.Library
	model   ModelCaller
	store   state.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	trace   TraceSink
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists session state after each mutating step.
func WithStore(s state.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the collectors the engine increments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTraceSink mirrors trace events to sink as they happen.
func WithTraceSink(sink TraceSink) Option {
	return func(e *Engine) { e.trace = sink }
}

// New builds an Engine over a deck library and a model caller.
func New(library *deck.Library, model ModelCaller, opts ...Option) *Engine {
	e := &Engine{
		library: library,
		model:   model,
		log:     logging.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions describes one top-level run.
type RunOptions struct {
	// SessionID keys persisted state. Empty means a stateless run.
	SessionID string

	// Deck is the library path of the root deck.
	Deck string

	// Input is the new user turn.
	Input string

	// Stream receives the root invocation's model events.
	Stream protocol.EventSink
}

// RunResult is the outcome of a top-level run.
type RunResult struct {
	RunID  string
	Result *Result
	State  *protocol.SavedState
}

// runState is the per-run shared context: the single-writer working copy of
// session state and the activity clock for idle supervision.
type runState struct {
	runID string

	// mu guards state. The run is logically single-writer, but handler
	// goroutines and concurrent tool dispatches emit traces while the
	// supervisor is also appending.
	mu    sync.Mutex
	state *protocol.SavedState

	// lastActivity is unix nanos of the most recent model/tool progress,
	// read by the idle supervisor.
	lastActivity atomic.Int64

	persist func(ctx context.Context)
}

func (r *runState) touch() { r.lastActivity.Store(time.Now().UnixNano()) }

func (r *runState) idleFor() time.Duration {
	return time.Since(time.Unix(0, r.lastActivity.Load()))
}

// Run executes the named deck as a session's next turn: load state, run the
// root invocation, persist the merged state, report the structured result.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	root, ok := e.library.Get(opts.Deck)
	if !ok {
		return nil, protocol.NewConfigError("unknown_deck", "deck %q is not in the library", opts.Deck)
	}

	prior, err := e.loadState(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}

	run := &runState{
		runID: uuid.NewString(),
		state: prior.Clone(),
	}
	run.state.RunID = run.runID
	run.touch()
	run.persist = func(ctx context.Context) { e.persistState(ctx, opts.SessionID, run) }

	e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceRunStart, Deck: opts.Deck})
	defer e.emitTrace(run, protocol.TraceEvent{Type: protocol.TraceRunEnd, Deck: opts.Deck})

	if opts.Input != "" {
		run.state.Items = append(run.state.Items, protocol.UserMessage(opts.Input))
	}

	inv := invocation{
		path:       opts.Deck,
		deck:       root,
		depth:      0,
		guardrails: root.Guardrails.Resolve(deck.Defaults()),
		stream:     opts.Stream,
		injections: newInjectionQueue(),
	}

	// Idle supervision spans the whole run, not one model call.
	stopIdle := e.superviseIdle(ctx, inv, run)
	result, err := e.execute(ctx, inv, run.state.Items, run)
	stopIdle()

	run.persist(context.WithoutCancel(ctx))

	if err != nil {
		if kind, ok := protocol.KindOf(err); ok && kind == protocol.ErrKindCancelled {
			e.log.Info("run cancelled", "run", run.runID, "deck", opts.Deck)
		}
		return nil, err
	}

	e.log.Info("run finished",
		"run", run.runID,
		"deck", opts.Deck,
		"status", result.Status,
	)
	return &RunResult{RunID: run.runID, Result: result, State: run.state}, nil
}

func (e *Engine) loadState(ctx context.Context, sessionID string) (*protocol.SavedState, error) {
	if e.store == nil || sessionID == "" {
		return nil, nil
	}
	return e.store.Load(ctx, sessionID)
}

func (e *Engine) persistState(ctx context.Context, sessionID string, run *runState) {
	if e.store == nil || sessionID == "" {
		return
	}
	if err := e.store.Save(ctx, sessionID, run.state); err != nil {
		e.log.Error("state persistence failed", "run", run.runID, "err", err)
	}
}

// emitTrace appends the event to the run's state and mirrors it to the
// configured sink.
func (e *Engine) emitTrace(run *runState, ev protocol.TraceEvent) {
	ev.Time = time.Now().UTC()
	ev.RunID = run.runID
	run.mu.Lock()
	run.state.Traces = append(run.state.Traces, ev)
	run.mu.Unlock()
	if e.trace != nil {
		e.trace(ev)
	}
}

// mergeState folds an adapter's state delta into the working copy: meta
// keys and any provider-side trace events (e.g. codex tool activity).
func (run *runState) mergeState(delta *protocol.SavedState) {
	if delta == nil {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	run.state.MergeMeta(delta)
	for _, ev := range delta.Traces {
		if ev.RunID == "" {
			ev.RunID = run.runID
		}
		run.state.Traces = append(run.state.Traces, ev)
	}
}
