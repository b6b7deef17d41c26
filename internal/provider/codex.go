package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gambitlabs/gambit/internal/config"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// CodexClient runs the codex CLI as a subprocess, one process per call,
// and parses the NDJSON event stream it writes to stdout. The CLI owns
// its own conversation history server-side; the adapter only carries the
// thread id across calls so follow-up prompts can resume instead of
// replaying the transcript.
type CodexClient struct {
	defaults config.CodexConfig
	log      *slog.Logger
}

// NewCodex creates the Codex CLI adapter.
func NewCodex(cfg config.CodexConfig, log *slog.Logger) *CodexClient {
	if cfg.Binary == "" {
		cfg.Binary = config.DefaultCodexBinary
	}
	return &CodexClient{defaults: cfg, log: log}
}

// Key implements Provider.
func (c *CodexClient) Key() Key { return KeyCodex }

// NDJSON protocol shapes written by codex exec --json.
type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Usage    *codexUsage `json:"usage,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
	Error    *codexError `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

type codexItem struct {
	ID               string `json:"id,omitempty"`
	Type             string `json:"type,omitempty"`
	Text             string `json:"text,omitempty"`
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`
	Server           string `json:"server,omitempty"`
	Tool             string `json:"tool,omitempty"`
	Query            string `json:"query,omitempty"`
	Changes          []struct {
		Path string `json:"path,omitempty"`
		Kind string `json:"kind,omitempty"`
	} `json:"changes,omitempty"`
}

type codexError struct {
	Message string `json:"message,omitempty"`
}

// Item types whose lifecycle is surfaced as tool traces. Reasoning and
// agent_message items are conversation content, not tool activity.
var codexToolItemTypes = map[string]bool{
	"mcp_tool_call":     true,
	"command_execution": true,
	"file_change":       true,
}

// Allowed values for enum-valued call-time parameters. Environment
// defaults bypass this check; the operator owns those.
var (
	codexEffortValues    = enumSet("none", "minimal", "low", "medium", "high", "xhigh")
	codexSummaryValues   = enumSet("auto", "concise", "detailed", "none")
	codexVerbosityValues = enumSet("low", "medium", "high")
)

func enumSet(values ...string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Responses implements Provider.
func (c *CodexClient) Responses(ctx context.Context, req protocol.CreateResponseRequest, sink protocol.EventSink) (*protocol.CreateResponseResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	overrides, err := codexOverrides(c.defaults, req.Params)
	if err != nil {
		return nil, err
	}
	prompt, threadID, err := codexPrompt(req)
	if err != nil {
		return nil, err
	}
	args := buildCodexArgs(req.Model, threadID, prompt, overrides)

	c.log.Debug("spawning codex", "binary", c.defaults.Binary, "resume", threadID != "")

	cmd := exec.CommandContext(ctx, c.defaults.Binary, args...)
	// Give the CLI a chance to flush and exit cleanly on cancellation.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocol.NewTransportError("spawn_failed", "codex stdout pipe failed: %v", err).WithCause(err)
	}
	if err := cmd.Start(); err != nil {
		wrapped := protocol.NewTransportError("spawn_failed", "codex binary %q failed to start: %v", c.defaults.Binary, err).WithCause(err)
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}

	turn, parseErr := c.consumeEvents(stdout)
	waitErr := cmd.Wait()

	if parseErr != nil {
		wrapped := protocol.NewTransportError("stream_interrupted", "codex output stream broke: %v", parseErr).WithCause(parseErr)
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}
	if ctx.Err() != nil {
		wrapped := protocol.NewCancelledError("codex call cancelled: %v", ctx.Err()).WithCause(ctx.Err())
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}
	if turn.failure != "" {
		wrapped := protocol.NewTransportError("turn_failed", "codex turn failed: %s", turn.failure)
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}
	if waitErr != nil {
		wrapped := protocol.NewTransportError("exit_status", "codex exited abnormally: %v (stderr: %s)",
			waitErr, truncateBody([]byte(stderr.String()))).WithCause(waitErr)
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}
	if !turn.completed {
		wrapped := protocol.NewProtocolError("stream_truncated", "codex stream ended without turn.completed")
		emitFailed(sink, "", wrapped)
		return nil, wrapped
	}

	if len(turn.items) == 0 {
		turn.items = append(turn.items, protocol.AssistantMessage(""))
	}
	resp := &protocol.CreateResponseResponse{
		ID:           "resp_" + uuid.NewString(),
		Model:        req.Model,
		Status:       protocol.StatusCompleted,
		Output:       turn.items,
		FinishReason: protocol.FinishReasonStop,
		Usage:        turn.usage,
		UpdatedState: turn.state(req.State),
	}
	emitEmulatedStream(sink, resp)
	return resp, nil
}

// codexTurn accumulates one subprocess run.
type codexTurn struct {
	threadID  string
	items     []protocol.ResponseItem
	traces    []protocol.TraceEvent
	usage     *protocol.Usage
	completed bool
	failure   string
}

// state folds the turn's provider-side mutations into a state delta for the
// engine to merge. prior is read-only.
func (t *codexTurn) state(prior *protocol.SavedState) *protocol.SavedState {
	// A pure delta: only this turn's traces, with the prior handle's run id
	// and meta carried so the engine's merge stays total.
	delta := &protocol.SavedState{Traces: t.traces}
	if prior != nil {
		delta.RunID = prior.RunID
		for k, v := range prior.Meta {
			delta.SetMeta(k, v)
		}
	}
	if t.threadID != "" {
		delta.SetMeta(protocol.MetaCodexThreadID, t.threadID)
	}
	return delta
}

// consumeEvents drains the NDJSON stream, translating items into canonical
// output and tool activity into paired trace events.
func (c *CodexClient) consumeEvents(r io.Reader) (*codexTurn, error) {
	turn := &codexTurn{}
	dec := newNDJSONDecoder(r)
	for {
		var ev codexEvent
		if err := dec.Next(&ev); err != nil {
			if err == io.EOF {
				break
			}
			return turn, err
		}

		switch ev.Type {
		case "thread.started":
			turn.threadID = ev.ThreadID

		case "item.started":
			if ev.Item != nil && codexToolItemTypes[ev.Item.Type] {
				turn.traces = append(turn.traces, protocol.TraceEvent{
					Type:    protocol.TraceToolCall,
					Time:    time.Now().UTC(),
					CallID:  ev.Item.ID,
					Name:    codexToolName(ev.Item),
					Message: codexToolDetail(ev.Item),
				})
			}

		case "item.completed":
			if ev.Item == nil {
				continue
			}
			switch {
			case ev.Item.Type == "agent_message":
				turn.items = append(turn.items, protocol.AssistantMessage(ev.Item.Text))
			case ev.Item.Type == "reasoning":
				turn.items = append(turn.items, protocol.ResponseItem{
					Type:    protocol.ItemTypeReasoning,
					ID:      ev.Item.ID,
					Summary: []protocol.ContentPart{{Type: protocol.PartSummaryText, Text: ev.Item.Text}},
				})
			case codexToolItemTypes[ev.Item.Type]:
				turn.traces = append(turn.traces, protocol.TraceEvent{
					Type:    protocol.TraceToolResult,
					Time:    time.Now().UTC(),
					CallID:  ev.Item.ID,
					Name:    codexToolName(ev.Item),
					Message: codexToolResult(ev.Item),
				})
			}

		case "turn.completed":
			turn.completed = true
			if ev.Usage != nil {
				turn.usage = protocol.NewUsage(ev.Usage.InputTokens, ev.Usage.OutputTokens)
			}

		case "turn.failed", "error":
			msg := ev.Message
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			if msg == "" {
				msg = "unspecified codex failure"
			}
			turn.failure = msg
		}
	}
	if n := dec.Skipped(); n > 0 {
		c.log.Debug("skipped malformed codex output lines", "count", n)
	}
	return turn, nil
}

func codexToolName(item *codexItem) string {
	switch item.Type {
	case "mcp_tool_call":
		if item.Server != "" && item.Tool != "" {
			return item.Server + "." + item.Tool
		}
		if item.Tool != "" {
			return item.Tool
		}
	case "command_execution":
		return "shell"
	case "file_change":
		return "apply_patch"
	}
	return item.Type
}

func codexToolDetail(item *codexItem) string {
	switch item.Type {
	case "command_execution":
		return item.Command
	case "file_change":
		paths := make([]string, 0, len(item.Changes))
		for _, ch := range item.Changes {
			paths = append(paths, ch.Kind+" "+ch.Path)
		}
		return strings.Join(paths, ", ")
	}
	return ""
}

func codexToolResult(item *codexItem) string {
	if item.Type == "command_execution" {
		out := item.AggregatedOutput
		if item.ExitCode != nil {
			out = fmt.Sprintf("exit %d: %s", *item.ExitCode, out)
		}
		return out
	}
	if item.Status != "" {
		return item.Status
	}
	return codexToolDetail(item)
}

// codexOverrides resolves the -c config overrides for one call. Call-time
// parameters win over environment defaults; only call-time values are
// validated against the allowed enum sets.
func codexOverrides(defaults config.CodexConfig, params map[string]any) (map[string]string, error) {
	out := map[string]string{}
	if defaults.ReasoningEffort != "" {
		out["model_reasoning_effort"] = defaults.ReasoningEffort
	}
	if defaults.ReasoningSummary != "" {
		out["model_reasoning_summary"] = defaults.ReasoningSummary
	}
	if defaults.Verbosity != "" {
		out["model_verbosity"] = defaults.Verbosity
	}

	if reasoning, ok := params["reasoning"].(map[string]any); ok {
		if v, ok := reasoning["effort"]; ok {
			s, err := codexEnum("reasoning.effort", v, codexEffortValues)
			if err != nil {
				return nil, err
			}
			out["model_reasoning_effort"] = s
		}
		if v, ok := reasoning["summary"]; ok {
			s, err := codexEnum("reasoning.summary", v, codexSummaryValues)
			if err != nil {
				return nil, err
			}
			out["model_reasoning_summary"] = s
		}
	}
	if v, ok := params["verbosity"]; ok {
		s, err := codexEnum("verbosity", v, codexVerbosityValues)
		if err != nil {
			return nil, err
		}
		out["model_verbosity"] = s
	}
	return out, nil
}

func codexEnum(name string, value any, allowed map[string]bool) (string, error) {
	s, ok := value.(string)
	if !ok || !allowed[s] {
		keys := make([]string, 0, len(allowed))
		for k := range allowed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", protocol.NewValidationError("invalid_param",
			"invalid %s %v; allowed values: %s", name, value, strings.Join(keys, ", "))
	}
	return s, nil
}

// codexPrompt chooses the prompt text and the thread to resume. With a
// prior thread only the newest user message is sent; the CLI already holds
// the rest of the conversation server-side.
func codexPrompt(req protocol.CreateResponseRequest) (prompt, threadID string, err error) {
	if req.State != nil {
		threadID = req.State.Meta[protocol.MetaCodexThreadID]
	}
	if threadID != "" {
		for i := len(req.Input) - 1; i >= 0; i-- {
			it := req.Input[i]
			if it.Type == protocol.ItemTypeMessage && it.Role == protocol.RoleUser {
				return it.TextContent(), threadID, nil
			}
		}
		return "", "", protocol.NewValidationError("missing_user_turn",
			"resuming thread %s requires a new user message", threadID)
	}
	return renderCodexTranscript(req), "", nil
}

// renderCodexTranscript flattens the canonical input into one prompt for a
// fresh thread. A lone user message is passed through verbatim.
func renderCodexTranscript(req protocol.CreateResponseRequest) string {
	var messages []protocol.ResponseItem
	for _, it := range req.Input {
		if it.Type == protocol.ItemTypeMessage {
			messages = append(messages, it)
		}
	}
	var b strings.Builder
	if req.Instructions != "" {
		b.WriteString(req.Instructions)
		b.WriteString("\n\n")
	}
	if len(messages) == 1 && messages[0].Role == protocol.RoleUser && req.Instructions == "" {
		return messages[0].TextContent()
	}
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.TextContent())
	}
	return b.String()
}

// buildCodexArgs assembles the subprocess argument list. Config overrides
// are emitted in sorted key order so the argv is deterministic.
func buildCodexArgs(model, threadID, prompt string, overrides map[string]string) []string {
	args := []string{"exec"}
	if threadID != "" {
		args = append(args, "resume", threadID)
	}
	args = append(args, "--skip-git-repo-check", "--json")

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-c", k+"="+overrides[k])
	}

	if model != "" && model != "default" {
		args = append(args, "-m", model)
	}
	return append(args, prompt)
}
