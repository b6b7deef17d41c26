package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// Synthetic tool names. Any name beginning with ReservedToolPrefix is
// reserved for engine control flow and rejected for author-declared tools.
const (
	ReservedToolPrefix = "gambit_"

	// ToolContext injects out-of-band context; ToolContextLegacy is the
	// historical alias still emitted by old decks.
	ToolContext       = "gambit_context"
	ToolContextLegacy = "gambit_init"

	// ToolRespond is the terminal structured envelope for a deck finishing
	// normally.
	ToolRespond = "gambit_respond"

	// ToolComplete wraps a finished child/tool invocation's result for the
	// parent.
	ToolComplete = "gambit_complete"

	// ToolEnd signals the whole session should stop.
	ToolEnd = "gambit_end"
)

// MaxToolNameLength bounds author-declared tool names.
const MaxToolNameLength = 64

var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsSyntheticTool reports whether name lives in the reserved namespace.
func IsSyntheticTool(name string) bool {
	return strings.HasPrefix(name, ReservedToolPrefix)
}

// ValidateToolName checks an author-declared action/tool name against the
// allowed pattern, the length bound, and the reserved prefix.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name, MaxToolNameLength)
	}
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("tool name %q must match %s", name, toolNamePattern.String())
	}
	if IsSyntheticTool(name) {
		return fmt.Errorf("tool name %q uses reserved prefix %q", name, ReservedToolPrefix)
	}
	return nil
}

// zeroArgSchema is the declaration synthesized for context tools: an object
// accepting no arguments.
func zeroArgSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"required":             []any{},
		"additionalProperties": false,
	}
}

// EnsureSyntheticTools returns the tool list extended with zero-argument
// declarations for any synthetic context tool the input references but the
// declared list omits. Vendors reject function calls referencing unknown
// tools, so a conversation replaying a gambit_context call must re-declare
// it.
func EnsureSyntheticTools(tools []Tool, input []ResponseItem) []Tool {
	declared := make(map[string]bool, len(tools))
	for _, t := range tools {
		declared[t.Name] = true
	}

	out := tools
	appended := make(map[string]bool)
	for _, it := range input {
		if it.Type != ItemTypeFunctionCall {
			continue
		}
		name := it.Name
		if name != ToolContext && name != ToolContextLegacy {
			continue
		}
		if declared[name] || appended[name] {
			continue
		}
		out = append(out, Tool{
			Type:        "function",
			Name:        name,
			Description: "Out-of-band context injection. Do not call.",
			Parameters:  zeroArgSchema(),
		})
		appended[name] = true
	}
	return out
}
