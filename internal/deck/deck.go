// Package deck models the workflow's unit of recursion: an LLM-backed prompt
// with schemas, guardrails and supervisory handlers, or a pure compute step.
// A deck exposes other decks to the model as callable actions; invoking one
// is a nested execution bounded by the same guardrail machinery.
package deck

import (
	"context"
	"fmt"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// ComputeFunc is the body of a pure compute deck. It receives the parsed
// tool arguments and returns the deck's payload without a model call.
type ComputeFunc func(ctx context.Context, args map[string]any) (any, error)

// Action exposes a child deck as a callable tool.
type Action struct {
	// Name is the tool name shown to the model. Validated against the
	// author tool-name rules (pattern, length, reserved prefix).
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Deck is the library path of the deck this action invokes.
	Deck string `yaml:"deck"`

	// Parameters is a JSON-Schema-like object describing the tool
	// arguments. Hardened before it reaches a vendor.
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

// Deck is one executable unit.
type Deck struct {
	Name         string `yaml:"name"`
	Title        string `yaml:"title,omitempty"`
	Model        string `yaml:"model,omitempty"`
	Instructions string `yaml:"instructions,omitempty"`

	Actions    []Action   `yaml:"actions,omitempty"`
	Guardrails Guardrails `yaml:"guardrails,omitempty"`
	Handlers   Handlers   `yaml:"handlers,omitempty"`

	// Output validates the deck's final payload. Nil means permissive
	// string-ish output (only allowed for a root deck).
	Output Validator `yaml:"-"`

	// Compute marks a pure compute deck; when set the engine never calls a
	// model for this deck.
	Compute ComputeFunc `yaml:"-"`
}

// Validate checks structural invariants: deck name required, action names
// legal and unique, action deck references non-empty.
func (d *Deck) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("deck name is required")
	}
	seen := make(map[string]bool, len(d.Actions))
	for _, a := range d.Actions {
		if err := protocol.ValidateToolName(a.Name); err != nil {
			return fmt.Errorf("deck %q: %w", d.Name, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("deck %q: duplicate action %q", d.Name, a.Name)
		}
		seen[a.Name] = true
		if a.Deck == "" && d.Compute == nil {
			return fmt.Errorf("deck %q: action %q has no deck reference", d.Name, a.Name)
		}
	}
	return nil
}

// ActionByName returns the action declared under name.
func (d *Deck) ActionByName(name string) (Action, bool) {
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// Tools renders the deck's actions as hardened canonical tool declarations.
func (d *Deck) Tools() []protocol.Tool {
	if len(d.Actions) == 0 {
		return nil
	}
	tools := make([]protocol.Tool, 0, len(d.Actions))
	for _, a := range d.Actions {
		tools = append(tools, protocol.Tool{
			Type:        "function",
			Name:        a.Name,
			Description: a.Description,
			Parameters:  protocol.HardenToolParameters(a.Parameters),
		})
	}
	return tools
}
