package deck

import "time"

// Guardrail defaults.
const (
	DefaultMaxDepth  = 3
	DefaultMaxPasses = 10
	DefaultTimeoutMs = 120_000
)

// Guardrails bounds one execution tree. Zero fields inherit from the parent
// (or the defaults at the root).
type Guardrails struct {
	// MaxDepth bounds recursive child-deck calls below this deck.
	MaxDepth int `yaml:"maxDepth,omitempty" json:"maxDepth,omitempty"`

	// MaxPasses bounds model round-trips within one deck invocation.
	MaxPasses int `yaml:"maxPasses,omitempty" json:"maxPasses,omitempty"`

	// TimeoutMs bounds the wall-clock duration of the whole invocation.
	TimeoutMs int `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// Resolve overlays g on parent: zero fields inherit.
func (g Guardrails) Resolve(parent Guardrails) Guardrails {
	out := parent
	if g.MaxDepth != 0 {
		out.MaxDepth = g.MaxDepth
	}
	if g.MaxPasses != 0 {
		out.MaxPasses = g.MaxPasses
	}
	if g.TimeoutMs != 0 {
		out.TimeoutMs = g.TimeoutMs
	}
	return out
}

// Defaults returns the root-level guardrails.
func Defaults() Guardrails {
	return Guardrails{
		MaxDepth:  DefaultMaxDepth,
		MaxPasses: DefaultMaxPasses,
		TimeoutMs: DefaultTimeoutMs,
	}
}

// Timeout returns TimeoutMs as a duration.
func (g Guardrails) Timeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}
