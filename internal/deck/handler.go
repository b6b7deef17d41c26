package deck

import "time"

// DefaultHandlerDelayMs is the delay before a handler first fires.
const DefaultHandlerDelayMs = 800

// Handler is a supervisory deck reference. Invoking it is a full nested
// execution bounded by the usual guardrail machinery.
type Handler struct {
	// Path is the library path of the handler deck.
	Path string `yaml:"path" json:"path"`

	// DelayMs is how long the triggering condition must hold before the
	// handler first fires.
	DelayMs int `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`

	// RepeatMs, when positive, re-fires the handler on that interval while
	// the condition persists.
	RepeatMs int `yaml:"repeatMs,omitempty" json:"repeatMs,omitempty"`
}

// Delay returns the initial firing delay, applying the default.
func (h Handler) Delay() time.Duration {
	ms := h.DelayMs
	if ms <= 0 {
		ms = DefaultHandlerDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Repeat returns the repeat interval, or 0 when the handler fires once.
func (h Handler) Repeat() time.Duration {
	if h.RepeatMs <= 0 {
		return 0
	}
	return time.Duration(h.RepeatMs) * time.Millisecond
}

// Handlers groups a deck's supervisory handlers. All are optional.
type Handlers struct {
	OnBusy  *Handler `yaml:"onBusy,omitempty" json:"onBusy,omitempty"`
	OnIdle  *Handler `yaml:"onIdle,omitempty" json:"onIdle,omitempty"`
	OnError *Handler `yaml:"onError,omitempty" json:"onError,omitempty"`
}
