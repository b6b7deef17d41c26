package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes harness errors so operators can tell "the workflow is
// misbehaving" from "the vendor failed".
type ErrorKind int

const (
	ErrKindConfig     ErrorKind = iota // missing key, bad prefix, invalid enum: never retried
	ErrKindTransport                   // non-2xx HTTP, subprocess non-zero exit
	ErrKindProtocol                    // stream ended without terminal event, malformed vendor payload
	ErrKindGuardrail                   // depth/pass/timeout exceeded
	ErrKindValidation                  // output failed its declared schema
	ErrKindHandler                     // failure inside a supervisory handler
	ErrKindCancelled                   // run cancelled by caller or deadline
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfig:
		return "config"
	case ErrKindTransport:
		return "transport"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindGuardrail:
		return "guardrail"
	case ErrKindValidation:
		return "validation"
	case ErrKindHandler:
		return "handler"
	case ErrKindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// HarnessError is the typed error all components surface. Code is a stable
// machine-readable identifier (e.g. "depth_exceeded"); Details carries
// vendor status/body or guardrail limits.
type HarnessError struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *HarnessError) Error() string {
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *HarnessError) Unwrap() error { return e.cause }

// WithCause attaches an underlying error.
func (e *HarnessError) WithCause(err error) *HarnessError {
	e.cause = err
	return e
}

// WithDetail attaches one detail key.
func (e *HarnessError) WithDetail(key string, value any) *HarnessError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewConfigError creates a fatal configuration error.
func NewConfigError(code, format string, args ...any) *HarnessError {
	return &HarnessError{Kind: ErrKindConfig, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewTransportError creates a vendor transport error.
func NewTransportError(code, format string, args ...any) *HarnessError {
	return &HarnessError{Kind: ErrKindTransport, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewProtocolError creates a protocol-violation error.
func NewProtocolError(code, format string, args ...any) *HarnessError {
	return &HarnessError{Kind: ErrKindProtocol, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewGuardrailError creates a guardrail-violation error.
func NewGuardrailError(code, format string, args ...any) *HarnessError {
	return &HarnessError{Kind: ErrKindGuardrail, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError creates a schema/validation error.
func NewValidationError(code, format string, args ...any) *HarnessError {
	return &HarnessError{Kind: ErrKindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewHandlerError creates a handler-boundary error.
func NewHandlerError(code, format string, args ...any) *HarnessError {
	return &HarnessError{Kind: ErrKindHandler, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(format string, args ...any) *HarnessError {
	return &HarnessError{Kind: ErrKindCancelled, Code: "cancelled", Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind of err, or ok=false when err is not a
// HarnessError.
func KindOf(err error) (ErrorKind, bool) {
	var he *HarnessError
	if errors.As(err, &he) {
		return he.Kind, true
	}
	return 0, false
}

// IsGuardrail reports whether err is a guardrail violation.
func IsGuardrail(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ErrKindGuardrail
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ErrKindConfig
}
