package deck

import "fmt"

// Validator checks a deck's final payload. Schema compilation is an external
// concern; the engine only consumes opaque validators.
type Validator interface {
	Validate(value any) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(value any) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(value any) error { return f(value) }

// Permissive accepts any payload. Root decks without a declared schema
// default to this.
func Permissive() Validator {
	return ValidatorFunc(func(any) error { return nil })
}

// RequireString accepts only string payloads; the string-ish default for
// decks that declare a plain text contract.
func RequireString() Validator {
	return ValidatorFunc(func(value any) error {
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string payload, got %T", value)
		}
		return nil
	})
}
