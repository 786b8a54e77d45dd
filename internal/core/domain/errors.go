package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSample      = errors.New("invalid sample")
	ErrInvalidConfig      = errors.New("invalid monitoring config")
	ErrInvalidChangeEvent = errors.New("invalid change event")
	ErrInvalidIndex       = errors.New("invalid index definition")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrRegressionActive   = errors.New("regression is active")
)

// ValidationError reports which field of an input was rejected. It wraps one of
// the Err* sentinels so callers can match the category with errors.Is.
type ValidationError struct {
	Kind   error
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalid(kind error, field, format string, args ...any) error {
	return &ValidationError{Kind: kind, Field: field, Reason: fmt.Sprintf(format, args...)}
}
