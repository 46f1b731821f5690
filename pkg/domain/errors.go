package domain

import "fmt"

// SemanticError is the typed error for the identity semantic phase.
type SemanticError struct {
	Kind    string
	Field   string
	Message string
	Wrapped error
}

func (e *SemanticError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SemanticError) Unwrap() error {
	return e.Wrapped
}

// ErrInvalidResultShape flags a result object missing expected fields or
// carrying wrong container types. Recoverable: the caller produces an
// empty-but-valid output.
func ErrInvalidResultShape(field, reason string) error {
	return &SemanticError{
		Kind:    "InvalidResultShape",
		Field:   field,
		Message: fmt.Sprintf("result field %q: %s", field, reason),
	}
}

// ErrItemSkipped records one malformed identity or match that was skipped.
func ErrItemSkipped(item string, err error) error {
	return &SemanticError{
		Kind:    "ItemSkipped",
		Message: fmt.Sprintf("skipped %s", item),
		Wrapped: err,
	}
}

// ErrInvalidPattern flags a rule pattern that failed to compile. The
// pattern is disabled for the run, not fatal.
func ErrInvalidPattern(pattern string, err error) error {
	return &SemanticError{
		Kind:    "InvalidPattern",
		Field:   pattern,
		Message: fmt.Sprintf("pattern %q does not compile", pattern),
		Wrapped: err,
	}
}

// ErrBatchWriteFailed records a failed store batch. Only that batch is
// lost; the run continues.
func ErrBatchWriteFailed(batch int, err error) error {
	return &SemanticError{
		Kind:    "BatchWriteFailed",
		Message: fmt.Sprintf("batch %d commit failed", batch),
		Wrapped: err,
	}
}

// ErrPhaseFailed wraps an unexpected failure caught at the controller
// boundary.
func ErrPhaseFailed(phase string, err error) error {
	return &SemanticError{
		Kind:    "PhaseFailed",
		Message: fmt.Sprintf("phase %s failed", phase),
		Wrapped: err,
	}
}
