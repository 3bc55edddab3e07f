package optimization

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/optimize"
)

var (
	// ErrInsufficientData is returned when a return matrix has fewer than two
	// rows or fewer than two assets.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInvalidUniverse is returned when the requested asset universe cannot be
	// served by the return matrix (duplicate or unknown tickers, mismatched
	// dimensions).
	ErrInvalidUniverse = errors.New("invalid asset universe")

	// ErrInvalidReturns is returned when a return matrix contains a missing or
	// non-finite value.
	ErrInvalidReturns = errors.New("invalid return data")

	// ErrOptimizationFailure is matched by every *OptimizationError.
	ErrOptimizationFailure = errors.New("optimization failure")
)

// OptimizationError describes a solve that did not produce an acceptable
// weight vector.
type OptimizationError struct {
	Message    string
	Status     optimize.Status
	Iterations int
	// Violation is the magnitude of the violated constraint when the failure
	// comes from post-solve validation, zero otherwise.
	Violation float64
}

func (e *OptimizationError) Error() string {
	msg := fmt.Sprintf("optimization failed: %s (status=%v, iterations=%d)", e.Message, e.Status, e.Iterations)
	if e.Violation != 0 {
		msg += fmt.Sprintf(", violation=%.3g", e.Violation)
	}
	return msg
}

// Unwrap lets errors.Is match ErrOptimizationFailure.
func (e *OptimizationError) Unwrap() error {
	return ErrOptimizationFailure
}
