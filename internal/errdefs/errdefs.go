// Package errdefs holds the error taxonomy shared by every quantization stage.
//
// Each failure class has a sentinel usable with errors.Is and, where the
// caller needs details, a typed error that unwraps to the sentinel.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedOperator         = errors.New("unsupported operator")
	ErrGraphCycle                  = errors.New("graph contains a cycle")
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")
	ErrInfeasibleBudget            = errors.New("infeasible resource budget")
	ErrSearchInfeasible            = errors.New("mixed-precision search infeasible")
	ErrCalibrationNumeric          = errors.New("degenerate calibration range")
	ErrRefinementDivergence        = errors.New("refinement diverged")

	ErrInvalidModel      = errors.New("invalid model")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrStaleSensitivity  = errors.New("stale sensitivity scores")
	ErrInvalidAssignment = errors.New("invalid assignment")
)

// UnsupportedOperatorError reports a layer whose operator kind has no
// capability entry and is not whitelisted as passthrough.
type UnsupportedOperatorError struct {
	Layer string
	Kind  string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("layer %q: operator kind %q has no capability entry", e.Layer, e.Kind)
}

func (e *UnsupportedOperatorError) Unwrap() error { return ErrUnsupportedOperator }

// GraphCycleError lists the nodes that could not be ordered topologically.
type GraphCycleError struct {
	Nodes []string
}

func (e *GraphCycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle through %s", strings.Join(e.Nodes, ", "))
}

func (e *GraphCycleError) Unwrap() error { return ErrGraphCycle }

// InsufficientCalibrationDataError is returned when the representative
// dataset produced fewer batches than required.
type InsufficientCalibrationDataError struct {
	Got  int
	Want int
}

func (e *InsufficientCalibrationDataError) Error() string {
	return fmt.Sprintf("representative dataset produced %d batches, need at least %d", e.Got, e.Want)
}

func (e *InsufficientCalibrationDataError) Unwrap() error { return ErrInsufficientCalibrationData }

// InfeasibleBudgetError reports the resource dimensions on which even the
// cheapest assignment exceeds the budget.
type InfeasibleBudgetError struct {
	Dimensions []string
	Minimum    map[string]float64
	Limit      map[string]float64
}

func (e *InfeasibleBudgetError) Error() string {
	parts := make([]string, 0, len(e.Dimensions))
	for _, d := range e.Dimensions {
		parts = append(parts, fmt.Sprintf("%s min=%g limit=%g", d, e.Minimum[d], e.Limit[d]))
	}
	return "minimum-cost assignment exceeds budget: " + strings.Join(parts, "; ")
}

func (e *InfeasibleBudgetError) Unwrap() error { return ErrInfeasibleBudget }

// SearchInfeasibleError is returned when the search loop runs out of moves
// before meeting the budget.
type SearchInfeasibleError struct {
	Steps      int
	Dimensions []string
}

func (e *SearchInfeasibleError) Error() string {
	return fmt.Sprintf("no assignment satisfies the budget after %d steps (violated: %s)",
		e.Steps, strings.Join(e.Dimensions, ", "))
}

func (e *SearchInfeasibleError) Unwrap() error { return ErrSearchInfeasible }

// CalibrationNumericError describes a tensor whose observed range was too
// small for a meaningful threshold search. It is reported, never fatal.
type CalibrationNumericError struct {
	Tensor    string
	MaxAbs    float64
	Threshold float64
}

func (e *CalibrationNumericError) Error() string {
	return fmt.Sprintf("tensor %q: observed max-abs %g, using minimal threshold %g", e.Tensor, e.MaxAbs, e.Threshold)
}

func (e *CalibrationNumericError) Unwrap() error { return ErrCalibrationNumeric }

// RefinementDivergenceError is returned when the distillation loss turns
// non-finite. Iteration is zero-based.
type RefinementDivergenceError struct {
	Iteration int
	Loss      float64
}

func (e *RefinementDivergenceError) Error() string {
	return fmt.Sprintf("distillation loss became %v at iteration %d", e.Loss, e.Iteration)
}

func (e *RefinementDivergenceError) Unwrap() error { return ErrRefinementDivergence }

// Invalidf wraps ErrInvalidModel with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidModel, fmt.Sprintf(format, args...))
}

// ConfigErrorf wraps ErrInvalidConfig with a formatted message.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
