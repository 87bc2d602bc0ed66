// Package calcerr defines the error kinds surfaced by calculation runs.
//
// Staging failures abort before any computation. Calculation failures are
// returned only after the scratch directory has been archived, and wrap the
// original error so errors.Is and errors.As still reach it. Integrity errors
// are never recovered. Convergence errors are returned alongside whatever
// partial result exists.
package calcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrStaging marks a scratch directory that could not be prepared.
	ErrStaging = errors.New("staging failed")
	// ErrIntegrity marks output geometry that does not match the input species.
	ErrIntegrity = errors.New("geometry integrity violation")
	// ErrNotConverged marks a run that did not reach its tolerance.
	ErrNotConverged = errors.New("not converged")
	// ErrNoCalculator is returned when a structure has no attached calculator.
	ErrNoCalculator = errors.New("structure has no calculator attached")
)

// CalculationError reports a failed calculator invocation. ResultsDir holds
// the archived partial output.
type CalculationError struct {
	Calculator string
	ResultsDir string
	Err        error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculation %s failed (outputs in %s): %v", e.Calculator, e.ResultsDir, e.Err)
}

func (e *CalculationError) Unwrap() error { return e.Err }

// IntegrityError reports a species sequence change between input and output.
type IntegrityError struct {
	File string
	Want []string
	Got  []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("species in %s do not match input: want %v, got %v", e.File, e.Want, e.Got)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// ConvergenceError reports an optimizer or external code that stopped short
// of its tolerance.
type ConvergenceError struct {
	Dir    string
	Steps  int
	Fmax   float64
	Reason string
}

func (e *ConvergenceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("not converged after %d steps (fmax %.4g) in %s: %s", e.Steps, e.Fmax, e.Dir, e.Reason)
	}
	return fmt.Sprintf("not converged after %d steps (fmax %.4g) in %s", e.Steps, e.Fmax, e.Dir)
}

func (e *ConvergenceError) Is(target error) bool { return target == ErrNotConverged }
