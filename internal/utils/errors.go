package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError represents an error occurring during parameter or input validation.
type ValidationError struct {
	Message string
}

// Error returns the error message string.
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError with a specific message.
func NewValidationError(message string) error {
	return &ValidationError{
		Message: message,
	}
}

// NewValidationErrorf creates a new ValidationError with a formatted message.
func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{
		Message: fmt.Sprintf(format, args...),
	}
}

// InsufficientDataError reports a series shorter than a detector's minimum length.
// Callers recover by widening the date range or shrinking the detector parameters.
type InsufficientDataError struct {
	Detector string
	Required int
	Actual   int
}

// Error returns the error message string.
func (e *InsufficientDataError) Error() string {
	if e.Detector == "" {
		return fmt.Sprintf("insufficient data: need at least %d points, got %d", e.Required, e.Actual)
	}
	return fmt.Sprintf("insufficient data for %s: need at least %d points, got %d", e.Detector, e.Required, e.Actual)
}

// NewInsufficientDataError creates a new InsufficientDataError.
func NewInsufficientDataError(detector string, required, actual int) error {
	return &InsufficientDataError{Detector: detector, Required: required, Actual: actual}
}

// ConvergenceWarning is a non-fatal condition: the iterative fit hit its iteration cap
// before the log-likelihood improvement fell below tolerance.
type ConvergenceWarning struct {
	Iterations int
	Delta      float64
	Tolerance  float64
}

// Error returns the warning message string.
func (e *ConvergenceWarning) Error() string {
	return fmt.Sprintf("fit did not converge after %d iterations (last improvement %.3g, tolerance %.3g)",
		e.Iterations, e.Delta, e.Tolerance)
}

// SingularCovarianceError reports a hidden state whose covariance cannot be inverted
// even after ridge regularization.
type SingularCovarianceError struct {
	States int
	State  int
	Reason string
}

// Error returns the error message string.
func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("singular covariance for state %d of %d: %s", e.State, e.States, e.Reason)
}

// TooManySubjectsError reports a comparison request above the subject cap.
type TooManySubjectsError struct {
	Max    int
	Actual int
}

// Error returns the error message string.
func (e *TooManySubjectsError) Error() string {
	return fmt.Sprintf("too many subjects for comparison: max %d, got %d", e.Max, e.Actual)
}

// AggregateAnalysisError is returned when every detector of a comprehensive analysis failed.
type AggregateAnalysisError struct {
	SubjectID string
	Errors    map[string]error
}

// Error returns the error message string.
func (e *AggregateAnalysisError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for _, name := range detectorOrder(e.Errors) {
		names = append(names, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	return fmt.Sprintf("all detectors failed for %s (%s)", e.SubjectID, strings.Join(names, "; "))
}

// Unwrap exposes the individual detector errors to errors.Is / errors.As.
func (e *AggregateAnalysisError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, name := range detectorOrder(e.Errors) {
		out = append(out, e.Errors[name])
	}
	return out
}

func detectorOrder(errs map[string]error) []string {
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsClientCorrectable reports whether err can be fixed by the caller adjusting its
// request: insufficient data, invalid parameters or too many subjects.
func IsClientCorrectable(err error) bool {
	var insufficient *InsufficientDataError
	var validation *ValidationError
	var tooMany *TooManySubjectsError
	return errors.As(err, &insufficient) || errors.As(err, &validation) || errors.As(err, &tooMany)
}

// RequiredLength extracts the minimum length from an InsufficientDataError anywhere in
// the chain. It returns 0 when err carries none.
func RequiredLength(err error) int {
	var insufficient *InsufficientDataError
	if errors.As(err, &insufficient) {
		return insufficient.Required
	}
	return 0
}
