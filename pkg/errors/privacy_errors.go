package errors

import (
	"fmt"
)

// Privacy filter error codes
const (
	CodeInvalidConfig        = "INVALID_CONFIG"
	CodeInvalidStepCount     = "INVALID_STEP_COUNT"
	CodeShapeMismatch        = "SHAPE_MISMATCH"
	CodeUnsupportedTechnique = "UNSUPPORTED_TECHNIQUE"
	CodeEmptyUpdate          = "EMPTY_UPDATE"
	CodeUnsupportedDataKind  = "UNSUPPORTED_DATA_KIND"
	CodeNonFiniteValue       = "NON_FINITE_VALUE"
)

// Sentinels for errors.Is. They are never returned directly; use the
// constructors below, which produce fresh values that match them.
var (
	ErrInvalidConfig        = NewConfigurationError(CodeInvalidConfig, "invalid privacy configuration")
	ErrInvalidStepCount     = NewValidationError(CodeInvalidStepCount, "step count must be at least 1")
	ErrShapeMismatch        = NewInternalError(CodeShapeMismatch, "vector does not match parameter layout")
	ErrUnsupportedTechnique = NewInternalError(CodeUnsupportedTechnique, "unsupported privacy technique")
	ErrEmptyUpdate          = NewValidationError(CodeEmptyUpdate, "update contains no parameters")
	ErrUnsupportedDataKind  = NewValidationError(CodeUnsupportedDataKind, "unsupported data kind")
	ErrNonFiniteValue       = NewValidationError(CodeNonFiniteValue, "update contains a non-finite value")
)

// NewInvalidConfigError reports a malformed or out-of-range configuration value.
func NewInvalidConfigError(cause error) *AppError {
	err := WrapError(cause, ErrorTypeConfiguration, CodeInvalidConfig, "invalid privacy configuration")
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewInvalidStepCountError reports a step count below one.
func NewInvalidStepCountError(stepCount int) *AppError {
	return NewValidationError(CodeInvalidStepCount, "step count must be at least 1").
		WithDetails(fmt.Sprintf("got %d", stepCount)).
		WithContext("step_count", stepCount)
}

// NewShapeMismatchError reports a vector or tensor whose length disagrees with its declared shape.
func NewShapeMismatchError(format string, args ...interface{}) *AppError {
	return NewInternalError(CodeShapeMismatch, "vector does not match parameter layout").
		WithDetails(fmt.Sprintf(format, args...))
}

// NewUnsupportedTechniqueError reports a dispatch that reached no mechanism.
func NewUnsupportedTechniqueError(technique string) *AppError {
	return NewInternalError(CodeUnsupportedTechnique, "unsupported privacy technique").
		WithDetails(technique).
		WithContext("technique", technique)
}

// NewEmptyUpdateError reports an update without parameters.
func NewEmptyUpdateError() *AppError {
	return NewValidationError(CodeEmptyUpdate, "update contains no parameters")
}

// NewUnsupportedDataKindError reports an envelope whose data kind the filter does not handle.
func NewUnsupportedDataKindError(kind string) *AppError {
	return NewValidationError(CodeUnsupportedDataKind, "unsupported data kind").
		WithDetails(kind).
		WithContext("data_kind", kind)
}

// NewNonFiniteValueError reports a NaN or infinite value in a parameter.
func NewNonFiniteValueError(name string, index int) *AppError {
	return NewValidationError(CodeNonFiniteValue, "update contains a non-finite value").
		WithDetails(fmt.Sprintf("parameter %q index %d", name, index)).
		WithContext("parameter", name)
}
