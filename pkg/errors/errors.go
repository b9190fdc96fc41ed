package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeConflict            ErrorType = "conflict"
	ErrorTypeInvalidDesiredState ErrorType = "invalid_desired_state"
	ErrorTypeProbeTimeout        ErrorType = "probe_timeout"
	ErrorTypeActionFailed        ErrorType = "action_failed"
	ErrorTypeStalledRollout      ErrorType = "stalled_rollout"
	ErrorTypeProcess             ErrorType = "process"
	ErrorTypeTimeout             ErrorType = "timeout"
	ErrorTypeIO                  ErrorType = "io"
	ErrorTypeNetwork             ErrorType = "network"
	ErrorTypeInternal            ErrorType = "internal"
	ErrorTypeCancelled           ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// Fleet errors
func NewInvalidDesiredStateError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInvalidDesiredState, message, cause)
}

func NewProbeTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProbeTimeout, message, cause)
}

func NewActionFailedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeActionFailed, message, cause)
}

func NewStalledRolloutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStalledRollout, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// TypeOf returns the type of the outermost DomainError in err's chain, or "" if there is none
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsInvalidDesiredStateError(err error) bool {
	return isType(err, ErrorTypeInvalidDesiredState)
}

func IsProbeTimeoutError(err error) bool {
	return isType(err, ErrorTypeProbeTimeout)
}

func IsActionFailedError(err error) bool {
	return isType(err, ErrorTypeActionFailed)
}

func IsStalledRolloutError(err error) bool {
	return isType(err, ErrorTypeStalledRollout)
}

func IsProcessError(err error) bool {
	return isType(err, ErrorTypeProcess)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// ErrorCollection aggregates errors from bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
