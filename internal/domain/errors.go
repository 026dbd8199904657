package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeDocumentUnreadable  ErrorType = "document_unreadable"
	ErrorTypeProviderTimeout     ErrorType = "provider_timeout"
	ErrorTypeProviderUnavailable ErrorType = "provider_unavailable"
	ErrorTypeProviderRejected    ErrorType = "provider_rejected"
	ErrorTypeMalformedResponse   ErrorType = "malformed_response"
	ErrorTypeNotReady            ErrorType = "not_ready"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeCancelled           ErrorType = "cancelled"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeConfig              ErrorType = "config"
	ErrorTypeIO                  ErrorType = "io"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func DocumentUnreadableError(message string, err error) *DomainError {
	return NewError(ErrorTypeDocumentUnreadable, message, err)
}

func ProviderTimeoutError(message string, err error) *DomainError {
	return NewError(ErrorTypeProviderTimeout, message, err)
}

func ProviderUnavailableError(message string, err error) *DomainError {
	return NewError(ErrorTypeProviderUnavailable, message, err)
}

func ProviderRejectedError(message string, err error) *DomainError {
	return NewError(ErrorTypeProviderRejected, message, err)
}

func MalformedResponseError(message string, err error) *DomainError {
	return NewError(ErrorTypeMalformedResponse, message, err)
}

func NotReadyError(message string, err error) *DomainError {
	return NewError(ErrorTypeNotReady, message, err)
}

func NotFoundError(message string, err error) *DomainError {
	return NewError(ErrorTypeNotFound, message, err)
}

func CancelledError(message string, err error) *DomainError {
	return NewError(ErrorTypeCancelled, message, err)
}

func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

// TypeOf returns the ErrorType of the outermost DomainError in err's chain,
// or "" when err carries none.
func TypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// IsType reports whether err is a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}

// IsTransient reports whether a failed model call may succeed when retried.
func IsTransient(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeProviderTimeout, ErrorTypeProviderUnavailable:
		return true
	default:
		return false
	}
}

// UserMessage renders err for task status output: the failure category and
// its message, without wrapped transport detail.
func UserMessage(err error) string {
	var de *DomainError
	if !errors.As(err, &de) {
		return err.Error()
	}

	switch de.Type {
	case ErrorTypeDocumentUnreadable:
		return "document unreadable: " + de.Message
	case ErrorTypeProviderTimeout:
		return "model provider timed out: " + de.Message
	case ErrorTypeProviderUnavailable:
		return "model provider unavailable: " + de.Message
	case ErrorTypeProviderRejected:
		return "model provider rejected the request: " + de.Message
	case ErrorTypeMalformedResponse:
		return "malformed model response: " + de.Message
	case ErrorTypeCancelled:
		return "conversion cancelled"
	default:
		return de.Message
	}
}
