package services

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeInvalidRequest     ErrorType = "invalid_request"
	ErrorTypeAuthentication     ErrorType = "authentication_error"
	ErrorTypeAuthorization      ErrorType = "authorization_error"
	ErrorTypeModelNotFound      ErrorType = "model_not_found"
	ErrorTypeRateLimit          ErrorType = "rate_limit_exceeded"
	ErrorTypeProvider           ErrorType = "provider_error"
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"
	ErrorTypeTimeout            ErrorType = "timeout_error"
	ErrorTypeInternal           ErrorType = "internal_server_error"
)

// StatusCode returns the HTTP status associated with the error type
func (t ErrorType) StatusCode() int {
	switch t {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeModelNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeProvider:
		return http.StatusBadGateway
	case ErrorTypeServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError of the same type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. They match any DomainError of the same type.
var (
	ErrInvalidRequest     = NewDomainError(ErrorTypeInvalidRequest, "invalid request", nil)
	ErrAuthentication     = NewDomainError(ErrorTypeAuthentication, "authentication failed", nil)
	ErrAuthorization      = NewDomainError(ErrorTypeAuthorization, "not authorized", nil)
	ErrModelNotFound      = NewDomainError(ErrorTypeModelNotFound, "model not found", nil)
	ErrRateLimitExceeded  = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)
	ErrProvider           = NewDomainError(ErrorTypeProvider, "provider error", nil)
	ErrServiceUnavailable = NewDomainError(ErrorTypeServiceUnavailable, "service unavailable", nil)
	ErrTimeout            = NewDomainError(ErrorTypeTimeout, "request timed out", nil)
	ErrInternal           = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Constructors

// InvalidRequest creates an invalid_request error
func InvalidRequest(message string) *DomainError {
	return NewDomainError(ErrorTypeInvalidRequest, message, nil)
}

// AuthenticationFailed creates an authentication_error
func AuthenticationFailed(message string) *DomainError {
	return NewDomainError(ErrorTypeAuthentication, message, nil)
}

// ModelNotFound creates a model_not_found error
func ModelNotFound(message string) *DomainError {
	return NewDomainError(ErrorTypeModelNotFound, message, nil)
}

// RateLimitExceeded creates a rate_limit_exceeded error
func RateLimitExceeded(message string) *DomainError {
	return NewDomainError(ErrorTypeRateLimit, message, nil)
}

// ProviderFailure creates a provider_error wrapping the cause
func ProviderFailure(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeProvider, message, err)
}

// ServiceUnavailable creates a service_unavailable error wrapping the cause
func ServiceUnavailable(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeServiceUnavailable, message, err)
}

// Timeout creates a timeout_error wrapping the cause
func Timeout(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, err)
}

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsInvalidRequestError checks if an error is an invalid request error
func IsInvalidRequestError(err error) bool {
	return isType(err, ErrorTypeInvalidRequest)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	return isType(err, ErrorTypeAuthentication)
}

// IsAuthorizationError checks if an error is an authorization error
func IsAuthorizationError(err error) bool {
	return isType(err, ErrorTypeAuthorization)
}

// IsModelNotFoundError checks if an error is a model not found error
func IsModelNotFoundError(err error) bool {
	return isType(err, ErrorTypeModelNotFound)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return isType(err, ErrorTypeRateLimit)
}

// IsProviderError checks if an error is a provider error
func IsProviderError(err error) bool {
	return isType(err, ErrorTypeProvider)
}

// IsServiceUnavailableError checks if an error is a service unavailable error
func IsServiceUnavailableError(err error) bool {
	return isType(err, ErrorTypeServiceUnavailable)
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// GetErrorMessage returns the message of a domain error without the type prefix
// or wrapped cause. Other errors return err.Error().
func GetErrorMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
