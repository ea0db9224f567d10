package ims

import (
	"fmt"
)

// ErrorCategory classifies service errors for logging and metrics.
type ErrorCategory string

const (
	ErrorCategorySystem    ErrorCategory = "SYSTEM"
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"
	ErrorCategoryTimeout   ErrorCategory = "TIMEOUT"
	ErrorCategoryProtocol  ErrorCategory = "PROTOCOL"
	ErrorCategorySession   ErrorCategory = "SESSION"
	ErrorCategoryAuth      ErrorCategory = "AUTH"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// Error codes surfaced at the session-listener boundary. Protocol failures
// are always translated into one of these; raw errors never cross it.
const (
	ErrUnexpected                = 1
	ErrSessionInitiationFailed   = 101
	ErrSessionInitiationDeclined = 102
	ErrSessionInitiationCanceled = 103
	ErrSessionInitiationBusy     = 104
	ErrSessionTerminated         = 105
	ErrMediaFailed               = 110
	ErrAuthFailed                = 111
	ErrMessageDeliveryFailed     = 120
	ErrTransferFailed            = 130
	ErrTransferNotAllowed        = 131
)

// ServiceError is the typed error passed to HandleError on session
// listeners. It carries a stable code, a category for classification and
// an optional cause reachable through errors.Is/As.
type ServiceError struct {
	Code     int
	Message  string
	Category ErrorCategory
	Cause    error
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%d] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%d] %s", e.Category, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// NewServiceError builds a ServiceError with an explicit category.
func NewServiceError(code int, category ErrorCategory, format string, args ...any) *ServiceError {
	return &ServiceError{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Category: category,
	}
}

// WithCause attaches the underlying error and returns the receiver.
func (e *ServiceError) WithCause(cause error) *ServiceError {
	e.Cause = cause
	return e
}

// ErrInitiationTimeout reports an INVITE that saw no final response within
// the response timeout.
func ErrInitiationTimeout(timeoutSecs int64) *ServiceError {
	return NewServiceError(ErrSessionInitiationFailed, ErrorCategoryTimeout,
		"session initiation failed: no response after %ds", timeoutSecs)
}

// ErrInitiationRejected maps a terminal SIP rejection code onto the error
// taxonomy: 480 unavailable, 486 busy, 487 canceled, 603 declined.
func ErrInitiationRejected(statusCode int, reason string) *ServiceError {
	switch statusCode {
	case 486:
		return NewServiceError(ErrSessionInitiationBusy, ErrorCategorySession,
			"session invitation rejected: %d %s", statusCode, reason)
	case 487:
		return NewServiceError(ErrSessionInitiationCanceled, ErrorCategorySession,
			"session invitation canceled: %d %s", statusCode, reason)
	case 603:
		return NewServiceError(ErrSessionInitiationDeclined, ErrorCategorySession,
			"session invitation declined: %d %s", statusCode, reason)
	default:
		return NewServiceError(ErrSessionInitiationFailed, ErrorCategorySession,
			"session initiation failed: %d %s", statusCode, reason)
	}
}

// CodeOf extracts the service error code, ErrUnexpected for foreign errors.
func CodeOf(err error) int {
	if se, ok := err.(*ServiceError); ok {
		return se.Code
	}
	return ErrUnexpected
}
