package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration indicates that a processor property could not be
	// resolved to a usable value (empty, non-numeric, negative, out of range).
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrIOFailure indicates that record content could not be read or written
	ErrIOFailure = errors.New("io failure")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidSubject indicates that the provided subject is invalid
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")
)

// ErrorType classifies an AppError. The zero value is Internal, which is the
// only type treated as transient.
type ErrorType int

const (
	Internal ErrorType = iota
	NotFound
	BadRequest
	Unauthorized
	Conflict
	ValidationFailed
	PermissionDenied
)

// String returns the snake_case name used in result messages.
func (t ErrorType) String() string {
	switch t {
	case NotFound:
		return "not_found"
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case Conflict:
		return "conflict"
	case ValidationFailed:
		return "validation_failed"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "internal"
	}
}

// AppError is the structured error carried through the processor and
// reported on the result stream.
type AppError struct {
	// Type drives retry classification
	Type ErrorType

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// NodeID identifies the processor instance, if known
	NodeID string

	// Err is the underlying error, if any
	Err error

	// kind is an optional sentinel matched by errors.Is
	kind error
}

// Error implements the error interface
func (e *AppError) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.NodeID != "" {
		prefix = fmt.Sprintf("node %s: %s", e.NodeID, prefix)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel this error was built for.
func (e *AppError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// WithNodeID returns the same error annotated with a node id.
func (e *AppError) WithNodeID(nodeID string) *AppError {
	e.NodeID = nodeID
	return e
}

func newAppError(t ErrorType, nodeID, message, code string, err error) *AppError {
	return &AppError{
		Type:    t,
		Code:    code,
		Message: message,
		NodeID:  nodeID,
		Err:     err,
	}
}

// NewInternalError creates a transient error
func NewInternalError(nodeID, message, code string, err error) *AppError {
	return newAppError(Internal, nodeID, message, code, err)
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(message, code string, err error) *AppError {
	return newAppError(NotFound, "", message, code, err)
}

// NewBadRequestError creates a bad-request error
func NewBadRequestError(message, code string, err error) *AppError {
	return newAppError(BadRequest, "", message, code, err)
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message, code string, err error) *AppError {
	return newAppError(Unauthorized, "", message, code, err)
}

// NewConflictError creates a conflict error
func NewConflictError(message, code string, err error) *AppError {
	return newAppError(Conflict, "", message, code, err)
}

// NewValidationError creates a validation error
func NewValidationError(message, code string, err error) *AppError {
	return newAppError(ValidationFailed, "", message, code, err)
}

// NewPermissionDeniedError creates a permission-denied error
func NewPermissionDeniedError(message, code string, err error) *AppError {
	return newAppError(PermissionDenied, "", message, code, err)
}

// InvalidConfiguration reports a property that cannot be used. The result
// matches ErrInvalidConfiguration with errors.Is.
func InvalidConfiguration(field, message string, err error) *AppError {
	msg := message
	if field != "" {
		msg = fmt.Sprintf("%s: %s", field, message)
	}
	e := newAppError(ValidationFailed, "", msg, "INVALID_CONFIGURATION", err)
	e.kind = ErrInvalidConfiguration
	return e
}

// IOFailure reports a read or write failure on record content, or a failure
// to generate the prefix. The result
// matches both ErrIOFailure and the underlying cause with errors.Is.
func IOFailure(op string, err error) *AppError {
	e := newAppError(Internal, "", op+" failed", "IO_FAILURE", err)
	e.kind = ErrIOFailure
	return e
}

// IsInvalidConfiguration checks if an error is a configuration error
func IsInvalidConfiguration(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}

// IsIOFailure checks if an error is a content read/write failure
func IsIOFailure(err error) bool {
	return errors.Is(err, ErrIOFailure)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsRetryable reports whether redelivery could succeed. Plain errors and
// Internal AppErrors are transient; every other AppError type is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == Internal
	}
	return true
}
