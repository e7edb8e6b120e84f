// Package core defines typed pipeline errors.
package core

import "errors"

// ErrorCode represents a typed error code.
type ErrorCode string

const (
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeThrottled          ErrorCode = "THROTTLED"
	CodeProcessingError    ErrorCode = "PROCESSING_ERROR"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeQueueClosed        ErrorCode = "QUEUE_CLOSED"
	CodeDeliveryFailure    ErrorCode = "DELIVERY_FAILURE"
	CodeProviderFailure    ErrorCode = "PROVIDER_FAILURE"
	CodeUnavailable        ErrorCode = "UNAVAILABLE"
)

// AppError is a typed application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the error message.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches AppErrors by code so sentinels work with errors.Is.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code && other.Err == nil
}

// Wrap creates a new AppError.
func Wrap(code ErrorCode, msg string, err error) error {
	return &AppError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode for an error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ErrInvalidInput indicates validation failures.
var ErrInvalidInput = &AppError{Code: CodeInvalidInput, Message: "invalid input"}

// ErrNotFound indicates missing resources.
var ErrNotFound = &AppError{Code: CodeNotFound, Message: "not found"}

// ErrForbidden indicates a failed permission check.
var ErrForbidden = &AppError{Code: CodeForbidden, Message: "forbidden"}

// ErrTimeout indicates a collaborator exceeded its allotted time.
var ErrTimeout = &AppError{Code: CodeTimeout, Message: "timeout"}

// ErrQueueClosed indicates the inference queue no longer accepts work.
var ErrQueueClosed = &AppError{Code: CodeQueueClosed, Message: "inference queue closed"}

// ErrBackendUnavailable indicates the inference backend failed to warm up.
var ErrBackendUnavailable = &AppError{Code: CodeBackendUnavailable, Message: "inference backend unavailable"}

// ErrProcessing indicates the inference backend rejected a payload.
var ErrProcessing = &AppError{Code: CodeProcessingError, Message: "processing error"}

// ErrThrottled indicates a rate limiter rejection.
var ErrThrottled = &AppError{Code: CodeThrottled, Message: "throttled"}
