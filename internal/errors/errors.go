package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents an Ignitron error code.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"       // 400
	ErrNotFound            ErrorCode = "NOT_FOUND"             // 404
	ErrMalformedPayload    ErrorCode = "MALFORMED_PAYLOAD"     // 422
	ErrEmptyBankList       ErrorCode = "EMPTY_BANK_LIST"       // 422
	ErrCancelled           ErrorCode = "CANCELLED"             // 499
	ErrInternal            ErrorCode = "INTERNAL"              // 500
	ErrTransportOpenFailed ErrorCode = "TRANSPORT_OPEN_FAILED" // 502
	ErrTransportReadFailed ErrorCode = "TRANSPORT_READ_FAILED" // 502
)

// IgnitronError represents a structured error with code, status, and details.
type IgnitronError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *IgnitronError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *IgnitronError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *IgnitronError {
	return &IgnitronError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing file, folder or record.
func NewNotFound(identifier string) *IgnitronError {
	return &IgnitronError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewMalformedPayload creates a 422 error for a preset payload that is not valid JSON.
func NewMalformedPayload(filename string, err error) *IgnitronError {
	msg := "malformed preset payload"
	if filename != "" {
		msg = fmt.Sprintf("malformed preset payload for %s", filename)
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return &IgnitronError{
		Code:    ErrMalformedPayload,
		Status:  422,
		Message: msg,
		Details: map[string]any{"filename": filename},
		Err:     err,
	}
}

// NewEmptyBankList creates a 422 error when a bank list has no filename to export or pad with.
func NewEmptyBankList() *IgnitronError {
	return &IgnitronError{
		Code:    ErrEmptyBankList,
		Status:  422,
		Message: "bank list has no filenames; place at least one preset before exporting",
	}
}

// NewCancelled creates an error for an operation interrupted by its context.
func NewCancelled(operation string) *IgnitronError {
	return &IgnitronError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", operation),
		Details: map[string]any{"operation": operation},
	}
}

// NewTransportOpenFailed creates a 502 error when the serial port cannot be opened.
func NewTransportOpenFailed(port string, err error) *IgnitronError {
	return &IgnitronError{
		Code:    ErrTransportOpenFailed,
		Status:  502,
		Message: fmt.Sprintf("serial open failed on %s: %v", port, err),
		Details: map[string]any{"port": port},
		Err:     err,
	}
}

// NewTransportReadFailed creates a 502 error when reading from an open port fails.
func NewTransportReadFailed(port string, err error) *IgnitronError {
	return &IgnitronError{
		Code:    ErrTransportReadFailed,
		Status:  502,
		Message: fmt.Sprintf("serial read error on %s: %v", port, err),
		Details: map[string]any{"port": port},
		Err:     err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *IgnitronError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &IgnitronError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if an error is (or wraps) an IgnitronError with the given code.
func Is(err error, code ErrorCode) bool {
	var iErr *IgnitronError
	if stderrors.As(err, &iErr) {
		return iErr.Code == code
	}
	return false
}

// IsTransport reports whether err is one of the fatal transport failures.
func IsTransport(err error) bool {
	return Is(err, ErrTransportOpenFailed) || Is(err, ErrTransportReadFailed)
}
