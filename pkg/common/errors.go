package common

import (
	"errors"
	"net/http"
)

// Sentinel errors shared across services.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrBadRequest     = errors.New("bad request")
	ErrConflict       = errors.New("resource conflict")
	ErrGone           = errors.New("resource gone")
	ErrUnavailable    = errors.New("upstream unavailable")
	ErrInternalServer = errors.New("internal server error")
	ErrValidation     = errors.New("validation error")
)

// AppError is an application error carrying the HTTP status it maps to.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError.
func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewBadRequestError reports invalid input; never retried.
func NewBadRequestError(message string, err error) *AppError {
	if err == nil {
		err = ErrBadRequest
	}
	return &AppError{Code: http.StatusBadRequest, Message: message, Err: err}
}

// NewNotFoundError reports an absent entity.
func NewNotFoundError(message string, err error) *AppError {
	if err == nil {
		err = ErrNotFound
	}
	return &AppError{Code: http.StatusNotFound, Message: message, Err: err}
}

// NewConflictError reports an optimistic-concurrency miss; the caller re-reads.
func NewConflictError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, Message: message, Err: ErrConflict}
}

// NewGoneError reports state that advanced past the caller's expectation,
// e.g. a late offer acknowledgement after the window elapsed.
func NewGoneError(message string) *AppError {
	return &AppError{Code: http.StatusGone, Message: message, Err: ErrGone}
}

// NewUnavailableError reports a transient upstream failure after retries exhausted.
func NewUnavailableError(message string, err error) *AppError {
	if err == nil {
		err = ErrUnavailable
	}
	return &AppError{Code: http.StatusBadGateway, Message: message, Err: err}
}

// NewInternalError reports an unexpected invariant violation.
func NewInternalError(message string, err error) *AppError {
	if err == nil {
		err = ErrInternalServer
	}
	return &AppError{Code: http.StatusInternalServerError, Message: message, Err: err}
}

// NewValidationError reports a request body that failed validation.
func NewValidationError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: message, Err: ErrValidation}
}

// AsAppError unwraps err into an *AppError, or wraps it as a 500.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError("internal server error", err)
}
