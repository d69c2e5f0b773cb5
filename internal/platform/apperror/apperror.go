package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError and decides its default HTTP status.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindConfig        Kind = "CONFIG_ERROR"
	KindUpstreamFetch Kind = "UPSTREAM_FETCH_ERROR"
	KindParse         Kind = "PARSE_ERROR"
	KindTemplate      Kind = "TEMPLATE_ERROR"
	KindNotFound      Kind = "NOT_FOUND"
	KindInternal      Kind = "INTERNAL_ERROR"
)

// AppError is an error that knows how it should be reported over HTTP.
type AppError struct {
	Kind       Kind   `json:"type"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(kind Kind, message string, httpStatus int) *AppError {
	return &AppError{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error.
func Wrap(err error, kind Kind, message string, httpStatus int) *AppError {
	return &AppError{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation reports a bad or missing request input such as the url parameter.
func Validation(message string) *AppError {
	return New(KindValidation, message, http.StatusBadRequest)
}

// Config reports malformed corruption notation.
func Config(format string, args ...any) *AppError {
	return New(KindConfig, fmt.Sprintf(format, args...), http.StatusBadRequest)
}

// ConfigWrap reports malformed corruption notation caused by err.
func ConfigWrap(err error, message string) *AppError {
	return Wrap(err, KindConfig, message, http.StatusBadRequest)
}

// UpstreamFetch reports an origin failure. A status of 0 means the origin was
// unreachable and maps to 502.
func UpstreamFetch(err error, status int) *AppError {
	if status == 0 {
		status = http.StatusBadGateway
	}
	return Wrap(err, KindUpstreamFetch, "Unsuccessful Source Manifest fetch", status)
}

// Parse reports a structurally invalid origin manifest.
func Parse(err error, message string) *AppError {
	return Wrap(err, KindParse, message, http.StatusInternalServerError)
}

// Template reports a segment template that cannot be rewritten.
func Template(format string, args ...any) *AppError {
	return New(KindTemplate, fmt.Sprintf(format, args...), http.StatusInternalServerError)
}

// TemplateWrap reports a segment template that cannot be rewritten because of err.
func TemplateWrap(err error, message string) *AppError {
	return Wrap(err, KindTemplate, message, http.StatusInternalServerError)
}

// Internal wraps an unexpected failure.
func Internal(err error) *AppError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return Wrap(err, KindInternal, msg, http.StatusInternalServerError)
}

// NotFound reports a missing resource such as an unknown session.
func NotFound(format string, args ...any) *AppError {
	return New(KindNotFound, fmt.Sprintf(format, args...), http.StatusNotFound)
}

// As extracts an AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries an AppError of the given kind.
func Is(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// StatusOf returns the HTTP status err should be reported with.
func StatusOf(err error) int {
	if appErr, ok := As(err); ok && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Write renders err as a JSON body with its HTTP status. Errors that are not
// AppErrors are reported as internal errors carrying their message.
func Write(w http.ResponseWriter, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusOf(appErr))
	_ = json.NewEncoder(w).Encode(appErr)
}
