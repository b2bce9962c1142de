// Package apperr is the error taxonomy of the messaging backbone.
//
// It mirrors the structure of the source application's error handling
// (a typed AppError with a machine-readable code and an HTTP status
// mapping) but replaces the code set with the taxonomy this domain
// needs: validation, auth, forbidden, not_found, conflict,
// service_unavailable, internal, plus the consumer-side kinds
// transient, permanent and token_invalid that never reach an HTTP
// response.
package apperr

import (
	"fmt"
	"net/http"
)

// Kind is the machine-readable error category.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuth               Kind = "auth"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"

	// Consumer-side kinds. These never reach an HTTP response.
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
	KindTokenInvalid Kind = "token_invalid"
)

// AppError is a typed application error carrying an HTTP status.
type AppError struct {
	Kind       Kind
	Message    string
	Details    string
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Response is the JSON shape returned to HTTP callers: a generic
// {detail}, with no internals leaked on 5xx.
type Response struct {
	Detail string `json:"detail"`
}

func (e *AppError) ToResponse() Response {
	if e.StatusCode >= 500 {
		return Response{Detail: "an internal error occurred"}
	}
	return Response{Detail: e.Message}
}

func statusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(k Kind, message string) *AppError {
	return &AppError{Kind: k, Message: message, StatusCode: statusFor(k)}
}

func Wrap(k Kind, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &AppError{Kind: k, Message: message, Details: details, StatusCode: statusFor(k)}
}

func Validation(message string) *AppError { return New(KindValidation, message) }
func Auth(message string) *AppError       { return New(KindAuth, message) }
func Forbidden(message string) *AppError  { return New(KindForbidden, message) }

func NotFound(resource string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError { return New(KindConflict, message) }

func ServiceUnavailable(service string) *AppError {
	return New(KindServiceUnavailable, fmt.Sprintf("%s is currently unavailable", service))
}

func Internal(err error) *AppError {
	return Wrap(KindInternal, "an internal error occurred", err)
}

// Transient marks a consumer-side failure as retryable.
func Transient(err error) *AppError {
	return &AppError{Kind: KindTransient, Message: "transient failure", Details: errString(err)}
}

// Permanent marks a consumer-side failure as non-retryable (drop or DLQ).
func Permanent(message string) *AppError {
	return &AppError{Kind: KindPermanent, Message: message}
}

// TokenInvalid marks a device token for deletion; processing continues.
func TokenInvalid(message string) *AppError {
	return &AppError{Kind: KindTokenInvalid, Message: message}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// As extracts an *AppError, defaulting unknown errors to internal.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AppError); ok {
		return ae
	}
	return Internal(err)
}

// IsNotFound reports whether err is a not_found AppError.
func IsNotFound(err error) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Kind == KindNotFound
}
