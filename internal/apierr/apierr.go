// Package apierr defines the error taxonomy surfaced to HTTP/SSE clients,
// per the wire shape {code, message, retriable, retry_after_ms?}.
package apierr

import "fmt"

// Code is one of the fixed taxonomy values from the external interface spec.
type Code string

const (
	CodeRateLimited   Code = "rate_limited"
	CodeCancelled     Code = "cancelled"
	CodeTimeout       Code = "timeout"
	CodeASRError      Code = "asr_error"
	CodeRAGError      Code = "rag_error"
	CodeTTSError      Code = "tts_error"
	CodeBadRequest    Code = "bad_request"
	CodeNotFound      Code = "not_found"
	CodeInternalError Code = "internal_error"
)

// APIError is the typed error surfaced to callers; it never leaks stack traces.
type APIError struct {
	Code         Code
	Message      string
	Retriable    bool
	RetryAfterMS int64
	cause        error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// New builds a non-retriable APIError.
func New(code Code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// Wrap builds an APIError carrying an underlying cause, never exposed verbatim
// to the client (Message is the only client-visible text).
func Wrap(code Code, message string, cause error) *APIError {
	return &APIError{Code: code, Message: message, cause: cause}
}

// Retry marks an APIError as retriable with a retry-after hint in milliseconds.
func Retry(code Code, message string, retryAfterMS int64) *APIError {
	return &APIError{Code: code, Message: message, Retriable: true, RetryAfterMS: retryAfterMS}
}

// HTTPStatus maps a taxonomy code to the HTTP status the surface should send.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return 400
	case CodeNotFound:
		return 404
	case CodeRateLimited:
		return 429
	case CodeTimeout:
		return 504
	case CodeASRError, CodeRAGError, CodeTTSError:
		return 502
	case CodeCancelled:
		return 499
	default:
		return 500
	}
}

// Internal wraps an unexpected error as a generic internal_error, never
// leaking the underlying message to the client (it is logged separately).
func Internal(cause error) *APIError {
	return &APIError{Code: CodeInternalError, Message: "internal error", cause: cause}
}
