package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the fixed wire shape from §6: {code, message, retriable, retry_after_ms?}.
type errorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retriable    bool   `json:"retriable"`
	RetryAfterMS *int64 `json:"retry_after_ms,omitempty"`
}

func toErrorBody(err error) (int, errorBody) {
	var apiErr *apierr.APIError
	if errors.As(err, &apiErr) {
		body := errorBody{Code: string(apiErr.Code), Message: apiErr.Message, Retriable: apiErr.Retriable}
		if apiErr.RetryAfterMS > 0 {
			body.RetryAfterMS = &apiErr.RetryAfterMS
		}
		return apiErr.HTTPStatus(), body
	}
	wrapped := apierr.Internal(err)
	return wrapped.HTTPStatus(), errorBody{Code: string(wrapped.Code), Message: wrapped.Message}
}

func respondError(w http.ResponseWriter, err error) {
	status, body := toErrorBody(err)
	respondJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, message string) {
	respondError(w, apierr.New(apierr.CodeBadRequest, message))
}
