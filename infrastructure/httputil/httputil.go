// Package httputil provides common HTTP utilities for service handlers.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/logging"
)

// Envelope is the uniform response body returned by every service.
type Envelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse represents a standard error payload inside the envelope.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var defaultLogger = logging.NewFromEnv("httputil")

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, Envelope{Success: true, Data: data})
}

func traceIDFromRequestOrResponse(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if traceID := logging.GetTraceID(r.Context()); traceID != "" {
			return traceID
		}
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			return traceID
		}
	}
	return w.Header().Get("X-Trace-ID")
}

// WriteErrorResponse writes a standard JSON error envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = http.StatusText(status)
	}

	traceID := traceIDFromRequestOrResponse(w, r)
	if traceID != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	WriteJSON(w, status, Envelope{
		Success: false,
		Error: &ErrorResponse{
			Code:    code,
			Message: message,
			Details: details,
			TraceID: traceID,
		},
	})
}

// WriteServiceError maps a ServiceError (or any error) onto the envelope.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if serviceErr := errors.GetServiceError(err); serviceErr != nil {
		WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
		return
	}
	WriteErrorResponse(w, r, http.StatusInternalServerError, string(errors.ErrCodeInternal), "internal server error", nil)
}

// DecodeJSON decodes the request body into dst, writing a validation error on
// failure. Returns false when the caller should stop processing.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		WriteErrorResponse(w, r, http.StatusBadRequest, string(errors.ErrCodeValidation), "request body required", nil)
		return false
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		// An empty body decodes to the zero value; handlers validate fields.
		if err == io.EOF {
			return true
		}
		WriteErrorResponse(w, r, http.StatusBadRequest, string(errors.ErrCodeValidation), "malformed request body", nil)
		return false
	}
	return true
}

// Convenience writers

func BadRequest(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusBadRequest, string(errors.ErrCodeValidation), message, nil)
}

func Unauthorized(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusUnauthorized, string(errors.ErrCodeUnauthorized), message, nil)
}

func Forbidden(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusForbidden, string(errors.ErrCodeForbidden), message, nil)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusNotFound, string(errors.ErrCodeNotFound), message, nil)
}

func Conflict(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusConflict, string(errors.ErrCodeConflict), message, nil)
}

func ServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusServiceUnavailable, string(errors.ErrCodeCircuitOpen), message, nil)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusInternalServerError, string(errors.ErrCodeInternal), message, nil)
}
