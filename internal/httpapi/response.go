package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrymomot/notifykit/internal/notify"
	"github.com/dmitrymomot/notifykit/internal/preferences"
	"github.com/dmitrymomot/notifykit/internal/templates"
	"github.com/dmitrymomot/notifykit/pkg/email"
)

// Response renders itself to an http.ResponseWriter.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// JSONResponse is the standard JSON response structure
type JSONResponse struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// HTTPError is an error with a status code and a machine readable key.
type HTTPError struct {
	Code int
	Key  string
}

func (e HTTPError) Error() string {
	return e.Key
}

var (
	ErrBadRequest = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrNotFound   = HTTPError{Code: http.StatusNotFound, Key: "not_found"}
)

type jsonResponse struct {
	status int
	body   JSONResponse
}

func (j jsonResponse) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// JSONOption configures JSON response
type JSONOption func(*jsonResponse)

// WithStatus sets custom HTTP status code
func WithStatus(status int) JSONOption {
	return func(r *jsonResponse) {
		r.status = status
	}
}

// WithMeta adds metadata to response
func WithMeta(meta map[string]any) JSONOption {
	return func(r *jsonResponse) {
		r.body.Meta = meta
	}
}

// JSON wraps v in the data envelope.
func JSON(v any, opts ...JSONOption) Response {
	r := &jsonResponse{status: http.StatusOK, body: JSONResponse{Data: v}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JSONError maps err to a status code and error envelope.
// Server errors never leak their message.
func JSONError(err error, opts ...JSONOption) Response {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		message = http.StatusText(httpErr.Code)
	}

	r := &jsonResponse{
		status: status,
		body:   JSONResponse{Error: &ErrorDetail{Code: code, Message: message}},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func classify(err error) (int, string) {
	var httpErr HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, httpErr.Key
	case errors.Is(err, notify.ErrNotFound),
		errors.Is(err, templates.ErrNotFound),
		errors.Is(err, preferences.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, templates.ErrDuplicateName):
		return http.StatusConflict, "conflict"
	case errors.Is(err, notify.ErrUnknownType),
		errors.Is(err, notify.ErrInvalidPayload),
		errors.Is(err, notify.ErrInvalidChannel),
		errors.Is(err, notify.ErrInvalidPriority),
		errors.Is(err, notify.ErrInvalidNotification),
		errors.Is(err, templates.ErrInvalidTemplate),
		errors.Is(err, templates.ErrRender),
		errors.Is(err, email.ErrInvalidMessage):
		return http.StatusUnprocessableEntity, "validation_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type emptyResponse struct {
	status int
}

func (e emptyResponse) Render(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(e.status)
	return nil
}

// Empty responds with 204 No Content.
func Empty() Response {
	return emptyResponse{status: http.StatusNoContent}
}
