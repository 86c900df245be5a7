package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"plugbridge/internal/lifecycle"
	"plugbridge/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

type notFoundError struct{ id string }

func (e notFoundError) Error() string   { return "instance not found: " + e.id }
func (e notFoundError) StatusCode() int { return http.StatusNotFound }

// ErrInstanceNotFound is returned by services for unknown instance ids.
func ErrInstanceNotFound(id string) error { return notFoundError{id: id} }

// statusFor maps service and bridge errors to a response status.
func statusFor(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch lifecycle.KindOf(err) {
	case lifecycle.KindTimeout:
		return http.StatusGatewayTimeout
	case lifecycle.KindProcessCrashed, lifecycle.KindProtocol, lifecycle.KindIpc:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
