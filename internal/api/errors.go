package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fluxline/fluxline/internal/dag"
	"github.com/fluxline/fluxline/internal/registry"
	"github.com/fluxline/fluxline/internal/runstore"
)

// Machine-readable error codes carried in the response envelope. Clients
// branch on these, never on message text.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeAuthRequired = "auth_required"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "service_unavailable"
	CodeInternal     = "internal_error"
)

var codeByStatus = map[int]string{
	http.StatusBadRequest:         CodeBadRequest,
	http.StatusUnauthorized:       CodeAuthRequired,
	http.StatusForbidden:          CodeForbidden,
	http.StatusNotFound:           CodeNotFound,
	http.StatusConflict:           CodeConflict,
	http.StatusTooManyRequests:    CodeRateLimited,
	http.StatusServiceUnavailable: CodeUnavailable,
}

func errorCode(status int) string {
	if code, ok := codeByStatus[status]; ok {
		return code
	}
	return CodeInternal
}

// statusFor corrects the HTTP status when the domain error knows better
// than the call site: a malformed or cyclic pipeline is the client's fault,
// a missing run or task definition is 404. Unmapped errors keep the
// caller's fallback.
func statusFor(err error, fallback int) int {
	if err == nil {
		return fallback
	}
	if errors.Is(err, runstore.ErrRunNotFound) || errors.Is(err, registry.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	var verr *dag.ValidationError
	var cerr *dag.CircularDependencyError
	var terr *dag.TaskNotFoundError
	if errors.As(err, &verr) || errors.As(err, &cerr) || errors.As(err, &terr) {
		return http.StatusBadRequest
	}
	return fallback
}

// ErrorResponse is the envelope for every non-2xx response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey carries the per-request correlation id assigned by the
// logging middleware.
var RequestIDKey = requestIDContextKey{}

// GetRequestID returns the correlation id from the context, or the
// X-Request-ID header when an upstream proxy assigned one first.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}
