// Package api is the HTTP surface of the gateway. Error responses are
// RFC 7807 Problem Details; every refused operation answers with the
// denial code of the stage that refused it.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response. title doubles as the denial
// code ("NotAuthorized", "BadSignature", ...).
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://aegnix.dev/errors/%s", title),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "BadRequest", detail)
}

// WriteUnauthorized writes a 401 with the given denial code.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, code, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteProblem(w, r, http.StatusUnauthorized, code, detail)
}

// WriteForbidden writes a 403 with the given denial code.
func WriteForbidden(w http.ResponseWriter, r *http.Request, code, detail string) {
	if detail == "" {
		detail = "insufficient permissions"
	}
	WriteProblem(w, r, http.StatusForbidden, code, detail)
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, "NotFound", detail)
}

// WriteConflict writes a 409.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, "TooManyRequests", "rate limit exceeded")
}

// WriteInternal writes a 500. err is logged, never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	log.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, "Internal", "an unexpected error occurred")
}

// WriteJSON writes a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
