// Package api is the HTTP control surface. Every route reads the caller's
// identity from middleware, speaks JSON, and reports failures as RFC 7807
// problem documents mapped from the fault taxonomy.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/graceos/grace/core/pkg/fault"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://graceos.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// statusText pairs the HTTP mapping of one fault kind with its title.
type statusText struct {
	status int
	title  string
}

// faultStatus maps fault kinds to HTTP statuses. Policy verdicts that
// reach this table arrived as errors (refused reserved publishes, awaits
// that resolved to block), so 403 is the honest rendering.
var faultStatus = map[fault.Kind]statusText{
	fault.Validation:   {http.StatusBadRequest, "Bad Request"},
	fault.Policy:       {http.StatusForbidden, "Forbidden"},
	fault.NotFound:     {http.StatusNotFound, "Not Found"},
	fault.Backpressure: {http.StatusTooManyRequests, "Too Many Requests"},
	fault.Canceled:     {http.StatusRequestTimeout, "Request Timeout"},
	fault.Durability:   {http.StatusServiceUnavailable, "Storage Unavailable"},
	fault.Corruption:   {http.StatusServiceUnavailable, "Log Corrupt"},
	fault.Internal:     {http.StatusInternalServerError, "Internal Server Error"},
}

// WriteFault renders err according to its fault kind. Internal and unknown
// errors keep their details out of the response body.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	st, ok := faultStatus[kind]
	if !ok {
		st = statusText{http.StatusInternalServerError, "Internal Server Error"}
	}

	detail := err.Error()
	if st.status == http.StatusInternalServerError {
		detail = "An unexpected error occurred."
	}
	if kind == fault.Backpressure {
		w.Header().Set("Retry-After", "5")
	}
	WriteError(w, r, st.status, st.title, detail)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}
