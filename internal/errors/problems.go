// Package errors provides the RFC 7807 problem-details responses used by
// every HTTP handler, and the constructors mapping domain failures onto
// them. Protocol failures carry distinct types so the caller can tell
// "wrong key" from "used on another machine" from "revoked" — the
// remediation is different for each.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// Problem type URIs. Stable identifiers, part of the API surface.
const (
	TypeInvalidRequest  = "/errors/invalid-request"
	TypeUnknownKey      = "/errors/license/unknown-key"
	TypeRevoked         = "/errors/license/revoked"
	TypeMachineMismatch = "/errors/license/machine-mismatch"
	TypeUnauthorized    = "/errors/unauthorized"
	TypeNotFound        = "/errors/not-found"
	TypeRateLimited     = "/errors/rate-limited"
	TypeInternal        = "/errors/internal"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := map[string]interface{}{
		"type":   pd.Type,
		"title":  pd.Title,
		"status": pd.Status,
	}
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension member.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// InvalidRequest builds the 400 problem for malformed or invalid input.
func InvalidRequest(detail, instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusBadRequest, TypeInvalidRequest,
		"Invalid Request", detail, instance)
}

// UnknownKey builds the 404 problem for a license key that does not exist.
func UnknownKey(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusNotFound, TypeUnknownKey,
		"Unknown License Key",
		"No license exists for the supplied key. Check the key from your purchase confirmation.",
		instance)
}

// Revoked builds the 403 problem for a terminally invalidated license.
func Revoked(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusForbidden, TypeRevoked,
		"License Revoked",
		"This license has been revoked and can no longer be activated.",
		instance)
}

// MachineMismatch builds the 403 problem for a license already bound to a
// different machine.
func MachineMismatch(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusForbidden, TypeMachineMismatch,
		"License In Use On Another Machine",
		"This license is already activated on a different machine. Contact support to transfer it.",
		instance)
}

// Unauthorized builds the 401 problem for failed admin authentication.
func Unauthorized(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusUnauthorized, TypeUnauthorized,
		"Unauthorized", "Valid administrative credentials are required.", instance)
}

// NotFound builds a generic 404 problem.
func NotFound(detail, instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusNotFound, TypeNotFound,
		"Not Found", detail, instance)
}

// RateLimited builds the 429 problem.
func RateLimited(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusTooManyRequests, TypeRateLimited,
		"Too Many Requests", "Too many activation attempts. Please wait and retry.", instance)
}

// Internal builds the 500 problem. Details of the underlying failure stay in
// the logs, never in the response.
func Internal(instance string) *ProblemDetails {
	return NewProblemDetails(http.StatusInternalServerError, TypeInternal,
		"Internal Server Error", "An unexpected error occurred. Please try again.", instance)
}
