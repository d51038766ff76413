package devin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError is a response with a non-success status code.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	// Detail is the "detail" field of a JSON error body, else the raw body.
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("devin: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// NetworkError means no response was received.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("devin: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UserMessage renders err as a short message fit for a chat reply.
func UserMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		detail := apiErr.Detail
		if detail == "" {
			detail = "unknown API error"
		}
		return fmt.Sprintf("API error (%d): %s", apiErr.StatusCode, detail)
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "could not reach the Devin API, please try again later"
	}
	return err.Error()
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	return &APIError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       string(body),
		Detail:     extractDetail(body),
	}
}

func extractDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 && string(payload.Detail) != "null" {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		// Validation errors carry a list; keep it compact.
		return string(payload.Detail)
	}
	return strings.TrimSpace(string(body))
}
