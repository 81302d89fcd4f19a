package llm

import "fmt"

// APIError represents an error returned by an LLM backend API. Provider
// implementations wrap failures that carry an HTTP status code in an
// APIError so callers can make retry and fallback decisions by status
// without depending on any particular SDK's error type.
type APIError struct {
	statusCode int
	body       string
}

// NewAPIError creates a new APIError from an HTTP status code and the
// response body or error message reported by the backend.
func NewAPIError(statusCode int, body string) *APIError {
	return &APIError{statusCode: statusCode, body: body}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %s", e.statusCode, e.body)
}

// StatusCode returns the HTTP status code reported by the backend.
func (e *APIError) StatusCode() int {
	return e.statusCode
}
