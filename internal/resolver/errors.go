package resolver

import "fmt"

// APIError represents a failed call to the content API, including transport
// failures and non-2xx responses.
type APIError struct {
	Operation  string // The operation that failed (e.g., "resolve_chapter_images")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("content api error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("content api error during %s: %s", e.Operation, e.APIMessage)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s (HTTP %d)", e.Operation, e.StatusCode)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
