package api

import "fmt"

// Error is a non-2xx response from the API. The server's diagnostic
// payload is preserved verbatim in Body.
type Error struct {
	Status int
	Method string
	Path   string
	Body   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Status)
}

// IsClientError reports whether the response was a 4xx.
func (e *Error) IsClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// IsNotFound reports whether the response was a 404.
func (e *Error) IsNotFound() bool {
	return e.Status == 404
}

// IsConflict reports whether the response was a 409.
func (e *Error) IsConflict() bool {
	return e.Status == 409
}
