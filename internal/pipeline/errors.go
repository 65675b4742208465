package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned for any non-2xx response. Body holds the raw
// response body so callers can interpret domain error payloads themselves.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	return HasStatus(err, http.StatusUnauthorized)
}

// HasStatus reports whether err is a StatusError with the given code.
func HasStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 500
}
