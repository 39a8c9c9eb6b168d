package backend

import (
	"errors"
	"fmt"
)

// HTTPStatusError represents a non-2xx response from an OpenSearch call.
// It keeps the status code so callers can tell throttling (429) or server
// errors apart from client mistakes.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.URL == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	if e.Body == "" {
		return fmt.Sprintf("http %s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// IsTransient reports whether err is an HTTP status that is worth retrying.
func IsTransient(err error) bool {
	var he *HTTPStatusError
	if !errors.As(err, &he) {
		return false
	}
	return he.StatusCode == 429 || he.StatusCode >= 500
}
