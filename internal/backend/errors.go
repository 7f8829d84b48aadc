package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError is any failed call to the agent backend: network failure,
// non-2xx status, or an undecodable body. Status is 0 when no response arrived.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the call could succeed. Client errors
// (4xx) are the backend rejecting the request, not a transport hiccup.
func (e *TransportError) Temporary() bool {
	return e.Status == 0 || e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}

// IsTemporary reports whether err is a retryable transport failure.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
