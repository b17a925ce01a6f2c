package api

import (
	"errors"
	"fmt"
)

// NetworkError is a transport-level failure: the request never produced an
// HTTP response. Client-side timeouts are reported the same way.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError is a response the backend answered with a failure status.
// The body is retained for diagnostics.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("http status %d", e.Status)
}

// IsStatus reports whether err is a StatusError carrying the given code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
