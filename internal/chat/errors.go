package chat

import (
	"errors"
	"fmt"
)

// InitError wraps a failure during session initialization. Initialization is
// never retried automatically; the caller decides what to do with it.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("chat init: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// ErrSendInProgress is returned when a send is attempted while a previous
// send is still draining the upload queue. The queue is exclusively owned by
// one send at a time.
var ErrSendInProgress = errors.New("a send is already in progress")
