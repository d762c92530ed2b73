package inbox

import (
	"errors"
	"fmt"
)

var (
	ErrClosed           = errors.New("inbox handler closed")
	ErrSubscriptionLost = errors.New("chat service disconnected")
	ErrEmptyMessage     = errors.New("message has neither content nor media")
)

// FetchError wraps a failed query against the backend. The handler keeps
// its previous conversation list when one occurs.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
