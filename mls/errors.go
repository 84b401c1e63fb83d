package mls

import (
	"errors"
	"fmt"
)

// TransientNetworkError is a feed failure that may succeed on retry:
// timeouts, connection resets, 429 and 5xx responses.
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mls %s: transient status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mls %s: transient: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// FatalAuthError means the feed rejected our credentials. Retrying cannot help.
type FatalAuthError struct {
	StatusCode int
	Body       string
}

func (e *FatalAuthError) Error() string {
	return fmt.Sprintf("mls auth rejected (%d): %s", e.StatusCode, e.Body)
}

func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

func IsFatalAuth(err error) bool {
	var ae *FatalAuthError
	return errors.As(err, &ae)
}
