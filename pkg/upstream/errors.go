package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrBodyTooLarge = errors.New("upstream body exceeds size limit")

// FetchError reports a failed fetch for one key.
// A failed fetch never writes to the store.
type FetchError struct {
	Key   string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// StatusError is the cause of a FetchError when upstream answered with a
// non-success status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.Code, http.StatusText(e.Code))
}
