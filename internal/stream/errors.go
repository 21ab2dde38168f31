package stream

import (
	"errors"
	"fmt"
)

// Streaming error types. The HTTP layer maps each to a status code.
var (
	ErrInvalidAccess       = errors.New("invalid access token")
	ErrObjectNotFound      = errors.New("object not found")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrBackendUnavailable  = errors.New("no backend worker available")
)

// RangeError reports a byte range that cannot be served for an object of Size bytes.
type RangeError struct {
	Header string
	Size   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %q not satisfiable for %d bytes", e.Header, e.Size)
}

// Unwrap lets errors.Is match ErrRangeNotSatisfiable.
func (e *RangeError) Unwrap() error {
	return ErrRangeNotSatisfiable
}
