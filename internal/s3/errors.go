package s3

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingETag is returned when a part upload succeeds without an ETag header.
	// A store that does this cannot complete a multipart upload.
	ErrMissingETag = errors.New("part response has no ETag")

	// ErrIncompleteSession is returned when the recorded parts are not exactly 1..N.
	ErrIncompleteSession = errors.New("multipart session parts are not contiguous")

	// ErrObjectNotFound is returned by ObjectReader when the key does not exist.
	ErrObjectNotFound = errors.New("object not found")
)

// TransportError is a network level failure talking to the store.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("s3 %s %q: transport: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline or client timeout.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) {
		return t.Timeout()
	}
	return false
}

// ProtocolError is a non-2xx response (or an error document in a 2xx body).
// Body is truncated to maxErrorBody bytes.
type ProtocolError struct {
	Op         string
	Key        string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("s3 %s %q: status %d: %s", e.Op, e.Key, e.StatusCode, e.Body)
}
