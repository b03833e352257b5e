package rpc

import (
	"errors"
	"fmt"

	"github.com/seuros/gridstream/src/wire"
)

// SendError marks a failure that originated in the transport while writing a
// frame, as opposed to an error produced by a handler. It is surfaced to the
// local caller and never re-encoded onto the wire.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsSendError reports whether err originated in the transport send path.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}

// AbortError is the cancellation reason delivered when a call or stream is
// aborted, locally or by the peer. Callers inspect it to silence reports of
// expected aborts.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "aborted"
	}
	return "aborted: " + e.Reason
}

// ErrorKind tags the error for wire encoding.
func (e *AbortError) ErrorKind() string { return "abort" }

// IsAborted reports whether err carries the abort kind, either as a local
// AbortError or as a peer error decoded from the wire.
func IsAborted(err error) bool {
	var ae *AbortError
	if errors.As(err, &ae) {
		return true
	}
	var re *wire.RemoteError
	return errors.As(err, &re) && re.Kind == "abort"
}
