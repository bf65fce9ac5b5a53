package notify

import "fmt"

// TransportError is a connection class failure (dial, timeout, 5xx). Worth retrying.
type TransportError struct {
	Sink string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %v", e.Sink, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is returned when the remote end understood the request and
// refused it. Retrying will not help.
type RejectedError struct {
	Sink   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Sink, e.Reason)
}

func newRejectedError(sink, format string, a ...interface{}) *RejectedError {
	return &RejectedError{Sink: sink, Reason: fmt.Sprintf(format, a...)}
}
