package embhttp

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHeader is returned when a header name is not a valid token
	// or a value carries CR/LF or other control bytes.
	ErrInvalidHeader = errors.New("embhttp: invalid header field")

	// ErrResponseSealed is returned when a Response is mutated after it has
	// been queued on a connection.
	ErrResponseSealed = errors.New("embhttp: response is sealed")

	// ErrBodyTooLarge is the cause carried by the 413 ProtocolError when a
	// buffered request body exceeds Server.MaxBodyBytes. Streaming
	// handlers (BodySink) are not subject to it.
	ErrBodyTooLarge = errors.New("embhttp: request body too large")

	// ErrServerClosed is returned by Serve and ListenAndServe after
	// Shutdown or Close.
	ErrServerClosed = errors.New("embhttp: server closed")

	// ErrTooManyConns is reported through the error log and meter when an
	// accepted connection is refused because MaxConns is reached.
	ErrTooManyConns = errors.New("embhttp: connection limit reached")

	// ErrExternalMode is returned by Serve when the server is configured
	// for ModeExternal, where the embedder drives I/O via Attach.
	ErrExternalMode = errors.New("embhttp: server is in external mode")

	// ErrNotExternalMode is returned by Attach when the server schedules
	// its own I/O.
	ErrNotExternalMode = errors.New("embhttp: server not in external mode")

	// ErrConnClosed is returned by ExternalConn service calls once the
	// connection has been torn down.
	ErrConnClosed = errors.New("embhttp: connection closed")
)

// ProtocolError reports malformed inbound data. The connection answers
// with Status and closes; a protocol failure is never a silent drop.
type ProtocolError struct {
	Status int
	Reason string
	Err    error // underlying cause, when one exists
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("embhttp: protocol error (%d): %s", e.Status, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// HandlerError wraps a failure signal from the embedder's handler. The
// connection answers with a synthesized 500 and closes, since handler
// state is presumed inconsistent.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return "embhttp: handler returned no response"
	}
	return "embhttp: handler failed: " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }
