package errors

import "errors"

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	// ErrTimeout is returned when a confirmable request got no answer within
	// the retransmission budget or the response timeout elapsed.
	ErrTimeout = errors.New("timeout")
	// ErrServerStopped is returned for sends after shutdown and used to fail
	// exchanges pending at shutdown.
	ErrServerStopped = errors.New("server stopped")
	// ErrAborted fails every exchange of a stream connection that got an Abort signal.
	ErrAborted = errors.New("connection aborted")
	// ErrReset is returned when the peer answered with RST.
	ErrReset = errors.New("reset by peer")
	// ErrTooManyRequests is returned when the outstanding exchange ceiling is reached.
	ErrTooManyRequests = errors.New("too many outstanding requests")
)
