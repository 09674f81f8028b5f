package master

import "errors"

var (
	// ErrTimeoutAnswer indicates that no matching response arrived within
	// the response timeout. The request may still have reached the
	// instrument; writes are at-most-once after a reported timeout.
	ErrTimeoutAnswer = errors.New("timeout waiting for answer")

	// ErrPortLost indicates a serial I/O failure that invalidates the
	// port handle. The serializer recreates the port before retrying.
	ErrPortLost = errors.New("serial port lost")

	// ErrClosed indicates an operation on a master whose port is closed.
	ErrClosed = errors.New("port is closed")
)
