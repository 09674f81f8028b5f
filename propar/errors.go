package propar

import "errors"

var (
	// ErrMalformedMessage indicates that a message's length byte disagrees
	// with the actual body size, or the message head is too short.
	ErrMalformedMessage = errors.New("malformed propar message")

	// ErrTruncatedValue indicates that a parameter's declared type asks for
	// more bytes than remain in the message.
	ErrTruncatedValue = errors.New("truncated parameter value")

	// ErrUnknownType indicates type bits outside the wire type table.
	ErrUnknownType = errors.New("unknown parameter type")

	// ErrUnknownCommand indicates a response command byte outside the
	// command table.
	ErrUnknownCommand = errors.New("unknown propar command")

	// ErrValueRange indicates a value that cannot be represented in the
	// parameter's wire type.
	ErrValueRange = errors.New("value out of range for parameter type")

	// ErrEmptyRequest indicates an attempt to build a message with no
	// parameters.
	ErrEmptyRequest = errors.New("no parameters in request")
)
