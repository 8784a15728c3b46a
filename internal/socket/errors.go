package socket

import "errors"

// Domain-specific errors for the socket package.
var (
	// ErrClosed is returned by operations on a Socket after Close.
	ErrClosed = errors.New("socket: closed")

	// ErrInvalidURL is returned when the endpoint URL is empty.
	ErrInvalidURL = errors.New("socket: url is required")
)
