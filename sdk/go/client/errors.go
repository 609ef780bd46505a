package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed       = errors.New("client is closed")
	ErrNotConnected       = errors.New("client is not connected")
	ErrAlreadyConnected   = errors.New("client is already connected")
	ErrDigestMismatch     = errors.New("blob does not match its hash")
	ErrResourceOutOfOrder = errors.New("resource stream out of order")
	ErrUnexpectedModel    = errors.New("unexpected value type")
)
