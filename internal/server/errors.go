package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrMaxSessionsReached   = errors.New("maximum sessions reached")
	ErrGameNotFound         = errors.New("game not found")
	ErrGameExists           = errors.New("game already exists")
	ErrInvalidGameName      = errors.New("invalid game name")
	ErrModelNotFound        = errors.New("model not found")
	ErrModelExists          = errors.New("model already exists")
	ErrListenerFailed       = errors.New("failed to create listener")
)
