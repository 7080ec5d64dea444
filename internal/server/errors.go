package server

import "errors"

var (
	ErrLoopClosed     = errors.New("event loop closed")
	ErrAlreadyRunning = errors.New("event loop already running")
	ErrUnknownDevice  = errors.New("no device on port")
)
