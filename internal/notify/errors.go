package notify

import "errors"

var (
	ErrQueueFull        = errors.New("notify queue full")
	ErrClosed           = errors.New("notifier closed")
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidTopic     = errors.New("invalid topic")
)
