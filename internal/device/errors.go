package device

import "errors"

var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrUnsetVariable   = errors.New("variable not set")
	ErrInvalidValue    = errors.New("invalid value")
)
