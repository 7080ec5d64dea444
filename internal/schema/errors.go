package schema

import "errors"

var (
	// ErrUnknownPort is returned by Registry.Lookup when no device type binds the port.
	ErrUnknownPort = errors.New("unknown port")

	// ErrInvalidSchema wraps every validation failure found while loading device types.
	ErrInvalidSchema = errors.New("invalid device schema")
)
