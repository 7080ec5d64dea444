// Package device holds the live status-variable values of one simulated device.
//
// A Device is shared by every session connected to its port. It has no locking:
// the event loop is the only goroutine that calls it.
package device

import (
	"fmt"

	"device-simulator/internal/schema"
)

type Device struct {
	typ    *schema.DeviceType
	values map[string]string
}

// New creates the runtime state for dt, seeded with the schema's initial values.
func New(dt *schema.DeviceType) *Device {
	d := &Device{typ: dt, values: make(map[string]string, len(dt.Variables))}
	for name, v := range dt.Variables {
		if v.Initial != nil {
			d.values[name] = *v.Initial
		}
	}
	return d
}

func (d *Device) Type() *schema.DeviceType { return d.typ }

func (d *Device) Name() string { return d.typ.Name }

func (d *Device) Port() int { return d.typ.Port }

// Get returns the current value of name.
func (d *Device) Get(name string) (string, error) {
	if _, ok := d.typ.Variables[name]; !ok {
		return "", fmt.Errorf("%w: %s does not exist", ErrUnknownVariable, name)
	}
	value, ok := d.values[name]
	if !ok {
		return "", fmt.Errorf("%w: value of %s not set yet", ErrUnsetVariable, name)
	}
	return value, nil
}

// Set stores value as the current value of name and returns it. A rejected value
// leaves the previous value in place.
func (d *Device) Set(name, value string) (string, error) {
	v, ok := d.typ.Variables[name]
	if !ok {
		return "", fmt.Errorf("%w: %s does not exist", ErrUnknownVariable, name)
	}
	if !v.Valid(value) {
		return "", fmt.Errorf("%w: %s is not a valid value for %s", ErrInvalidValue, value, name)
	}
	d.values[name] = value
	return value, nil
}

// Apply runs a resolved schema operation. OpNone is a no-op.
func (d *Device) Apply(op schema.Operation) (string, error) {
	switch op.Kind {
	case schema.OpGet:
		return d.Get(op.Variable)
	case schema.OpSet:
		return d.Set(op.Variable, op.Value)
	default:
		return "", nil
	}
}

// Context returns a copy of every variable that currently has a value.
func (d *Device) Context() map[string]string {
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}
