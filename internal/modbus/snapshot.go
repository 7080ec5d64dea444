package modbus

import (
	"errors"
	"fmt"

	"device-simulator/internal/device"
	"device-simulator/internal/schema"
)

// Registers returns the register image of dev: register i holds 1 + the index
// of the i-th variable's value (names sorted), or 0 while it is unset.
// It must run on the event loop goroutine.
func Registers(dev *device.Device) ([]uint16, error) {
	dt := dev.Type()
	names := dt.VariableNames()
	out := make([]uint16, len(names))
	for i, name := range names {
		value, err := dev.Get(name)
		if errors.Is(err, device.ErrUnsetVariable) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = uint16(dt.Variables[name].Index(value) + 1)
	}
	return out, nil
}

// Decode maps a register write back to a variable assignment.
func Decode(dt *schema.DeviceType, address, value uint16) (name, text string, err error) {
	names := dt.VariableNames()
	if int(address) >= len(names) {
		return "", "", fmt.Errorf("%w: register %d", errOutOfRange, address)
	}
	name = names[address]
	valid := dt.Variables[name].ValidValues
	if value == 0 || int(value) > len(valid) {
		return "", "", fmt.Errorf("%w: %d for %s", errInvalidValue, value, name)
	}
	return name, valid[value-1], nil
}
