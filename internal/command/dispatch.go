// Package command matches input lines against a device's command table, applies
// the bound operation and renders the response template.
package command

import (
	"errors"
	"fmt"
	"strings"

	"device-simulator/internal/device"
	"device-simulator/internal/schema"
)

// Invocation records the processing of one input line.
type Invocation struct {
	Line    string
	Command *schema.CommandDef
	// Applied is true when the bound operation ran without error, even if the
	// template then failed to render.
	Applied bool
	Output  string
	Err     error
}

// Match returns the first command whose trigger equals the trimmed line.
func Match(dt *schema.DeviceType, line string) (*schema.CommandDef, error) {
	line = strings.TrimSpace(line)
	for i := range dt.Commands {
		if dt.Commands[i].Input == line {
			return &dt.Commands[i], nil
		}
	}
	return nil, &InvalidCommandError{Line: line}
}

// Dispatch applies def's operation to dev and renders its output template from the
// device's current values.
func Dispatch(dev *device.Device, def *schema.CommandDef) (string, error) {
	if _, err := dev.Apply(def.Op); err != nil {
		return "", err
	}
	return Render(def.Output, dev.Context())
}

// Execute matches and dispatches one line against dev.
func Execute(dev *device.Device, line string) Invocation {
	inv := Invocation{Line: strings.TrimSpace(line)}
	def, err := Match(dev.Type(), inv.Line)
	if err != nil {
		inv.Err = err
		return inv
	}
	inv.Command = def
	inv.Output, inv.Err = Dispatch(dev, def)
	// the operation ran unless it was the one that failed
	var te *TemplateError
	inv.Applied = inv.Err == nil || errors.As(inv.Err, &te)
	return inv
}

// Validate checks that every output template of dt parses and only references
// declared variables.
func Validate(dt *schema.DeviceType) error {
	for _, def := range dt.Commands {
		names, err := Placeholders(def.Output)
		if err != nil {
			return fmt.Errorf("%s: command %q: %w", dt.Name, def.Input, err)
		}
		for _, name := range names {
			if _, ok := dt.Variables[name]; !ok {
				return fmt.Errorf("%s: command %q: %w", dt.Name, def.Input,
					&TemplateError{Template: def.Output, Variable: name, Reason: "not declared"})
			}
		}
	}
	return nil
}
