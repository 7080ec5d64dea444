package command

import (
	"errors"
	"fmt"

	"device-simulator/internal/device"
	"device-simulator/internal/schema"
)

var (
	ErrInvalidCommand       = errors.New("invalid command")
	ErrTemplateSubstitution = errors.New("template substitution failed")
)

// InvalidCommandError carries the input line that matched no trigger.
type InvalidCommandError struct {
	Line string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command: '%s'", e.Line)
}

func (e *InvalidCommandError) Is(target error) bool { return target == ErrInvalidCommand }

// TemplateError reports an output template that could not be rendered. Err is the
// underlying cause, if any (device.ErrUnsetVariable for a placeholder naming a
// variable without a value).
type TemplateError struct {
	Template string
	Variable string
	Reason   string
	Err      error
}

func (e *TemplateError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("template %q: %s: %s", e.Template, e.Variable, e.Reason)
	}
	return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
}

func (e *TemplateError) Is(target error) bool { return target == ErrTemplateSubstitution }

func (e *TemplateError) Unwrap() error { return e.Err }

// ErrorKind names err within the device protocol's error taxonomy. A template that
// failed on an unset variable reports UnsetVariableError.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, schema.ErrUnknownPort):
		return "UnknownPortError"
	case errors.Is(err, device.ErrUnknownVariable):
		return "UnknownVariableError"
	case errors.Is(err, device.ErrUnsetVariable):
		return "UnsetVariableError"
	case errors.Is(err, device.ErrInvalidValue):
		return "InvalidValueError"
	case errors.Is(err, ErrInvalidCommand):
		return "InvalidCommandError"
	case errors.Is(err, ErrTemplateSubstitution):
		return "TemplateSubstitutionError"
	default:
		return "Error"
	}
}
