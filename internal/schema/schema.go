// Package schema loads the declarative device type definitions and binds them to
// listening ports.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document mirrors device_types.yml.
type Document struct {
	DeviceTypes []DeviceTypeConfig `yaml:"device_types"`
}

type DeviceTypeConfig struct {
	Name            string                    `yaml:"name"`
	Port            int                       `yaml:"port"`
	StatusVariables map[string]VariableConfig `yaml:"status_variables"`
	ValidCommands   []CommandConfig           `yaml:"valid_commands"`
}

type VariableConfig struct {
	ValidValues []string `yaml:"valid_values"`
	Value       *string  `yaml:"value"`
}

type CommandConfig struct {
	Input      string   `yaml:"input"`
	Function   string   `yaml:"function"`
	Parameters []string `yaml:"parameters"`
	Output     string   `yaml:"output"`
}

// OpKind enumerates the primitive operations a command may be bound to.
type OpKind int

const (
	OpNone OpKind = iota
	OpGet
	OpSet
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	default:
		return "none"
	}
}

// Operation is a command's bound function, resolved when the schema loads.
// Value is only meaningful for OpSet.
type Operation struct {
	Kind     OpKind
	Variable string
	Value    string
}

func (o Operation) String() string {
	switch o.Kind {
	case OpGet:
		return fmt.Sprintf("get(%s)", o.Variable)
	case OpSet:
		return fmt.Sprintf("set(%s, %s)", o.Variable, o.Value)
	default:
		return "none"
	}
}

// Variable is a declared status variable.
type Variable struct {
	Name        string
	ValidValues []string
	Initial     *string
}

// Valid reports whether value is a member of the variable's valid set.
func (v Variable) Valid(value string) bool {
	for _, allowed := range v.ValidValues {
		if allowed == value {
			return true
		}
	}
	return false
}

// Index returns the position of value in ValidValues, or -1.
func (v Variable) Index(value string) int {
	for i, allowed := range v.ValidValues {
		if allowed == value {
			return i
		}
	}
	return -1
}

// CommandDef is a trigger line mapped to an optional operation and an output template.
type CommandDef struct {
	Input  string
	Op     Operation
	Output string
}

// DeviceType is immutable once loaded.
type DeviceType struct {
	Name      string
	Port      int
	Variables map[string]Variable
	Commands  []CommandDef
}

// VariableNames returns the declared variable names in sorted order.
func (d *DeviceType) VariableNames() []string {
	names := make([]string, 0, len(d.Variables))
	for name := range d.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *DeviceType) String() string {
	return fmt.Sprintf("%s at port %d", d.Name, d.Port)
}

// Load reads and validates a device_types.yml file.
func Load(path string) ([]DeviceType, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	types, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return types, nil
}

// Parse decodes and validates device types from YAML.
func Parse(b []byte) ([]DeviceType, error) {
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if len(doc.DeviceTypes) == 0 {
		return nil, fmt.Errorf("%w: no device types defined", ErrInvalidSchema)
	}

	types := make([]DeviceType, 0, len(doc.DeviceTypes))
	ports := make(map[int]string, len(doc.DeviceTypes))
	for i, dc := range doc.DeviceTypes {
		dt, err := build(dc)
		if err != nil {
			return nil, fmt.Errorf("%w: device_types[%d]: %w", ErrInvalidSchema, i, err)
		}
		if other, ok := ports[dt.Port]; ok {
			return nil, fmt.Errorf("%w: port %d bound by both %s and %s", ErrInvalidSchema, dt.Port, other, dt.Name)
		}
		ports[dt.Port] = dt.Name
		types = append(types, dt)
	}
	return types, nil
}

func build(dc DeviceTypeConfig) (DeviceType, error) {
	name := strings.TrimSpace(dc.Name)
	if name == "" {
		return DeviceType{}, fmt.Errorf("name must be set")
	}
	if dc.Port <= 0 || dc.Port > 65535 {
		return DeviceType{}, fmt.Errorf("%s: port %d out of range", name, dc.Port)
	}

	dt := DeviceType{
		Name:      name,
		Port:      dc.Port,
		Variables: make(map[string]Variable, len(dc.StatusVariables)),
		Commands:  make([]CommandDef, 0, len(dc.ValidCommands)),
	}

	for vname, vc := range dc.StatusVariables {
		if len(vc.ValidValues) == 0 {
			return DeviceType{}, fmt.Errorf("%s: variable %s has no valid_values", name, vname)
		}
		v := Variable{Name: vname, ValidValues: append([]string(nil), vc.ValidValues...)}
		if vc.Value != nil {
			if !v.Valid(*vc.Value) {
				return DeviceType{}, fmt.Errorf("%s: initial value %q is not valid for %s", name, *vc.Value, vname)
			}
			initial := *vc.Value
			v.Initial = &initial
		}
		dt.Variables[vname] = v
	}

	for i, cc := range dc.ValidCommands {
		def, err := buildCommand(&dt, cc)
		if err != nil {
			return DeviceType{}, fmt.Errorf("%s: valid_commands[%d]: %w", name, i, err)
		}
		dt.Commands = append(dt.Commands, def)
	}
	return dt, nil
}

func buildCommand(dt *DeviceType, cc CommandConfig) (CommandDef, error) {
	input := strings.TrimSpace(cc.Input)
	if input == "" {
		return CommandDef{}, fmt.Errorf("input must be set")
	}
	op, err := resolveOperation(dt, cc.Function, cc.Parameters)
	if err != nil {
		return CommandDef{}, fmt.Errorf("%q: %w", input, err)
	}
	return CommandDef{Input: input, Op: op, Output: cc.Output}, nil
}

// resolveOperation turns function + parameters into a closed Operation so an unknown
// function or a bad argument list is rejected at load time.
func resolveOperation(dt *DeviceType, function string, params []string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(function)) {
	case "":
		if len(params) > 0 {
			return Operation{}, fmt.Errorf("parameters given without function")
		}
		return Operation{Kind: OpNone}, nil
	case "get":
		if len(params) != 1 {
			return Operation{}, fmt.Errorf("get takes 1 parameter, got %d", len(params))
		}
		if _, ok := dt.Variables[params[0]]; !ok {
			return Operation{}, fmt.Errorf("get references undeclared variable %s", params[0])
		}
		return Operation{Kind: OpGet, Variable: params[0]}, nil
	case "set":
		if len(params) != 2 {
			return Operation{}, fmt.Errorf("set takes 2 parameters, got %d", len(params))
		}
		v, ok := dt.Variables[params[0]]
		if !ok {
			return Operation{}, fmt.Errorf("set references undeclared variable %s", params[0])
		}
		if !v.Valid(params[1]) {
			return Operation{}, fmt.Errorf("%q is not a valid value for %s", params[1], params[0])
		}
		return Operation{Kind: OpSet, Variable: params[0], Value: params[1]}, nil
	default:
		return Operation{}, fmt.Errorf("unsupported function %q", function)
	}
}
