package command

import (
	"fmt"
	"strings"

	"device-simulator/internal/device"
)

// Render substitutes {name} placeholders from ctx. "{{" and "}}" produce literal
// braces. A placeholder naming a variable absent from ctx is an error, never blank.
func Render(tpl string, ctx map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tpl))
	err := walk(tpl, func(lit string) {
		b.WriteString(lit)
	}, func(name string) error {
		value, ok := ctx[name]
		if !ok {
			return &TemplateError{
				Template: tpl,
				Variable: name,
				Reason:   "not set",
				Err:      fmt.Errorf("%w: value of %s not set yet", device.ErrUnsetVariable, name),
			}
		}
		b.WriteString(value)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Placeholders lists the variable names referenced by tpl in order of appearance.
func Placeholders(tpl string) ([]string, error) {
	var names []string
	err := walk(tpl, func(string) {}, func(name string) error {
		names = append(names, name)
		return nil
	})
	return names, err
}

func walk(tpl string, literal func(string), field func(string) error) error {
	for i := 0; i < len(tpl); {
		c := tpl[i]
		switch {
		case c == '{' && i+1 < len(tpl) && tpl[i+1] == '{':
			literal("{")
			i += 2
		case c == '}' && i+1 < len(tpl) && tpl[i+1] == '}':
			literal("}")
			i += 2
		case c == '{':
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				return &TemplateError{Template: tpl, Reason: "unclosed '{'"}
			}
			name := tpl[i+1 : i+1+end]
			if name == "" || strings.ContainsRune(name, '{') {
				return &TemplateError{Template: tpl, Reason: "malformed placeholder"}
			}
			if strings.ContainsAny(name, ":!") {
				return &TemplateError{Template: tpl, Variable: name, Reason: "format specs and conversions are not supported"}
			}
			if err := field(name); err != nil {
				return err
			}
			i += end + 2
		case c == '}':
			return &TemplateError{Template: tpl, Reason: "single '}' encountered"}
		default:
			j := i
			for j < len(tpl) && tpl[j] != '{' && tpl[j] != '}' {
				j++
			}
			literal(tpl[i:j])
			i = j
		}
	}
	return nil
}
