package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-simulator/internal/device"
	"device-simulator/internal/schema"
)

func lamp(t *testing.T) *schema.DeviceType {
	t.Helper()
	types, err := schema.Parse([]byte(`
device_types:
  - name: Lamp
    port: 9001
    status_variables:
      power: {valid_values: ["on", "off"]}
      color: {valid_values: [red, blue], value: red}
      mode: {valid_values: [eco]}
    valid_commands:
      - {input: "POWER ON", function: set, parameters: [power, "on"], output: "OK power={power}"}
      - {input: "POWER OFF", function: set, parameters: [power, "off"], output: "OK power={power}"}
      - {input: "POWER?", output: "power={power}"}
      - {input: "POWER GET", function: get, parameters: [power], output: "{power}"}
      - {input: "COLOR?", output: "color={color}"}
      - {input: "PING", output: "PONG"}
      - {input: "PING", output: "second"}
      - {input: "POWER ON ECO", function: set, parameters: [power, "on"], output: "mode={mode}"}
`))
	require.NoError(t, err)
	return &types[0]
}

func TestMatch(t *testing.T) {
	dt := lamp(t)

	def, err := Match(dt, "  POWER ON\r\n")
	require.NoError(t, err)
	assert.Equal(t, "POWER ON", def.Input)

	def, err = Match(dt, "PING")
	require.NoError(t, err)
	assert.Equal(t, "PONG", def.Output, "first declared match wins")

	_, err = Match(dt, "power on")
	require.ErrorIs(t, err, ErrInvalidCommand)
	var ice *InvalidCommandError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "power on", ice.Line)
}

func TestLampScenario(t *testing.T) {
	dev := device.New(lamp(t))

	inv := Execute(dev, "POWER?")
	assert.ErrorIs(t, inv.Err, ErrTemplateSubstitution)
	assert.ErrorIs(t, inv.Err, device.ErrUnsetVariable)
	assert.Equal(t, "UnsetVariableError", ErrorKind(inv.Err))

	inv = Execute(dev, "POWER GET")
	assert.ErrorIs(t, inv.Err, device.ErrUnsetVariable)
	assert.False(t, inv.Applied)

	inv = Execute(dev, "POWER ON")
	require.NoError(t, inv.Err)
	assert.True(t, inv.Applied)
	assert.Equal(t, "OK power=on", inv.Output)

	inv = Execute(dev, "POWER?")
	require.NoError(t, inv.Err)
	assert.Equal(t, "power=on", inv.Output)

	inv = Execute(dev, "COLOR?")
	require.NoError(t, inv.Err)
	assert.Equal(t, "color=red", inv.Output)
}

func TestExecuteAppliedWhenOnlyTemplateFails(t *testing.T) {
	dev := device.New(lamp(t))

	inv := Execute(dev, "POWER ON ECO")
	assert.ErrorIs(t, inv.Err, ErrTemplateSubstitution)
	assert.True(t, inv.Applied, "the set ran before rendering failed")
	v, err := dev.Get("power")
	require.NoError(t, err)
	assert.Equal(t, "on", v)
}

func TestInvalidCommandDoesNotMutate(t *testing.T) {
	dev := device.New(lamp(t))
	before := dev.Context()

	inv := Execute(dev, "POWER DIM")
	assert.ErrorIs(t, inv.Err, ErrInvalidCommand)
	assert.Nil(t, inv.Command)
	assert.Equal(t, before, dev.Context())
	assert.Equal(t, "InvalidCommandError", ErrorKind(inv.Err))
}

func TestDispatch(t *testing.T) {
	dt := lamp(t)
	dev := device.New(dt)

	out, err := Dispatch(dev, &dt.Commands[1])
	require.NoError(t, err)
	assert.Equal(t, "OK power=off", out)

	_, err = Dispatch(dev, &schema.CommandDef{Op: schema.Operation{Kind: schema.OpGet, Variable: "nope"}})
	assert.ErrorIs(t, err, device.ErrUnknownVariable)
}

func TestRender(t *testing.T) {
	ctx := map[string]string{"a": "1", "b": "two"}

	out, err := Render("a={a} b={b}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "a=1 b=two", out)

	out, err = Render("{{literal}} {a}\r\n", ctx)
	require.NoError(t, err)
	assert.Equal(t, "{literal} 1\r\n", out)

	out, err = Render("", ctx)
	require.NoError(t, err)
	assert.Empty(t, out)

	for _, bad := range []string{"{c}", "{a", "a}", "{}", "{a:>5}", "{a!r}"} {
		_, err := Render(bad, ctx)
		assert.ErrorIs(t, err, ErrTemplateSubstitution, bad)
	}
	_, err = Render("{a", ctx)
	assert.Equal(t, "TemplateSubstitutionError", ErrorKind(err))
}

func TestPlaceholders(t *testing.T) {
	names, err := Placeholders("{x} and {y} {{z}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, names)
}

func TestValidate(t *testing.T) {
	dt := lamp(t)
	require.NoError(t, Validate(dt))

	dt.Commands = append(dt.Commands, schema.CommandDef{Input: "VOL?", Output: "{volume}"})
	err := Validate(dt)
	assert.ErrorIs(t, err, ErrTemplateSubstitution)
}

func TestValidateRejectsFormatSpecs(t *testing.T) {
	dt := lamp(t)
	dt.Commands = append(dt.Commands, schema.CommandDef{Input: "PAD?", Output: "[{power:>5}]"})
	err := Validate(dt)
	assert.ErrorIs(t, err, ErrTemplateSubstitution)
	assert.ErrorContains(t, err, "format specs and conversions are not supported")
}

func TestErrorKind(t *testing.T) {
	assert.Empty(t, ErrorKind(nil))
	assert.Equal(t, "UnknownPortError", ErrorKind(schema.ErrUnknownPort))
	assert.Equal(t, "InvalidValueError", ErrorKind(device.ErrInvalidValue))
	assert.Equal(t, "UnknownVariableError", ErrorKind(device.ErrUnknownVariable))
	assert.Equal(t, "Error", ErrorKind(errors.New("boom")))
}
