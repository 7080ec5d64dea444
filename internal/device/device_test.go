package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-simulator/internal/schema"
)

func lampType() *schema.DeviceType {
	level := "low"
	return &schema.DeviceType{
		Name: "Lamp",
		Port: 9001,
		Variables: map[string]schema.Variable{
			"power": {Name: "power", ValidValues: []string{"on", "off"}},
			"level": {Name: "level", ValidValues: []string{"low", "high"}, Initial: &level},
		},
	}
}

func TestGetBeforeSet(t *testing.T) {
	d := New(lampType())

	_, err := d.Get("power")
	assert.ErrorIs(t, err, ErrUnsetVariable)

	got, err := d.Set("power", "on")
	require.NoError(t, err)
	assert.Equal(t, "on", got)

	got, err = d.Get("power")
	require.NoError(t, err)
	assert.Equal(t, "on", got)

	_, err = d.Set("power", "off")
	require.NoError(t, err)
	got, _ = d.Get("power")
	assert.Equal(t, "off", got)
}

func TestInitialValue(t *testing.T) {
	d := New(lampType())
	got, err := d.Get("level")
	require.NoError(t, err)
	assert.Equal(t, "low", got)
}

func TestInvalidValueLeavesStateUnchanged(t *testing.T) {
	d := New(lampType())
	_, err := d.Set("power", "on")
	require.NoError(t, err)

	_, err = d.Set("power", "dim")
	assert.ErrorIs(t, err, ErrInvalidValue)

	got, err := d.Get("power")
	require.NoError(t, err)
	assert.Equal(t, "on", got)
}

func TestUnknownVariable(t *testing.T) {
	d := New(lampType())
	_, err := d.Get("volume")
	assert.ErrorIs(t, err, ErrUnknownVariable)
	_, err = d.Set("volume", "11")
	assert.ErrorIs(t, err, ErrUnknownVariable)
	assert.NotContains(t, d.Context(), "volume")
}

func TestApply(t *testing.T) {
	d := New(lampType())

	out, err := d.Apply(schema.Operation{Kind: schema.OpNone})
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = d.Apply(schema.Operation{Kind: schema.OpGet, Variable: "power"})
	assert.ErrorIs(t, err, ErrUnsetVariable)

	out, err = d.Apply(schema.Operation{Kind: schema.OpSet, Variable: "power", Value: "off"})
	require.NoError(t, err)
	assert.Equal(t, "off", out)
}

func TestContextOmitsUnset(t *testing.T) {
	d := New(lampType())
	assert.Equal(t, map[string]string{"level": "low"}, d.Context())

	ctx := d.Context()
	ctx["level"] = "high"
	got, _ := d.Get("level")
	assert.Equal(t, "low", got, "context must be a copy")
}

func TestDevicesAreIsolated(t *testing.T) {
	dt := lampType()
	a, b := New(dt), New(dt)
	_, err := a.Set("power", "on")
	require.NoError(t, err)
	_, err = b.Get("power")
	assert.ErrorIs(t, err, ErrUnsetVariable)
}
