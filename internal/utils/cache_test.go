package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValueCacheChanged(t *testing.T) {
	c := NewValueCache(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	assert.True(t, c.Changed("Lamp/power", "on"))
	assert.False(t, c.Changed("Lamp/power", "on"))
	assert.True(t, c.Changed("Lamp/power", "off"))

	v, ok := c.GetValue("Lamp/power")
	assert.True(t, ok)
	assert.Equal(t, "off", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.GetValue("Lamp/power")
	assert.False(t, ok)
	assert.True(t, c.Changed("Lamp/power", "off"))

	c.Forget("Lamp/power")
	assert.True(t, c.Changed("Lamp/power", "off"))
}

func TestNewValueCacheDefaultTTL(t *testing.T) {
	assert.Equal(t, time.Hour, NewValueCache(0).ttl)
}
