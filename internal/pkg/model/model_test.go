package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceIdentifier(t *testing.T) {
	assert.Equal(t, "SH50RS_A123", Device{Model: "SH5.0RS", SerialNumber: "A123"}.Identifier())
	assert.Equal(t, "A123", Device{SerialNumber: "A123"}.Identifier())
}

func TestStateString(t *testing.T) {
	v := "21.5"
	assert.Equal(t, "21.5", State{Value: &v, Available: true}.String())
	assert.Equal(t, "unknown", State{Available: true}.String())
	assert.Equal(t, StateUnavailable, State{Value: &v}.String())
}

func TestEntityObjectID(t *testing.T) {
	assert.Equal(t, "battery_level", EntityInfo{EntityID: "sensor.battery_level"}.ObjectID())
	assert.Equal(t, "plain", EntityInfo{EntityID: "plain"}.ObjectID())
}

func TestDeviceClassForUnit(t *testing.T) {
	dc, sc := DeviceClassForUnit("kWh")
	assert.Equal(t, DeviceClassEnergy, dc)
	assert.Equal(t, StateClassTotalIncreasing, sc)

	dc, sc = DeviceClassForUnit("")
	assert.Empty(t, dc)
	assert.Empty(t, sc)

	assert.True(t, IsNumeric("var"))
	assert.False(t, IsNumeric("rpm"))
}

func TestConfigEntryClone(t *testing.T) {
	e := ConfigEntry{ID: "1", Data: map[string]string{"host": "a"}}
	c := e.Clone()
	c.Data["host"] = "b"
	assert.Equal(t, "a", e.Data["host"])
}
