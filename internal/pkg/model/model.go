package model

import (
	"fmt"
	"strings"
	"time"
)

type Platform string

func (p Platform) String() string {
	return string(p)
}

const (
	PlatformSensor       Platform = "sensor"
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformSwitch       Platform = "switch"
)

// Device groups the entities of one physical device or service.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	SerialNumber string `json:"serial_number"`
	SWVersion    string `json:"sw_version,omitempty"`
}

// Identifier is the stable device identifier used in topics and storage.
func (d Device) Identifier() string {
	if d.Model == "" {
		return d.SerialNumber
	}
	return fmt.Sprintf("%s_%s", strings.ReplaceAll(d.Model, ".", ""), d.SerialNumber)
}

// EntityInfo is the static part of an entity.
type EntityInfo struct {
	UniqueID    string   `json:"unique_id"`
	EntityID    string   `json:"entity_id"`
	Name        string   `json:"name"`
	Platform    Platform `json:"platform"`
	Unit        string   `json:"unit_of_measurement,omitempty"`
	DeviceClass string   `json:"device_class,omitempty"`
	StateClass  string   `json:"state_class,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Category    string   `json:"entity_category,omitempty"`
	Device      Device   `json:"device"`
}

// ObjectID is the entity id without its platform prefix.
func (e EntityInfo) ObjectID() string {
	_, obj, found := strings.Cut(e.EntityID, ".")
	if !found {
		return e.EntityID
	}
	return obj
}

// State is the value of an entity at a point in time. Value is nil when the
// entity is unavailable or its value is unknown.
type State struct {
	EntityInfo
	Value     *string   `json:"value"`
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StateOn          = "ON"
	StateOff         = "OFF"
	StateUnavailable = "unavailable"
)

// String renders the state like Home Assistant does.
func (s State) String() string {
	switch {
	case !s.Available:
		return StateUnavailable
	case s.Value == nil:
		return "unknown"
	default:
		return *s.Value
	}
}
