// Package entity turns coordinator data into entity states using plain
// description tables.
package entity

import (
	"fmt"
	"strings"

	"github.com/gosimple/slug"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

// Description declares one entity of an integration. Value extracts the
// entity value from the coordinator data; a nil result means unknown.
type Description[T any] struct {
	Key         string
	Name        string
	Platform    model.Platform
	Value       func(T) any
	Available   func(T) bool
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string
	Category    string
}

func (d Description[T]) platform() model.Platform {
	if d.Platform == "" {
		return model.PlatformSensor
	}
	return d.Platform
}

// Slugify makes an identifier safe for entity ids and topics.
func Slugify(s string) string {
	return strings.ReplaceAll(slug.Make(s), "-", "_")
}

// Prefix is the unique id prefix shared by all entities of one config entry.
func Prefix(domain, entryUniqueID string) string {
	return fmt.Sprintf("%s_%s", domain, Slugify(entryUniqueID))
}

// UniqueID is <domain>_<entry unique id>_<key>.
func UniqueID(domain, entryUniqueID, key string) string {
	return Prefix(domain, entryUniqueID) + "_" + key
}

// EntityID is <platform>.<slug of device and entity name>.
func EntityID(platform model.Platform, device model.Device, name string) string {
	return fmt.Sprintf("%s.%s", platform, Slugify(strings.TrimSpace(device.Name+" "+name)))
}

func (d Description[T]) info(prefix string, device model.Device) model.EntityInfo {
	deviceClass, stateClass := d.DeviceClass, d.StateClass
	if d.platform() == model.PlatformSensor && deviceClass == "" && stateClass == "" {
		deviceClass, stateClass = model.DeviceClassForUnit(d.Unit)
	}
	return model.EntityInfo{
		UniqueID:    prefix + "_" + d.Key,
		EntityID:    EntityID(d.platform(), device, d.Name),
		Name:        d.Name,
		Platform:    d.platform(),
		Unit:        d.Unit,
		DeviceClass: deviceClass,
		StateClass:  stateClass,
		Icon:        d.Icon,
		Category:    d.Category,
		Device:      device,
	}
}
