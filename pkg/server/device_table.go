package server

import (
	"github.com/bringauto/external-server/pkg/fleet"
)

// deviceKey is the identity part of a device: everything except the
// mutable priority.
type deviceKey struct {
	module     uint32
	deviceType uint32
	role       string
	name       string
}

func keyOf(d fleet.Device) deviceKey {
	return deviceKey{
		module:     d.Module,
		deviceType: d.DeviceType,
		role:       d.DeviceRole,
		name:       d.DeviceName,
	}
}

// DeviceTable tracks the devices currently connected to a session.
//
// The table is owned exclusively by the session controller goroutine;
// it is deliberately unlocked. Cross-thread visibility of per-module
// connectivity goes through the controller's atomic counters instead.
type DeviceTable struct {
	devices map[deviceKey]fleet.Device
}

// NewDeviceTable creates an empty table.
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{devices: make(map[deviceKey]fleet.Device)}
}

// Insert adds the device, or refreshes its priority if the identity is
// already present. It reports whether the device was new.
func (t *DeviceTable) Insert(d fleet.Device) bool {
	key := keyOf(d)
	_, exists := t.devices[key]
	t.devices[key] = d
	return !exists
}

// Contains reports whether a device with the same identity is in the
// table.
func (t *DeviceTable) Contains(d fleet.Device) bool {
	_, ok := t.devices[keyOf(d)]
	return ok
}

// Remove deletes the device and reports whether it was present.
func (t *DeviceTable) Remove(d fleet.Device) bool {
	key := keyOf(d)
	if _, ok := t.devices[key]; !ok {
		return false
	}
	delete(t.devices, key)
	return true
}

// Len returns the number of connected devices.
func (t *DeviceTable) Len() int {
	return len(t.devices)
}

// CountForModule returns the number of connected devices of one module.
func (t *DeviceTable) CountForModule(moduleID uint32) int {
	n := 0
	for key := range t.devices {
		if key.module == moduleID {
			n++
		}
	}
	return n
}

// List returns the connected devices in unspecified order.
func (t *DeviceTable) List() []fleet.Device {
	out := make([]fleet.Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out
}

// Clear empties the table.
func (t *DeviceTable) Clear() {
	clear(t.devices)
}
