package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bringauto/external-server/pkg/fleet"
)

func TestDeviceTableIdentity(t *testing.T) {
	table := NewDeviceTable()
	button := fleet.Device{Module: 2, DeviceType: 7, DeviceRole: "button", DeviceName: "A", Priority: 3}

	assert.True(t, table.Insert(button))
	assert.True(t, table.Contains(button))
	assert.Equal(t, 1, table.Len())

	// Same identity, different priority: refresh, not a new entry.
	refreshed := button
	refreshed.Priority = 1
	assert.False(t, table.Insert(refreshed))
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, uint32(1), table.List()[0].Priority)

	// Different name is a different device.
	other := button
	other.DeviceName = "B"
	assert.True(t, table.Insert(other))
	assert.Equal(t, 2, table.Len())
}

func TestDeviceTableRemove(t *testing.T) {
	table := NewDeviceTable()
	d := fleet.Device{Module: 2, DeviceType: 7, DeviceRole: "button", DeviceName: "A"}

	assert.False(t, table.Remove(d))
	table.Insert(d)
	assert.True(t, table.Remove(d))
	assert.False(t, table.Contains(d))
	assert.Equal(t, 0, table.Len())
}

func TestDeviceTableCountForModule(t *testing.T) {
	table := NewDeviceTable()
	table.Insert(fleet.Device{Module: 2, DeviceType: 7, DeviceRole: "button", DeviceName: "A"})
	table.Insert(fleet.Device{Module: 2, DeviceType: 7, DeviceRole: "button", DeviceName: "B"})
	table.Insert(fleet.Device{Module: 3, DeviceType: 1, DeviceRole: "autonomy", DeviceName: "virtual"})

	assert.Equal(t, 2, table.CountForModule(2))
	assert.Equal(t, 1, table.CountForModule(3))
	assert.Equal(t, 0, table.CountForModule(9))

	table.Clear()
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, table.CountForModule(2))
}
