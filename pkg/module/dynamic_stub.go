//go:build !linux && !darwin

package module

import (
	"errors"

	"github.com/bringauto/external-server/pkg/fleet"
)

// DynamicLibrary is only functional on platforms with a dlopen-style
// loader. This stub keeps the package compiling elsewhere; Init always
// fails, which is fatal to the session before any other call happens.
type DynamicLibrary struct {
	path string
}

// NewDynamicLibrary creates a provider for the shared object at path.
func NewDynamicLibrary(path string) *DynamicLibrary {
	return &DynamicLibrary{path: path}
}

// Init implements API.
func (l *DynamicLibrary) Init(map[string]string) error {
	return errors.New("dynamic module libraries are not supported on this platform")
}

// DeviceConnected implements API.
func (l *DynamicLibrary) DeviceConnected(fleet.Device) int { return CodeContextIncorrect }

// DeviceDisconnected implements API.
func (l *DynamicLibrary) DeviceDisconnected(DisconnectReason, fleet.Device) int {
	return CodeContextIncorrect
}

// ForwardStatus implements API.
func (l *DynamicLibrary) ForwardStatus(fleet.Device, []byte) int { return CodeContextIncorrect }

// ForwardErrorMessage implements API.
func (l *DynamicLibrary) ForwardErrorMessage(fleet.Device, []byte) int { return CodeContextIncorrect }

// WaitForCommand implements API.
func (l *DynamicLibrary) WaitForCommand(int) int { return CodeContextIncorrect }

// GetCommand implements API.
func (l *DynamicLibrary) GetCommand() (fleet.Device, []byte, int) {
	return fleet.Device{}, nil, CodeContextIncorrect
}

// CommandAck implements API.
func (l *DynamicLibrary) CommandAck([]byte, fleet.Device) int { return CodeContextIncorrect }

// Destroy implements API.
func (l *DynamicLibrary) Destroy() int { return CodeContextIncorrect }

// Compile-time interface satisfaction check.
var _ API = (*DynamicLibrary)(nil)
