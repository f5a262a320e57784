package module

import (
	"github.com/bringauto/external-server/pkg/fleet"
)

// Return codes shared with the handler libraries. The general codes
// come from the Fleet Protocol's general_error_codes.h and must be kept
// in sync with it.
const (
	// CodeOK reports successful routine execution.
	CodeOK = 0

	// CodeNotOK reports a failed routine execution.
	CodeNotOK = -1

	// codeReserved is the lower bound of the general purpose error
	// range; server-specific codes start below it.
	codeReserved = -10

	// CodeContextIncorrect reports a call with an invalid library
	// context.
	CodeContextIncorrect = codeReserved - 1

	// CodeTimeoutOccurred reports that WaitForCommand returned without
	// a command becoming available.
	CodeTimeoutOccurred = codeReserved - 2
)

// DisconnectReason mirrors the ABI's disconnect type enum.
type DisconnectReason int32

const (
	// DisconnectAnnounced marks a disconnect the device announced
	// itself.
	DisconnectAnnounced DisconnectReason = 0

	// DisconnectTimeout marks a device dropped because its session
	// timed out.
	DisconnectTimeout DisconnectReason = 1

	// DisconnectError marks a disconnect forced by an error.
	DisconnectError DisconnectReason = 2
)

// String returns the reason name.
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectAnnounced:
		return "announced"
	case DisconnectTimeout:
		return "timeout"
	case DisconnectError:
		return "error"
	default:
		return "unknown"
	}
}

// API is the capability interface over one handler library. The
// operations map one to one onto the C symbols of the Fleet Protocol
// module ABI; integer returns are the library's codes (CodeOK on
// success, negative on failure).
//
// Libraries are required to make these operations reentrant-safe with
// respect to each other: the command-waiting thread calls
// WaitForCommand and GetCommand while the session controller calls the
// forward and acknowledge operations.
type API interface {
	// Init loads the library context with the configured key/value
	// pairs. Called once before any other operation.
	Init(config map[string]string) error

	// DeviceConnected informs the library a device first appeared.
	DeviceConnected(device fleet.Device) int

	// DeviceDisconnected informs the library a device went away and
	// why.
	DeviceDisconnected(reason DisconnectReason, device fleet.Device) int

	// ForwardStatus delivers a device status payload.
	ForwardStatus(device fleet.Device, status []byte) int

	// ForwardErrorMessage delivers a device error payload.
	ForwardErrorMessage(device fleet.Device, errorMsg []byte) int

	// WaitForCommand blocks until a command is available or the
	// timeout elapses. Returns CodeOK when commands are ready,
	// CodeTimeoutOccurred on timeout, any other negative value on
	// failure.
	WaitForCommand(timeoutMS int) int

	// GetCommand drains one pending command without blocking. The
	// returned count is the number of commands remaining after this
	// one; negative on error.
	GetCommand() (device fleet.Device, data []byte, remaining int)

	// CommandAck reports that the gateway acknowledged a command
	// previously produced by this library.
	CommandAck(data []byte, device fleet.Device) int

	// Destroy releases the library context. No operation may be called
	// afterwards.
	Destroy() int
}
