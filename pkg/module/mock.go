package module

import (
	"sync"
	"time"

	"github.com/bringauto/external-server/pkg/fleet"
)

// Mock is the in-memory API provider used by the engine tests. Tests
// script commands with PushCommand and inspect the calls the engine
// made through the recorded slices.
type Mock struct {
	mu sync.Mutex

	initialized bool
	destroyed   bool
	config      map[string]string

	pending   []mockCommand
	available chan struct{}

	// Scripted failures.
	initErr        error
	forwardCode    int
	waitCode       *int
	remainingError bool

	connected    []fleet.Device
	disconnected []DisconnectCall
	statuses     []ForwardCall
	errorMsgs    []ForwardCall
	acks         []AckCall
}

type mockCommand struct {
	device fleet.Device
	data   []byte
}

// DisconnectCall records one DeviceDisconnected call.
type DisconnectCall struct {
	Reason DisconnectReason
	Device fleet.Device
}

// ForwardCall records one ForwardStatus or ForwardErrorMessage call.
type ForwardCall struct {
	Device fleet.Device
	Data   []byte
}

// AckCall records one CommandAck call.
type AckCall struct {
	Device fleet.Device
	Data   []byte
}

// NewMock creates an empty mock provider.
func NewMock() *Mock {
	return &Mock{available: make(chan struct{}, 1)}
}

// FailInit scripts Init to return err.
func (m *Mock) FailInit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// FailForward scripts every Forward call to return code.
func (m *Mock) FailForward(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwardCode = code
}

// FailWait scripts WaitForCommand to return code.
func (m *Mock) FailWait(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitCode = &code
}

// FailGetCommand scripts GetCommand to report a negative remaining
// count.
func (m *Mock) FailGetCommand() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remainingError = true
}

// PushCommand queues a command the library "produced" for the engine
// to drain.
func (m *Mock) PushCommand(device fleet.Device, data []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, mockCommand{device: device, data: data})
	m.mu.Unlock()
	select {
	case m.available <- struct{}{}:
	default:
	}
}

// Init implements API.
func (m *Mock) Init(config map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initErr != nil {
		return m.initErr
	}
	m.initialized = true
	m.config = config
	return nil
}

// DeviceConnected implements API.
func (m *Mock) DeviceConnected(device fleet.Device) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, device)
	return CodeOK
}

// DeviceDisconnected implements API.
func (m *Mock) DeviceDisconnected(reason DisconnectReason, device fleet.Device) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, DisconnectCall{Reason: reason, Device: device})
	return CodeOK
}

// ForwardStatus implements API.
func (m *Mock) ForwardStatus(device fleet.Device, status []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwardCode != CodeOK {
		return m.forwardCode
	}
	m.statuses = append(m.statuses, ForwardCall{Device: device, Data: append([]byte(nil), status...)})
	return CodeOK
}

// ForwardErrorMessage implements API.
func (m *Mock) ForwardErrorMessage(device fleet.Device, errorMsg []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwardCode != CodeOK {
		return m.forwardCode
	}
	m.errorMsgs = append(m.errorMsgs, ForwardCall{Device: device, Data: append([]byte(nil), errorMsg...)})
	return CodeOK
}

// WaitForCommand implements API.
func (m *Mock) WaitForCommand(timeoutMS int) int {
	m.mu.Lock()
	if m.waitCode != nil {
		code := *m.waitCode
		m.mu.Unlock()
		return code
	}
	if len(m.pending) > 0 {
		m.mu.Unlock()
		return CodeOK
	}
	m.mu.Unlock()

	select {
	case <-m.available:
		m.mu.Lock()
		ready := len(m.pending) > 0
		m.mu.Unlock()
		if ready {
			return CodeOK
		}
		return CodeTimeoutOccurred
	case <-time.After(time.Duration(timeoutMS) * time.Millisecond):
		return CodeTimeoutOccurred
	}
}

// GetCommand implements API.
func (m *Mock) GetCommand() (fleet.Device, []byte, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remainingError {
		return fleet.Device{}, nil, CodeNotOK
	}
	if len(m.pending) == 0 {
		return fleet.Device{}, nil, CodeNotOK
	}
	cmd := m.pending[0]
	m.pending = m.pending[1:]
	return cmd.device, cmd.data, len(m.pending)
}

// CommandAck implements API.
func (m *Mock) CommandAck(data []byte, device fleet.Device) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, AckCall{Device: device, Data: append([]byte(nil), data...)})
	return CodeOK
}

// Destroy implements API.
func (m *Mock) Destroy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return CodeContextIncorrect
	}
	m.destroyed = true
	return CodeOK
}

// Inspection helpers for tests.

// Connected returns the devices announced through DeviceConnected.
func (m *Mock) Connected() []fleet.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fleet.Device(nil), m.connected...)
}

// Disconnected returns the recorded DeviceDisconnected calls.
func (m *Mock) Disconnected() []DisconnectCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DisconnectCall(nil), m.disconnected...)
}

// Statuses returns the recorded ForwardStatus calls.
func (m *Mock) Statuses() []ForwardCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ForwardCall(nil), m.statuses...)
}

// ErrorMessages returns the recorded ForwardErrorMessage calls.
func (m *Mock) ErrorMessages() []ForwardCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ForwardCall(nil), m.errorMsgs...)
}

// Acks returns the recorded CommandAck calls.
func (m *Mock) Acks() []AckCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AckCall(nil), m.acks...)
}

// Destroyed reports whether Destroy has been called.
func (m *Mock) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// Compile-time interface satisfaction check.
var _ API = (*Mock)(nil)
