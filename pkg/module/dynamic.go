//go:build linux || darwin

package module

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/bringauto/external-server/pkg/fleet"
)

// Dynamic-loader errors.
var (
	ErrInitFailed    = errors.New("module library init returned no context")
	ErrMissingSymbol = errors.New("module library misses a required symbol")
)

// libBuffer mirrors the ABI's buffer value: {size: size_t, data: pointer}.
// The engine owns buffers it passes in; the library owns buffers it
// returns, which the engine releases through the library's deallocate.
type libBuffer struct {
	size uintptr
	data unsafe.Pointer
}

// keyValue mirrors the ABI's key_value pair of buffers.
type keyValue struct {
	key   libBuffer
	value libBuffer
}

// libConfig mirrors the ABI's config array.
type libConfig struct {
	parameters *keyValue
	size       uintptr
}

// deviceIdent mirrors the ABI's device_identification. Role and name
// carry null-terminated UTF-8; size excludes the terminator.
type deviceIdent struct {
	module     int32
	deviceType uint32
	role       libBuffer
	name       libBuffer
	priority   uint32
}

// DynamicLibrary is the API provider backed by a shared object loaded
// at runtime, the production counterpart of the mock provider.
type DynamicLibrary struct {
	// mu serialises GetCommand/Destroy/Init against each other the way
	// the library contract requires of the engine.
	mu sync.Mutex

	path   string
	handle uintptr
	ctx    unsafe.Pointer

	initFn             func(cfg libConfig) unsafe.Pointer
	deviceConnectedFn  func(dev deviceIdent, ctx unsafe.Pointer) int32
	deviceDisconnFn    func(reason int32, dev deviceIdent, ctx unsafe.Pointer) int32
	forwardStatusFn    func(buf libBuffer, dev deviceIdent, ctx unsafe.Pointer) int32
	forwardErrorFn     func(buf libBuffer, dev deviceIdent, ctx unsafe.Pointer) int32
	waitForCommandFn   func(timeoutMS int32, ctx unsafe.Pointer) int32
	getCommandFn       func(buf *libBuffer, dev *deviceIdent, ctx unsafe.Pointer) int32
	commandAckFn       func(buf libBuffer, dev deviceIdent, ctx unsafe.Pointer) int32
	destroyFn          func(ctx *unsafe.Pointer) int32
	deallocateFn       func(buf *libBuffer)
}

// NewDynamicLibrary creates a provider for the shared object at path.
// The library is not loaded until Init.
func NewDynamicLibrary(path string) *DynamicLibrary {
	return &DynamicLibrary{path: path}
}

// Init loads the shared object, resolves the ABI symbols and creates
// the library context with the configured key/value pairs.
func (l *DynamicLibrary) Init(config map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	handle, err := purego.Dlopen(l.path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return fmt.Errorf("failed to load module library %s: %w", l.path, err)
	}
	l.handle = handle

	if err := l.registerSymbols(); err != nil {
		return err
	}

	pairs := make([]keyValue, 0, len(config))
	var pin runtime.Pinner
	defer pin.Unpin()
	for k, v := range config {
		pairs = append(pairs, keyValue{
			key:   bytesToBuffer(&pin, append([]byte(k), 0)),
			value: bytesToBuffer(&pin, append([]byte(v), 0)),
		})
	}
	cfg := libConfig{size: uintptr(len(pairs))}
	if len(pairs) > 0 {
		pin.Pin(&pairs[0])
		cfg.parameters = &pairs[0]
	}

	l.ctx = l.initFn(cfg)
	if l.ctx == nil {
		return ErrInitFailed
	}
	return nil
}

func (l *DynamicLibrary) registerSymbols() error {
	symbols := []struct {
		name string
		fn   any
	}{
		{"init", &l.initFn},
		{"device_connected", &l.deviceConnectedFn},
		{"device_disconnected", &l.deviceDisconnFn},
		{"forward_status", &l.forwardStatusFn},
		{"forward_error_message", &l.forwardErrorFn},
		{"wait_for_command", &l.waitForCommandFn},
		{"get_command", &l.getCommandFn},
		{"command_ack", &l.commandAckFn},
		{"destroy", &l.destroyFn},
		{"deallocate", &l.deallocateFn},
	}
	for _, s := range symbols {
		if err := registerFunc(s.fn, l.handle, s.name); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMissingSymbol, s.name, err)
		}
	}
	return nil
}

// registerFunc wraps purego.RegisterLibFunc, which panics on missing
// symbols; a broken library must fail the session init, not the
// process.
func registerFunc(fptr any, handle uintptr, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	purego.RegisterLibFunc(fptr, handle, name)
	return nil
}

// DeviceConnected implements API.
func (l *DynamicLibrary) DeviceConnected(device fleet.Device) int {
	if l.ctx == nil {
		return CodeContextIncorrect
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	return int(l.deviceConnectedFn(deviceToIdent(&pin, device), l.ctx))
}

// DeviceDisconnected implements API.
func (l *DynamicLibrary) DeviceDisconnected(reason DisconnectReason, device fleet.Device) int {
	if l.ctx == nil {
		return CodeContextIncorrect
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	return int(l.deviceDisconnFn(int32(reason), deviceToIdent(&pin, device), l.ctx))
}

// ForwardStatus implements API.
func (l *DynamicLibrary) ForwardStatus(device fleet.Device, status []byte) int {
	if l.ctx == nil {
		return CodeContextIncorrect
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	return int(l.forwardStatusFn(bytesToBuffer(&pin, status), deviceToIdent(&pin, device), l.ctx))
}

// ForwardErrorMessage implements API.
func (l *DynamicLibrary) ForwardErrorMessage(device fleet.Device, errorMsg []byte) int {
	if l.ctx == nil {
		return CodeContextIncorrect
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	return int(l.forwardErrorFn(bytesToBuffer(&pin, errorMsg), deviceToIdent(&pin, device), l.ctx))
}

// WaitForCommand implements API.
func (l *DynamicLibrary) WaitForCommand(timeoutMS int) int {
	if l.ctx == nil {
		return CodeContextIncorrect
	}
	return int(l.waitForCommandFn(int32(timeoutMS), l.ctx))
}

// GetCommand implements API. The command bytes are copied out of the
// library-owned buffer, which is then released through deallocate.
func (l *DynamicLibrary) GetCommand() (fleet.Device, []byte, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx == nil {
		return fleet.Device{}, nil, CodeContextIncorrect
	}

	var buf libBuffer
	var dev deviceIdent
	remaining := int(l.getCommandFn(&buf, &dev, l.ctx))
	if remaining < 0 {
		return fleet.Device{}, nil, remaining
	}

	device := identToDevice(dev)
	data := copyBuffer(buf)
	if buf.data != nil {
		l.deallocateFn(&buf)
	}
	if dev.role.data != nil {
		l.deallocateFn(&dev.role)
	}
	if dev.name.data != nil {
		l.deallocateFn(&dev.name)
	}
	return device, data, remaining
}

// CommandAck implements API.
func (l *DynamicLibrary) CommandAck(data []byte, device fleet.Device) int {
	if l.ctx == nil {
		return CodeContextIncorrect
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	return int(l.commandAckFn(bytesToBuffer(&pin, data), deviceToIdent(&pin, device), l.ctx))
}

// Destroy implements API.
func (l *DynamicLibrary) Destroy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx == nil {
		return CodeContextIncorrect
	}
	code := int(l.destroyFn(&l.ctx))
	l.ctx = nil
	return code
}

func bytesToBuffer(pin *runtime.Pinner, b []byte) libBuffer {
	if len(b) == 0 {
		return libBuffer{}
	}
	pin.Pin(&b[0])
	return libBuffer{size: uintptr(len(b)), data: unsafe.Pointer(&b[0])}
}

// deviceToIdent marshals a device; role and name sizes exclude the
// null terminator appended for the library.
func deviceToIdent(pin *runtime.Pinner, d fleet.Device) deviceIdent {
	role := append([]byte(d.DeviceRole), 0)
	name := append([]byte(d.DeviceName), 0)
	ident := deviceIdent{
		module:     int32(d.Module),
		deviceType: d.DeviceType,
		role:       bytesToBuffer(pin, role),
		name:       bytesToBuffer(pin, name),
		priority:   d.Priority,
	}
	ident.role.size = uintptr(len(d.DeviceRole))
	ident.name.size = uintptr(len(d.DeviceName))
	return ident
}

func identToDevice(ident deviceIdent) fleet.Device {
	return fleet.Device{
		Module:     uint32(ident.module),
		DeviceType: ident.deviceType,
		DeviceRole: string(copyBuffer(ident.role)),
		DeviceName: string(copyBuffer(ident.name)),
		Priority:   ident.priority,
	}
}

func copyBuffer(buf libBuffer) []byte {
	if buf.data == nil || buf.size == 0 {
		return nil
	}
	return append([]byte(nil), unsafe.Slice((*byte)(buf.data), buf.size)...)
}

// Compile-time interface satisfaction check.
var _ API = (*DynamicLibrary)(nil)
