package server

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bringauto/external-server/pkg/config"
	"github.com/bringauto/external-server/pkg/event"
	"github.com/bringauto/external-server/pkg/fleet"
	"github.com/bringauto/external-server/pkg/module"
)

const testSession = "s"

var buttonA = fleet.Device{Module: 2, DeviceType: 7, DeviceRole: "button", DeviceName: "A"}

// fakeBus is an in-memory Bus. Inbound frames are injected straight
// onto the event queue the way the MQTT adapter would; outbound frames
// are recorded and signalled.
type fakeBus struct {
	mu         sync.Mutex
	queue      *event.Queue
	published  []*fleet.ExternalServer
	connectErr []error
	publishCh  chan *fleet.ExternalServer
}

func newFakeBus(queue *event.Queue) *fakeBus {
	return &fakeBus{queue: queue, publishCh: make(chan *fleet.ExternalServer, 64)}
}

func (b *fakeBus) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connectErr) > 0 {
		err := b.connectErr[0]
		b.connectErr = b.connectErr[1:]
		return err
	}
	return nil
}

func (b *fakeBus) Publish(msg *fleet.ExternalServer) error {
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()
	b.publishCh <- msg
	return nil
}

func (b *fakeBus) Disconnect() {}

func (b *fakeBus) failNextConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = append(b.connectErr, err)
}

func (b *fakeBus) sendConnect(session string, devices ...fleet.Device) {
	b.queue.Enqueue(event.Event{Kind: event.KindConnect, Connect: &fleet.Connect{
		SessionID: session,
		Company:   "acme",
		Devices:   devices,
	}})
}

func (b *fakeBus) sendStatus(session string, state fleet.DeviceState, counter uint32, device fleet.Device, data []byte) {
	b.queue.Enqueue(event.Event{Kind: event.KindStatus, Status: &fleet.Status{
		SessionID:      session,
		DeviceState:    state,
		MessageCounter: counter,
		DeviceStatus:   fleet.DeviceStatus{Device: device, StatusData: data},
	}})
}

func (b *fakeBus) sendErrorStatus(session string, counter uint32, device fleet.Device, errMsg []byte) {
	b.queue.Enqueue(event.Event{Kind: event.KindStatus, Status: &fleet.Status{
		SessionID:      session,
		DeviceState:    fleet.DeviceStateError,
		MessageCounter: counter,
		DeviceStatus:   fleet.DeviceStatus{Device: device},
		ErrorMessage:   errMsg,
	}})
}

func (b *fakeBus) sendCommandResponse(session string, t fleet.CommandResponseType, counter uint32) {
	b.queue.Enqueue(event.Event{Kind: event.KindCommandResponse, CommandResponse: &fleet.CommandResponse{
		SessionID:      session,
		Type:           t,
		MessageCounter: counter,
	}})
}

// waitPublished returns the next outbound frame matching pred.
func (b *fakeBus) waitPublished(t *testing.T, what string, pred func(*fleet.ExternalServer) bool) *fleet.ExternalServer {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-b.publishCh:
			if pred(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("expected frame not published: %s", what)
			return nil
		}
	}
}

func (b *fakeBus) countPublished(pred func(*fleet.ExternalServer) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msg := range b.published {
		if pred(msg) {
			n++
		}
	}
	return n
}

func isDisconnect(msg *fleet.ExternalServer) bool { return msg.Disconnect != nil }

func isCommand(counter uint32) func(*fleet.ExternalServer) bool {
	return func(msg *fleet.ExternalServer) bool {
		return msg.Command != nil && msg.Command.MessageCounter == counter
	}
}

func isStatusResponse(counter uint32) func(*fleet.ExternalServer) bool {
	return func(msg *fleet.ExternalServer) bool {
		return msg.StatusResponse != nil && msg.StatusResponse.MessageCounter == counter
	}
}

type testHarness struct {
	srv  *CarServer
	bus  *fakeBus
	mock *module.Mock
	done chan error
}

func testConfig() *config.CarConfig {
	return &config.CarConfig{
		CompanyName:                         "acme",
		CarName:                             "v1",
		Timeout:                             2,
		SendInvalidCommand:                  false,
		SleepDurationAfterConnectionRefused: 0.01,
		Modules: map[uint32]config.Module{
			2: {LibPath: "/opt/modules/button.so"},
		},
	}
}

func newHarness(t *testing.T, cfg *config.CarConfig) *testHarness {
	t.Helper()
	queue := event.New(0)
	bus := newFakeBus(queue)
	mock := module.NewMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(cfg, Options{
		Bus:          bus,
		Queue:        queue,
		NewProvider:  func(uint32, config.Module) module.API { return mock },
		Logger:       logger,
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return &testHarness{srv: srv, bus: bus, mock: mock, done: make(chan error, 1)}
}

func (h *testHarness) start() {
	go func() { h.done <- h.srv.Run() }()
}

func (h *testHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("car server did not finish")
		return nil
	}
}

// establish drives the connect sequence for one device and leaves the
// session in Running. The device's first status carries counter 0. The
// handshake is resent until answered, the way a real gateway retries,
// so it also works across the server's own retry attempts.
func (h *testHarness) establish(t *testing.T, devices ...fleet.Device) {
	t.Helper()
	if len(devices) == 0 {
		devices = []fleet.Device{buttonA}
	}
	deadline := time.Now().Add(5 * time.Second)
	accepted := false
	for !accepted {
		if time.Now().After(deadline) {
			t.Fatal("handshake was not accepted")
		}
		h.bus.sendConnect(testSession, devices...)
		select {
		case msg := <-h.bus.publishCh:
			if msg.ConnectResponse != nil && msg.ConnectResponse.Type == fleet.ConnectResponseOK {
				accepted = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	for _, d := range devices {
		h.bus.sendStatus(testSession, fleet.DeviceStateConnecting, 0, d, []byte("init"))
	}
	for range devices {
		h.bus.waitPublished(t, "StatusResponse", isStatusResponse(0))
	}
	require.Eventually(t, func() bool { return h.srv.State() == StateRunning },
		5*time.Second, 5*time.Millisecond)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.bus.sendConnect(testSession, buttonA)
	resp := h.bus.waitPublished(t, "ConnectResponse", func(m *fleet.ExternalServer) bool {
		return m.ConnectResponse != nil
	})
	assert.Equal(t, fleet.ConnectResponseOK, resp.ConnectResponse.Type)
	assert.Equal(t, testSession, resp.ConnectResponse.SessionID)

	// First status for the device, counter 0.
	h.bus.sendStatus(testSession, fleet.DeviceStateConnecting, 0, buttonA, []byte("pressed=0"))
	sr := h.bus.waitPublished(t, "StatusResponse", isStatusResponse(0))
	assert.Equal(t, fleet.StatusResponseOK, sr.StatusResponse.Type)

	// The module saw the device and identical status bytes.
	require.Eventually(t, func() bool { return len(h.mock.Statuses()) == 1 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("pressed=0"), h.mock.Statuses()[0].Data)
	assert.Equal(t, buttonA, h.mock.Connected()[0])

	// Module produces a command; the server publishes it with counter 1.
	h.mock.PushCommand(buttonA, []byte{0x0A, 0x02, 'P', 'R', 'E', 'S', 'S'})
	cmd := h.bus.waitPublished(t, "Command", isCommand(1))
	assert.Equal(t, []byte{0x0A, 0x02, 'P', 'R', 'E', 'S', 'S'}, cmd.Command.DeviceCommand.CommandData)
	assert.Equal(t, buttonA, cmd.Command.DeviceCommand.Device)
	assert.Equal(t, testSession, cmd.Command.SessionID)

	// Gateway acknowledges; the module gets the ack.
	h.bus.sendCommandResponse(testSession, fleet.CommandResponseOK, 1)
	require.Eventually(t, func() bool { return len(h.mock.Acks()) == 1 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, buttonA, h.mock.Acks()[0].Device)

	// Graceful stop publishes exactly one Disconnect.
	h.srv.Stop()
	assert.NoError(t, h.wait(t))
	assert.Equal(t, StateStopped, h.srv.State())
	assert.Equal(t, 1, h.bus.countPublished(isDisconnect))
	assert.True(t, h.mock.Destroyed())

	// Repeated stop is a no-op.
	h.srv.Stop()
	assert.Equal(t, 1, h.bus.countPublished(isDisconnect))
}

func TestOutOfOrderAckRaisesError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	h.mock.PushCommand(buttonA, []byte("one"))
	h.bus.waitPublished(t, "Command 1", isCommand(1))
	h.mock.PushCommand(buttonA, []byte("two"))
	h.bus.waitPublished(t, "Command 2", isCommand(2))

	// Acknowledge the second command first.
	h.bus.sendCommandResponse(testSession, fleet.CommandResponseOK, 2)

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateError, h.srv.State())
	assert.Equal(t, 1, h.bus.countPublished(isDisconnect))
}

func TestStatusTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 1
	h := newHarness(t, cfg)
	h.start()
	h.establish(t)

	// Go silent; the 1 second status timeout must fire within a tick.
	start := time.Now()
	err := h.wait(t)
	assert.ErrorIs(t, err, ErrStatusTimeout)
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestUnknownModuleStatus(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	unknown := fleet.Device{Module: 99, DeviceType: 1, DeviceRole: "x", DeviceName: "y"}
	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 5, unknown, []byte("data"))

	resp := h.bus.waitPublished(t, "StatusResponse UNKNOWN_MODULE", isStatusResponse(5))
	assert.Equal(t, fleet.StatusResponseUnknownModule, resp.StatusResponse.Type)
	assert.Len(t, h.mock.Statuses(), 1, "only the init status reached the module")

	// The session keeps running.
	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 1, buttonA, []byte("ok"))
	ok := h.bus.waitPublished(t, "StatusResponse OK", isStatusResponse(1))
	assert.Equal(t, fleet.StatusResponseOK, ok.StatusResponse.Type)

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}

func TestCommandForDisconnectedDeviceIsDiscarded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	// The device announces its disconnect.
	h.bus.sendStatus(testSession, fleet.DeviceStateDisconnect, 1, buttonA, []byte("bye"))
	h.bus.waitPublished(t, "StatusResponse", isStatusResponse(1))
	require.Eventually(t, func() bool { return len(h.mock.Disconnected()) == 1 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, module.DisconnectAnnounced, h.mock.Disconnected()[0].Reason)

	// A late command for the disconnected device is silently dropped.
	time.Sleep(100 * time.Millisecond)
	h.mock.PushCommand(buttonA, []byte("late"))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.bus.countPublished(func(m *fleet.ExternalServer) bool {
		return m.Command != nil
	}))

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}

func TestSessionCounterWrap(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	// Rewind the counter to just before the wrap. The controller is
	// parked on its queue; nothing else touches the counter.
	time.Sleep(50 * time.Millisecond)
	h.srv.counter = math.MaxUint32

	h.mock.PushCommand(buttonA, []byte("one"))
	h.bus.waitPublished(t, "Command MaxUint32", isCommand(math.MaxUint32))
	h.mock.PushCommand(buttonA, []byte("two"))
	h.bus.waitPublished(t, "Command 0", isCommand(0))

	h.bus.sendCommandResponse(testSession, fleet.CommandResponseOK, math.MaxUint32)
	h.bus.sendCommandResponse(testSession, fleet.CommandResponseOK, 0)
	require.Eventually(t, func() bool { return len(h.mock.Acks()) == 2 },
		5*time.Second, 5*time.Millisecond)

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}

func TestStaleStatusCounterDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 3, buttonA, []byte("a"))
	h.bus.waitPublished(t, "StatusResponse 3", isStatusResponse(3))

	// Stale counter: dropped, no response.
	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 3, buttonA, []byte("b"))
	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 2, buttonA, []byte("c"))

	// A fresh one still goes through.
	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 4, buttonA, []byte("d"))
	h.bus.waitPublished(t, "StatusResponse 4", isStatusResponse(4))

	assert.Equal(t, 1, h.bus.countPublished(isStatusResponse(3)))
	assert.Equal(t, 0, h.bus.countPublished(isStatusResponse(2)))

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}

func TestErrorStatusForwardsErrorMessage(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	h.bus.sendErrorStatus(testSession, 1, buttonA, []byte("overheated"))
	h.bus.waitPublished(t, "StatusResponse", isStatusResponse(1))

	require.Eventually(t, func() bool { return len(h.mock.ErrorMessages()) == 1 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("overheated"), h.mock.ErrorMessages()[0].Data)

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}

func TestForeignSessionIDIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	h.bus.sendStatus("other", fleet.DeviceStateRunning, 1, buttonA, []byte("x"))
	h.bus.sendCommandResponse("other", fleet.CommandResponseOK, 1)

	// Still running and responsive.
	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 1, buttonA, []byte("ok"))
	h.bus.waitPublished(t, "StatusResponse", isStatusResponse(1))
	assert.Equal(t, StateRunning, h.srv.State())

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}

func TestDuplicateConnectRaisesError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	h.bus.sendConnect(testSession, buttonA)
	resp := h.bus.waitPublished(t, "ConnectResponse ALREADY_LOGGED", func(m *fleet.ExternalServer) bool {
		return m.ConnectResponse != nil && m.ConnectResponse.Type == fleet.ConnectResponseAlreadyLogged
	})
	assert.NotNil(t, resp)

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestTransportDownRaisesError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.establish(t)

	h.bus.queue.Enqueue(event.Event{Kind: event.KindTransportDown, TransportErr: errors.New("broker gone")})

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrTransportDown)
	assert.Equal(t, StateError, h.srv.State())
}

func TestBrokerRefusedIsRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.bus.failNextConnect(errors.New("connection refused"))
	h.start()

	// Second attempt succeeds and the session comes up normally.
	h.establish(t)

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}

func TestDeviceTableConsistency(t *testing.T) {
	h := newHarness(t, testConfig())
	buttonB := buttonA
	buttonB.DeviceName = "B"
	h.start()
	h.establish(t, buttonA, buttonB)

	assert.Eventually(t, func() bool { return len(h.mock.Connected()) == 2 },
		5*time.Second, 5*time.Millisecond)

	h.bus.sendStatus(testSession, fleet.DeviceStateDisconnect, 1, buttonB, nil)
	h.bus.waitPublished(t, "StatusResponse", isStatusResponse(1))
	require.Eventually(t, func() bool { return len(h.mock.Disconnected()) == 1 },
		5*time.Second, 5*time.Millisecond)

	// Connected set equals connects minus disconnects.
	h.srv.Stop()
	assert.NoError(t, h.wait(t))
	// The remaining device is reported gone at teardown with the
	// timeout reason.
	disconnects := h.mock.Disconnected()
	assert.Len(t, disconnects, 2)
	assert.Equal(t, module.DisconnectTimeout, disconnects[1].Reason)
	assert.Equal(t, buttonA, disconnects[1].Device)
}

func TestModuleInitFailureIsFatal(t *testing.T) {
	queue := event.New(0)
	mock := module.NewMock()
	mock.FailInit(errors.New("bad library"))
	_, err := New(testConfig(), Options{
		Bus:         newFakeBus(queue),
		Queue:       queue,
		NewProvider: func(uint32, config.Module) module.API { return mock },
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.Error(t, err)
}

func TestInitBurstRequiresConnectingState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.bus.sendConnect(testSession, buttonA)
	h.bus.waitPublished(t, "ConnectResponse", func(m *fleet.ExternalServer) bool {
		return m.ConnectResponse != nil
	})

	// First status must carry CONNECTING; RUNNING fails the sequence,
	// which is retried after the configured sleep.
	h.bus.sendStatus(testSession, fleet.DeviceStateRunning, 0, buttonA, []byte("x"))

	// The retried handshake gets answered again.
	deadline := time.Now().Add(5 * time.Second)
	answered := false
	for !answered {
		if time.Now().After(deadline) {
			t.Fatal("no connect response after retry")
		}
		h.bus.sendConnect(testSession, buttonA)
		select {
		case msg := <-h.bus.publishCh:
			if msg.ConnectResponse != nil {
				answered = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}

	h.srv.Stop()
	assert.NoError(t, h.wait(t))
}
