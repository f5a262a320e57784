package server

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bringauto/external-server/pkg/config"
	"github.com/bringauto/external-server/pkg/event"
	"github.com/bringauto/external-server/pkg/fleet"
	"github.com/bringauto/external-server/pkg/module"
)

// MockBus is a testify/mock double for the Bus interface. The scenario
// tests drive sessions through the scripted fakeBus; MockBus is for
// tests that assert on the exact calls the controller makes against
// the transport.
type MockBus struct {
	mock.Mock
}

// Connect implements Bus.
func (m *MockBus) Connect() error {
	return m.Called().Error(0)
}

// Publish implements Bus.
func (m *MockBus) Publish(msg *fleet.ExternalServer) error {
	return m.Called(msg).Error(0)
}

// Disconnect implements Bus.
func (m *MockBus) Disconnect() {
	m.Called()
}

// Compile-time interface satisfaction check.
var _ Bus = (*MockBus)(nil)

func publishes(pred func(*fleet.ExternalServer) bool) any {
	return mock.MatchedBy(pred)
}

func newMockBusServer(t *testing.T, bus Bus, queue *event.Queue) *CarServer {
	t.Helper()
	srv, err := New(testConfig(), Options{
		Bus:          bus,
		Queue:        queue,
		NewProvider:  func(uint32, config.Module) module.API { return module.NewMock() },
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return srv
}

func TestRefusedBrokerNeverPublishes(t *testing.T) {
	bus := &MockBus{}
	bus.On("Connect").Return(errors.New("connection refused"))
	bus.On("Disconnect").Return()

	queue := event.New(0)
	srv := newMockBusServer(t, bus, queue)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	// Let a few refused attempts happen, then stop.
	time.Sleep(100 * time.Millisecond)
	srv.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err, "a refused broker is retried, not fatal")
	case <-time.After(10 * time.Second):
		t.Fatal("car server did not finish")
	}

	bus.AssertCalled(t, "Connect")
	bus.AssertCalled(t, "Disconnect")
	bus.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestPublishFailureInRunningIsTransportDown(t *testing.T) {
	bus := &MockBus{}
	bus.On("Connect").Return(nil)
	bus.On("Disconnect").Return()

	// Handshake and init burst publishes succeed.
	bus.On("Publish", publishes(func(m *fleet.ExternalServer) bool {
		return m.ConnectResponse != nil
	})).Return(nil).Once()
	bus.On("Publish", publishes(func(m *fleet.ExternalServer) bool {
		return m.StatusResponse != nil
	})).Return(nil).Once()

	// The next status response hits a dead broker; the best-effort
	// Disconnect frame is then allowed to fail too.
	bus.On("Publish", publishes(func(m *fleet.ExternalServer) bool {
		return m.StatusResponse != nil
	})).Return(errors.New("broker write failed")).Once()
	bus.On("Publish", publishes(func(m *fleet.ExternalServer) bool {
		return m.Disconnect != nil
	})).Return(errors.New("broker write failed")).Once()

	queue := event.New(0)
	srv := newMockBusServer(t, bus, queue)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	queue.Enqueue(event.Event{Kind: event.KindConnect, Connect: &fleet.Connect{
		SessionID: testSession,
		Company:   "acme",
		Devices:   []fleet.Device{buttonA},
	}})
	queue.Enqueue(event.Event{Kind: event.KindStatus, Status: &fleet.Status{
		SessionID:      testSession,
		DeviceState:    fleet.DeviceStateConnecting,
		MessageCounter: 0,
		DeviceStatus:   fleet.DeviceStatus{Device: buttonA, StatusData: []byte("init")},
	}})
	require.Eventually(t, func() bool { return srv.State() == StateRunning },
		5*time.Second, 5*time.Millisecond)

	queue.Enqueue(event.Event{Kind: event.KindStatus, Status: &fleet.Status{
		SessionID:      testSession,
		DeviceState:    fleet.DeviceStateRunning,
		MessageCounter: 1,
		DeviceStatus:   fleet.DeviceStatus{Device: buttonA, StatusData: []byte("x")},
	}})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransportDown)
	case <-time.After(10 * time.Second):
		t.Fatal("car server did not finish")
	}
	assert.Equal(t, StateError, srv.State())
	bus.AssertExpectations(t)
}
