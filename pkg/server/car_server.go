package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bringauto/external-server/pkg/config"
	"github.com/bringauto/external-server/pkg/event"
	"github.com/bringauto/external-server/pkg/fleet"
	"github.com/bringauto/external-server/pkg/log"
	"github.com/bringauto/external-server/pkg/module"
)

// Bus is the transport surface of a session. mqtt.Adapter implements
// it; the engine tests use an in-memory fake. The adapter feeds
// inbound frames into the session's event queue on its own.
type Bus interface {
	// Connect dials the broker and subscribes to the car's inbound
	// topic.
	Connect() error

	// Publish sends one frame and returns after the broker
	// acknowledges.
	Publish(msg *fleet.ExternalServer) error

	// Disconnect tears the connection down without raising a
	// TransportDown event.
	Disconnect()
}

// DefaultTickInterval drives the timeout checks. The protocol requires
// a timer granularity of 250 ms or finer.
const DefaultTickInterval = 200 * time.Millisecond

// errStopped flows through the connection phases when a stop request
// interrupts them. Never returned to callers.
var errStopped = errors.New("stop requested")

// Options configures a CarServer beyond its CarConfig.
type Options struct {
	// Bus is required. It must produce its events on Queue.
	Bus Bus

	// Queue is the session's event queue; a default-capacity queue is
	// created when nil. The Bus must share it.
	Queue *event.Queue

	// NewProvider builds the API provider for one module. Defaults to
	// the dynamic library loader.
	NewProvider func(id uint32, cfg config.Module) module.API

	// Logger is the operational logger. Defaults to slog.Default.
	Logger *slog.Logger

	// ProtocolLogger records protocol events. Defaults to discard.
	ProtocolLogger log.Logger

	// TickInterval overrides DefaultTickInterval; used by tests.
	TickInterval time.Duration
}

// CarServer drives one car's session to completion.
//
// Run is the single consumer of the event queue and the only goroutine
// touching the device table, the pipelines, the session counter and
// the connection state. Stop is safe from any goroutine.
type CarServer struct {
	cfg      *config.CarConfig
	bus      Bus
	queue    *event.Queue
	modules  map[uint32]*module.Runtime
	table    *DeviceTable
	statuses *statusPipeline
	commands *commandPipeline

	logger   *slog.Logger
	protocol *log.SessionLogger

	timeout      time.Duration
	tickInterval time.Duration

	state atomic.Uint32

	// Session state below is owned by the Run goroutine.
	sessionID      string
	counter        uint32
	unsupported    map[deviceKey]fleet.Device
	disconnectSent bool

	// connCounts gives the module command threads a lock-free view of
	// per-module device connectivity.
	connCounts map[uint32]*atomic.Int32

	stopRequested atomic.Bool
	stopCh        chan struct{}
	overflow      atomic.Bool

	tickStop chan struct{}
	tickWG   sync.WaitGroup
}

// New creates the session for one car and initialises its modules. A
// module init failure is fatal; already initialised modules are torn
// down before returning the error.
func New(cfg *config.CarConfig, opts Options) (*CarServer, error) {
	if opts.Bus == nil {
		return nil, errors.New("a Bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("company", cfg.CompanyName, "car", cfg.CarName)

	newProvider := opts.NewProvider
	if newProvider == nil {
		newProvider = func(_ uint32, mc config.Module) module.API {
			return module.NewDynamicLibrary(mc.LibPath)
		}
	}
	queue := opts.Queue
	if queue == nil {
		queue = event.New(0)
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	s := &CarServer{
		cfg:          cfg,
		bus:          opts.Bus,
		queue:        queue,
		modules:      make(map[uint32]*module.Runtime, len(cfg.Modules)),
		table:        NewDeviceTable(),
		statuses:     newStatusPipeline(time.Duration(cfg.Timeout)*time.Second, cfg.PerDeviceStatusTimeout),
		commands:     newCommandPipeline(time.Duration(cfg.Timeout) * time.Second),
		logger:       logger,
		protocol:     log.NewSessionLogger(opts.ProtocolLogger, cfg.CompanyName, cfg.CarName),
		timeout:      time.Duration(cfg.Timeout) * time.Second,
		tickInterval: tick,
		unsupported:  make(map[deviceKey]fleet.Device),
		connCounts:   make(map[uint32]*atomic.Int32, len(cfg.Modules)),
		stopCh:       make(chan struct{}),
	}

	for id, mc := range cfg.Modules {
		count := &atomic.Int32{}
		s.connCounts[id] = count
		rt := module.NewRuntime(id, newProvider(id, mc), queue,
			func() bool { return count.Load() > 0 }, logger)
		if err := rt.Init(mc.Config); err != nil {
			for _, other := range s.modules {
				other.Close()
			}
			return nil, err
		}
		s.modules[id] = rt
	}
	return s, nil
}

// State returns the current connection state.
func (s *CarServer) State() State {
	return State(s.state.Load())
}

// Run drives the session until Stop is called or an unrecoverable
// error occurs. Connect-phase failures are retried after the
// configured sleep; errors raised while Running end the session with a
// non-nil error.
func (s *CarServer) Run() error {
	s.logger.Info("starting car server", "modules", len(s.modules))
	for _, rt := range s.modules {
		rt.Start()
	}
	defer s.closeModules()
	defer s.queue.Close()

	var runErr error
	for !s.stopRequested.Load() {
		err := s.runOnce()
		if err == nil {
			break
		}
		if !retryable(err) {
			runErr = err
			break
		}
		s.logger.Warn("connect attempt failed, will retry", "error", err)
		if !s.sleepBeforeRetry() {
			break
		}
	}
	if s.State() != StateError {
		s.setState(StateStopped, "run finished")
	}
	s.logger.Info("car server finished", "error", runErr)
	return runErr
}

// Stop requests graceful termination. Safe to call from any goroutine
// and idempotent: only the first call enqueues the stop event, so a
// repeated stop never publishes another Disconnect frame.
func (s *CarServer) Stop() {
	if !s.stopRequested.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	if err := s.queue.Enqueue(event.Event{Kind: event.KindStop}); err != nil {
		s.logger.Debug("stop event not enqueued", "error", err)
	}
}

// runOnce performs one connect sequence and, when it succeeds, the
// normal communication loop. It returns nil on graceful stop.
func (s *CarServer) runOnce() error {
	s.setState(StateUninitialized, "new connection attempt")
	defer s.clearContext()

	s.setState(StateConnecting, "connecting to broker")
	if err := s.bus.Connect(); err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrBrokerConnection, err))
	}
	s.startTicker()

	if err := s.handshake(); err != nil {
		return s.fail(err)
	}
	if err := s.initBurst(); err != nil {
		return s.fail(err)
	}

	s.setState(StateRunning, "connect sequence finished")
	s.statuses.Start(time.Now())
	return s.loop()
}

// fail converts a phase error into the session outcome. Every outcome
// publishes the best-effort Disconnect; a stop request then becomes a
// clean shutdown, everything else enters Error.
func (s *CarServer) fail(err error) error {
	if errors.Is(err, errStopped) {
		s.publishDisconnect()
		s.setState(StateStopped, "stop requested")
		return nil
	}
	s.publishDisconnect()
	s.setState(StateError, err.Error())
	s.logger.Error("session error",
		"error", err, "counter", s.counter, "session_id", s.sessionID)
	s.protocol.Log(log.Event{
		Category: log.CategoryError,
		Error:    &log.ErrorEventData{Message: err.Error(), Counter: s.counter},
	})
	return err
}

// handshake waits for the gateway's Connect frame, connects its
// devices and answers ConnectResponse(OK).
func (s *CarServer) handshake() error {
	deadline := time.Now().Add(s.timeout)
	for {
		if s.stopRequested.Load() {
			return errStopped
		}
		ev, err := s.queue.Dequeue()
		if err != nil {
			return errStopped
		}
		switch ev.Kind {
		case event.KindConnect:
			return s.acceptConnect(ev.Connect)
		case event.KindTick:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: connect message has not been received", ErrConnectSequence)
			}
		case event.KindTransportDown:
			return fmt.Errorf("%w: %v", ErrBrokerConnection, ev.TransportErr)
		case event.KindStop:
			return errStopped
		default:
			s.logger.Debug("ignoring event before handshake", "kind", ev.Kind.String())
		}
	}
}

func (s *CarServer) acceptConnect(c *fleet.Connect) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectSequence, err)
	}
	s.sessionID = c.SessionID
	s.protocol.SetSessionID(c.SessionID)
	s.logFrameIn("Connect", 0, "")

	for _, d := range c.Devices {
		rt, ok := s.modules[d.Module]
		if !ok {
			s.logger.Warn("connect lists device of unknown module", "device", d.String())
			s.unsupported[keyOf(d)] = d
			continue
		}
		if code := rt.API().DeviceConnected(d); code != module.CodeOK {
			s.logger.Error("device refused by module", "device", d.String(), "code", code)
			continue
		}
		s.insertDevice(d)
	}

	if err := s.publish(fleet.NewConnectResponse(s.sessionID, fleet.ConnectResponseOK)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectSequence, err)
	}
	s.setState(StateInitialized, "connect accepted")
	return nil
}

// initBurst reads one first status per device announced in the connect
// frame, acknowledging and forwarding each, before normal operation
// begins.
func (s *CarServer) initBurst() error {
	pending := make(map[deviceKey]bool, s.table.Len()+len(s.unsupported))
	for _, d := range s.table.List() {
		pending[keyOf(d)] = true
	}
	for key := range s.unsupported {
		pending[key] = true
	}

	deadline := time.Now().Add(s.timeout)
	for len(pending) > 0 {
		if s.stopRequested.Load() {
			return errStopped
		}
		ev, err := s.queue.Dequeue()
		if err != nil {
			return errStopped
		}
		switch ev.Kind {
		case event.KindStatus:
			if done, err := s.firstStatus(ev.Status, pending); err != nil {
				return err
			} else if done {
				delete(pending, keyOf(ev.Status.DeviceStatus.Device))
			}
		case event.KindTick:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: %d first statuses not received",
					ErrConnectSequence, len(pending))
			}
		case event.KindTransportDown:
			return fmt.Errorf("%w: %v", ErrBrokerConnection, ev.TransportErr)
		case event.KindStop:
			return errStopped
		case event.KindCommandFromModule:
			s.logger.Debug("discarding module command during init sequence",
				"module", ev.Command.ModuleID)
		default:
			s.logger.Debug("ignoring event during init sequence", "kind", ev.Kind.String())
		}
	}
	return nil
}

// firstStatus handles one status of the init burst. done reports
// whether it satisfied an awaited device.
func (s *CarServer) firstStatus(st *fleet.Status, pending map[deviceKey]bool) (bool, error) {
	if st.SessionID != s.sessionID {
		s.logger.Info("ignoring status with different session id", "session_id", st.SessionID)
		return false, nil
	}
	d := st.DeviceStatus.Device
	s.logFrameIn("Status", st.MessageCounter, d.String())
	if !pending[keyOf(d)] {
		s.logger.Info("first status from unexpected device", "device", d.String())
		return false, nil
	}
	if st.DeviceState != fleet.DeviceStateConnecting {
		return false, fmt.Errorf(
			"%w: first status from %s must carry the CONNECTING state, got %s",
			ErrConnectSequence, d.String(), st.DeviceState.String())
	}

	rt, known := s.modules[d.Module]
	if !known {
		// Acknowledged so the gateway moves on, never forwarded.
		if err := s.publish(fleet.NewStatusResponse(s.sessionID, fleet.StatusResponseUnknownModule, st.MessageCounter)); err != nil {
			return false, fmt.Errorf("%w: %v", ErrConnectSequence, err)
		}
		return true, nil
	}

	if code := rt.API().ForwardStatus(d, st.DeviceStatus.StatusData); code != module.CodeOK {
		s.logger.Error("forward_status failed", "device", d.String(), "code", code)
	}
	s.counter++
	s.statuses.Observe(d, st.MessageCounter, time.Now())
	if err := s.publish(fleet.NewStatusResponse(s.sessionID, fleet.StatusResponseOK, st.MessageCounter)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnectSequence, err)
	}
	return true, nil
}

// loop is the Running-state event loop.
func (s *CarServer) loop() error {
	for {
		if s.stopRequested.Load() {
			return s.fail(errStopped)
		}
		if s.overflow.Load() {
			return s.fail(ErrQueueOverflow)
		}
		ev, err := s.queue.Dequeue()
		if err != nil {
			return s.fail(errStopped)
		}
		switch ev.Kind {
		case event.KindStatus:
			if err := s.handleStatus(ev.Status); err != nil {
				return s.fail(err)
			}
		case event.KindCommandResponse:
			if err := s.handleCommandResponse(ev.CommandResponse); err != nil {
				return s.fail(err)
			}
		case event.KindConnect:
			if err := s.handleRunningConnect(ev.Connect); err != nil {
				return s.fail(err)
			}
		case event.KindCommandFromModule:
			if err := s.handleModuleCommand(ev.Command); err != nil {
				return s.fail(err)
			}
		case event.KindTick:
			now := time.Now()
			if s.statuses.Expired(now) {
				return s.fail(ErrStatusTimeout)
			}
			if s.commands.Expired(now) {
				return s.fail(ErrCommandResponseTimeout)
			}
		case event.KindTransportDown:
			return s.fail(fmt.Errorf("%w: %v", ErrTransportDown, ev.TransportErr))
		case event.KindStop:
			return s.fail(errStopped)
		default:
			s.logger.Warn("unknown event kind", "kind", ev.Kind.String())
		}
	}
}

// handleStatus implements the status pipeline's emit path.
func (s *CarServer) handleStatus(st *fleet.Status) error {
	if st.SessionID != s.sessionID {
		s.logger.Info("ignoring status with different session id", "session_id", st.SessionID)
		return nil
	}
	d := st.DeviceStatus.Device
	s.logFrameIn("Status", st.MessageCounter, d.String())

	rt, known := s.modules[d.Module]
	if !known {
		s.logger.Warn("status from unknown module", "module", d.Module, "counter", st.MessageCounter)
		return s.publish(fleet.NewStatusResponse(s.sessionID, fleet.StatusResponseUnknownModule, st.MessageCounter))
	}

	if !s.statuses.Fresh(d, st.MessageCounter) {
		s.logger.Warn("dropping status with stale counter",
			"device", d.String(), "counter", st.MessageCounter)
		return nil
	}

	connected := s.table.Contains(d)
	switch st.DeviceState {
	case fleet.DeviceStateConnecting, fleet.DeviceStateRunning, fleet.DeviceStateError:
		if !connected {
			if code := rt.API().DeviceConnected(d); code != module.CodeOK {
				s.logger.Error("device refused by module", "device", d.String(), "code", code)
				return nil
			}
			s.insertDevice(d)
		}
	case fleet.DeviceStateDisconnect:
		if !connected {
			s.logger.Info("disconnect status from a device that is not connected",
				"device", d.String())
			return nil
		}
	}

	var code int
	if st.DeviceState == fleet.DeviceStateError {
		code = rt.API().ForwardErrorMessage(d, st.ErrorMessage)
	} else {
		code = rt.API().ForwardStatus(d, st.DeviceStatus.StatusData)
	}
	if code != module.CodeOK {
		// A misbehaving handler must not take the car down.
		s.logger.Error("status forward failed", "device", d.String(), "code", code)
	}
	s.counter++
	s.statuses.Observe(d, st.MessageCounter, time.Now())

	if err := s.publish(fleet.NewStatusResponse(s.sessionID, fleet.StatusResponseOK, st.MessageCounter)); err != nil {
		return err
	}
	if st.DeviceState == fleet.DeviceStateDisconnect {
		s.disconnectDevice(module.DisconnectAnnounced, d)
	}
	return nil
}

// handleCommandResponse implements the command pipeline's
// acknowledgement path.
func (s *CarServer) handleCommandResponse(resp *fleet.CommandResponse) error {
	if resp.SessionID != s.sessionID {
		s.logger.Info("ignoring command response with different session id",
			"session_id", resp.SessionID)
		return nil
	}
	s.logFrameIn("CommandResponse", resp.MessageCounter, "")

	if s.commands.Pending() == 0 {
		s.logger.Info("ignoring command response with no command awaiting one",
			"counter", resp.MessageCounter)
		return nil
	}
	moduleID, cmd, ok := s.commands.Pop(resp.MessageCounter)
	if !ok {
		return fmt.Errorf("%w: out-of-order command response (counter=%d)",
			ErrProtocolViolation, resp.MessageCounter)
	}
	s.logger.Info("command acknowledged", "counter", cmd.counter, "device", cmd.device.String())

	if rt, found := s.modules[moduleID]; found {
		if code := rt.API().CommandAck(cmd.data, cmd.device); code != module.CodeOK {
			s.logger.Error("command_ack failed", "module", moduleID, "code", code)
		}
	}
	if resp.Type == fleet.CommandResponseDeviceNotConnected {
		s.disconnectDevice(module.DisconnectAnnounced, cmd.device)
	}
	return nil
}

// handleModuleCommand implements the command pipeline's emit path.
func (s *CarServer) handleModuleCommand(cmd *event.ModuleCommand) error {
	if !s.table.Contains(cmd.Device) {
		s.logger.Warn("discarding command for a device that is not connected",
			"device", cmd.Device.String(), "module", cmd.ModuleID)
		return nil
	}
	if cmd.Device.Module != cmd.ModuleID {
		s.logger.Warn("module id mismatch on command",
			"module", cmd.ModuleID, "device", cmd.Device.String())
		if !s.cfg.SendInvalidCommand {
			s.logger.Warn("command with module id mismatch will not be sent",
				"device", cmd.Device.String())
			return nil
		}
	}

	counter := s.counter
	s.counter++
	s.commands.Push(cmd.ModuleID, pendingCommand{
		counter:  counter,
		device:   cmd.Device,
		data:     cmd.Data,
		issuedAt: time.Now(),
	})
	return s.publish(fleet.NewCommand(s.sessionID, counter, cmd.Device, cmd.Data))
}

// handleRunningConnect handles a Connect frame after the handshake. A
// repeated handshake for the current session is answered and treated
// as a protocol violation; a foreign session id is not ours to answer.
func (s *CarServer) handleRunningConnect(c *fleet.Connect) error {
	if c.SessionID != s.sessionID {
		s.logger.Info("ignoring connect message with foreign session id",
			"session_id", c.SessionID)
		return nil
	}
	if err := s.publish(fleet.NewConnectResponse(s.sessionID, fleet.ConnectResponseAlreadyLogged)); err != nil {
		return err
	}
	return fmt.Errorf("%w: repeated connect for the current session", ErrProtocolViolation)
}

// publish sends one frame through the bus. A failed publish while the
// session runs means the transport is gone.
func (s *CarServer) publish(msg *fleet.ExternalServer) error {
	if err := s.bus.Publish(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportDown, err)
	}
	s.logFrameOut(msg)
	return nil
}

func (s *CarServer) insertDevice(d fleet.Device) {
	if s.table.Insert(d) {
		s.connCounts[d.Module].Add(1)
		s.logger.Info("device connected", "device", d.String())
	}
}

func (s *CarServer) disconnectDevice(reason module.DisconnectReason, d fleet.Device) {
	if !s.table.Remove(d) {
		s.logger.Warn("device is already disconnected", "device", d.String())
		return
	}
	s.connCounts[d.Module].Add(-1)
	s.statuses.Forget(d)
	if rt, ok := s.modules[d.Module]; ok {
		if code := rt.API().DeviceDisconnected(reason, d); code != module.CodeOK {
			s.logger.Error("device_disconnected failed", "device", d.String(), "code", code)
		}
	}
	s.logger.Info("device disconnected", "device", d.String(), "reason", reason.String())
	if s.table.Len() == 0 {
		s.logger.Warn("all devices have been disconnected")
	}
}

// publishDisconnect publishes the best-effort Disconnect frame, at
// most once per session.
func (s *CarServer) publishDisconnect() {
	if s.disconnectSent || s.sessionID == "" {
		return
	}
	s.disconnectSent = true
	if err := s.publish(fleet.NewDisconnect(s.sessionID)); err != nil {
		s.logger.Warn("disconnect frame not published", "error", err)
	}
}

// clearContext tears one connection attempt down: modules learn about
// the devices they lose, the pipelines and the queue are reset and the
// transport is closed.
func (s *CarServer) clearContext() {
	s.stopTicker()
	for _, d := range s.table.List() {
		if rt, ok := s.modules[d.Module]; ok {
			if code := rt.API().DeviceDisconnected(module.DisconnectTimeout, d); code != module.CodeOK {
				s.logger.Error("device_disconnected failed", "device", d.String(), "code", code)
			}
		}
	}
	s.table.Clear()
	for _, count := range s.connCounts {
		count.Store(0)
	}
	clear(s.unsupported)
	s.statuses.Reset()
	s.commands.Reset()
	s.bus.Disconnect()
	s.queue.Drain()
	s.sessionID = ""
	s.protocol.SetSessionID("")
	s.disconnectSent = false
}

func (s *CarServer) closeModules() {
	for _, rt := range s.modules {
		rt.Close()
	}
}

// sleepBeforeRetry pauses between connect attempts; false means a stop
// request interrupted the sleep.
func (s *CarServer) sleepBeforeRetry() bool {
	d := time.Duration(s.cfg.SleepDurationAfterConnectionRefused * float64(time.Second))
	if d <= 0 {
		return !s.stopRequested.Load()
	}
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *CarServer) startTicker() {
	s.tickStop = make(chan struct{})
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.tickStop:
				return
			case <-ticker.C:
				err := s.queue.Enqueue(event.Event{Kind: event.KindTick})
				switch {
				case errors.Is(err, event.ErrQueueFull):
					s.overflow.Store(true)
				case errors.Is(err, event.ErrQueueClosed):
					return
				}
			}
		}
	}()
}

func (s *CarServer) stopTicker() {
	if s.tickStop == nil {
		return
	}
	close(s.tickStop)
	s.tickWG.Wait()
	s.tickStop = nil
}

func (s *CarServer) setState(to State, reason string) {
	from := s.State()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.logger.Debug("state transition not allowed",
			"from", from.String(), "to", to.String())
		return
	}
	s.state.Store(uint32(to))
	s.logger.Debug("state changed", "from", from.String(), "to", to.String(), "reason", reason)
	s.protocol.Log(log.Event{
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
}

func (s *CarServer) logFrameIn(frame string, counter uint32, device string) {
	s.protocol.Log(log.Event{
		Direction: log.DirectionIn,
		Category:  log.CategoryFrame,
		Frame:     &log.FrameEvent{Type: frame, Counter: counter, Device: device},
	})
}

func (s *CarServer) logFrameOut(msg *fleet.ExternalServer) {
	frame := &log.FrameEvent{}
	switch {
	case msg.ConnectResponse != nil:
		frame.Type = "ConnectResponse"
	case msg.StatusResponse != nil:
		frame.Type = "StatusResponse"
		frame.Counter = msg.StatusResponse.MessageCounter
	case msg.Command != nil:
		frame.Type = "Command"
		frame.Counter = msg.Command.MessageCounter
		frame.Device = msg.Command.DeviceCommand.Device.String()
	case msg.Disconnect != nil:
		frame.Type = "Disconnect"
	}
	s.protocol.Log(log.Event{
		Direction: log.DirectionOut,
		Category:  log.CategoryFrame,
		Frame:     frame,
	})
}
