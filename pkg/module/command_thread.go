package module

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/bringauto/external-server/pkg/event"
)

// DefaultPollTimeoutMS is the bound on a single WaitForCommand call.
// The thread observes a stop request at this granularity.
const DefaultPollTimeoutMS = 1000

// CommandThread polls one handler library for commands and feeds them
// into the session's event queue as CommandFromModule events.
//
// One thread runs per module. It is the only caller of WaitForCommand
// and GetCommand for its library.
type CommandThread struct {
	moduleID uint32
	api      API
	queue    *event.Queue

	// connected reports whether any device of the module is currently
	// connected. When none is, only the most recent drained command is
	// kept; stale commands for an absent fleet are worthless.
	connected func() bool

	logger        *slog.Logger
	pollTimeoutMS int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewCommandThread creates a thread for the given module. It does not
// start polling until Start.
func NewCommandThread(moduleID uint32, api API, queue *event.Queue, connected func() bool, logger *slog.Logger) *CommandThread {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandThread{
		moduleID:      moduleID,
		api:           api,
		queue:         queue,
		connected:     connected,
		logger:        logger.With("module", moduleID),
		pollTimeoutMS: DefaultPollTimeoutMS,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the polling loop.
func (t *CommandThread) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.loop()
	})
}

// Stop requests the loop to exit and waits for it. Safe to call
// multiple times and before Start.
func (t *CommandThread) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *CommandThread) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		rc := t.api.WaitForCommand(t.pollTimeoutMS)
		switch {
		case rc == CodeOK:
			if !t.drain() {
				return
			}
		case rc == CodeTimeoutOccurred:
			// No command available, poll again.
		case rc < 0:
			t.logger.Error("wait_for_command failed, stopping command thread", "code", rc)
			return
		}
	}
}

// drain pops all available commands and enqueues them. It returns
// false when the event queue has been closed and the loop should exit.
func (t *CommandThread) drain() bool {
	var commands []event.ModuleCommand
	remaining := 1
	for remaining > 0 {
		device, data, rem := t.api.GetCommand()
		if rem < 0 {
			t.logger.Error("get_command failed", "code", rem)
			break
		}
		commands = append(commands, event.ModuleCommand{
			ModuleID: t.moduleID,
			Device:   device,
			Data:     data,
		})
		remaining = rem
	}

	if len(commands) > 1 && t.connected != nil && !t.connected() {
		t.logger.Debug("no connected device, keeping only the newest command",
			"dropped", len(commands)-1)
		commands = commands[len(commands)-1:]
	}

	for i := range commands {
		cmd := commands[i]
		err := t.queue.Enqueue(event.Event{
			Kind:    event.KindCommandFromModule,
			Command: &cmd,
		})
		switch {
		case errors.Is(err, event.ErrQueueClosed):
			return false
		case err != nil:
			t.logger.Error("failed to enqueue module command", "error", err)
		}
	}
	return true
}
