package module

import (
	"fmt"
	"log/slog"

	"github.com/bringauto/external-server/pkg/event"
)

// Runtime binds one module id to its API provider and command-waiting
// thread for the lifetime of a car session.
type Runtime struct {
	id     uint32
	api    API
	thread *CommandThread
	logger *slog.Logger
}

// NewRuntime wraps the provider for the given module id. The connected
// callback reports whether any device of the module is currently
// connected; it is evaluated on the command-waiting thread.
func NewRuntime(id uint32, api API, queue *event.Queue, connected func() bool, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		id:     id,
		api:    api,
		thread: NewCommandThread(id, api, queue, connected, logger),
		logger: logger.With("module", id),
	}
}

// ID returns the module id.
func (r *Runtime) ID() uint32 {
	return r.id
}

// API returns the provider. The session controller uses it for the
// forward and acknowledge operations.
func (r *Runtime) API() API {
	return r.api
}

// Init creates the library context. An init failure is fatal to the
// session.
func (r *Runtime) Init(config map[string]string) error {
	if err := r.api.Init(config); err != nil {
		return fmt.Errorf("module %d init failed: %w", r.id, err)
	}
	return nil
}

// Start launches the command-waiting thread.
func (r *Runtime) Start() {
	r.thread.Start()
}

// Stop terminates the command-waiting thread and waits for it.
func (r *Runtime) Stop() {
	r.thread.Stop()
}

// Close stops the thread and destroys the library context. A non-OK
// destroy code is logged, not returned; there is nothing the session
// can do about it at teardown.
func (r *Runtime) Close() {
	r.thread.Stop()
	if code := r.api.Destroy(); code != CodeOK {
		r.logger.Error("module destroy returned error", "code", code)
	}
}
