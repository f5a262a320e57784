// Package event provides the per-session event queue.
//
// The queue is the single synchronisation point of a car session: the
// bus adapter, the module command-waiting threads and the tick source
// produce events, and the session controller is the only consumer. All
// session state mutations happen on the consumer side, so the rest of
// the engine needs no locking.
package event

import (
	"errors"
	"sync"
	"time"

	"github.com/bringauto/external-server/pkg/fleet"
)

// Queue errors.
var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// DefaultCapacity bounds the number of undispatched events. A full
// queue means the consumer is stuck, which the session treats as fatal.
const DefaultCapacity = 256

// enqueueWait bounds how long a producer blocks on a full queue before
// giving up and reporting overflow.
const enqueueWait = time.Second

// Kind discriminates events on the queue.
type Kind uint8

const (
	// KindStatus carries an inbound Status frame.
	KindStatus Kind = iota

	// KindCommandResponse carries an inbound CommandResponse frame.
	KindCommandResponse

	// KindConnect carries an inbound Connect frame.
	KindConnect

	// KindCommandFromModule carries a command produced by a module
	// handler.
	KindCommandFromModule

	// KindTick drives the timeout checks.
	KindTick

	// KindTransportDown reports loss of the bus connection.
	KindTransportDown

	// KindStop requests graceful termination.
	KindStop
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "STATUS"
	case KindCommandResponse:
		return "COMMAND_RESPONSE"
	case KindConnect:
		return "CONNECT"
	case KindCommandFromModule:
		return "COMMAND_FROM_MODULE"
	case KindTick:
		return "TICK"
	case KindTransportDown:
		return "TRANSPORT_DOWN"
	case KindStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// ModuleCommand is a command drained from a module handler, tagged with
// the id of the module that produced it.
type ModuleCommand struct {
	ModuleID uint32
	Device   fleet.Device
	Data     []byte
}

// Event is one item on the queue. The fields beyond Kind are populated
// according to the kind.
type Event struct {
	Kind            Kind
	Connect         *fleet.Connect
	Status          *fleet.Status
	CommandResponse *fleet.CommandResponse
	Command         *ModuleCommand
	TransportErr    error
}

// Queue is a bounded multi-producer single-consumer FIFO.
type Queue struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// New creates a queue with the given capacity; capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds an event. It blocks for at most a bounded capacity wait;
// ErrQueueFull after that signals a stuck consumer. ErrQueueClosed is
// returned once the queue has been closed.
func (q *Queue) Enqueue(ev Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-timer.C:
		return ErrQueueFull
	}
}

// Dequeue removes and returns the next event, blocking until one is
// available. Pending events stay readable after Close; ErrQueueClosed
// is returned once the queue is closed and drained.
func (q *Queue) Dequeue() (Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-q.done:
		// Closed; hand out leftovers before reporting closure.
		select {
		case ev := <-q.ch:
			return ev, nil
		default:
			return Event{}, ErrQueueClosed
		}
	}
}

// TryDequeue removes the next event without blocking. The second return
// value is false when no event is pending.
func (q *Queue) TryDequeue() (Event, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	default:
		return Event{}, false
	}
}

// Drain discards all pending events. Used when tearing a session down
// so a fresh connect sequence starts from an empty queue.
func (q *Queue) Drain() {
	for {
		if _, ok := q.TryDequeue(); !ok {
			return
		}
	}
}

// Close rejects further producers and wakes a blocked consumer. Pending
// events stay readable. Close is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
