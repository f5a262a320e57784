package server

import (
	"time"

	"github.com/bringauto/external-server/pkg/fleet"
)

// pendingCommand is one emitted command awaiting acknowledgement.
type pendingCommand struct {
	counter  uint32
	device   fleet.Device
	data     []byte
	issuedAt time.Time
}

// commandPipeline tracks emitted commands per module and their
// response deadlines.
//
// Commands of one module are acknowledged in strict FIFO order: the
// acknowledged counter must match the head of the module's queue
// exactly. Owned exclusively by the session controller.
type commandPipeline struct {
	timeout time.Duration

	// fifos maps the producing module id to its pending commands in
	// emission order.
	fifos map[uint32][]pendingCommand
}

func newCommandPipeline(timeout time.Duration) *commandPipeline {
	return &commandPipeline{
		timeout: timeout,
		fifos:   make(map[uint32][]pendingCommand),
	}
}

// Push appends an emitted command to its module's queue.
func (p *commandPipeline) Push(moduleID uint32, cmd pendingCommand) {
	p.fifos[moduleID] = append(p.fifos[moduleID], cmd)
}

// Pending returns the total number of unacknowledged commands.
func (p *commandPipeline) Pending() int {
	n := 0
	for _, fifo := range p.fifos {
		n += len(fifo)
	}
	return n
}

// Pop acknowledges the command with the given counter. The counter
// must match the head of some module's queue; the popped command and
// its module id are returned. ok is false when no head matches, which
// with any command pending is a protocol violation the caller raises.
func (p *commandPipeline) Pop(counter uint32) (moduleID uint32, cmd pendingCommand, ok bool) {
	for id, fifo := range p.fifos {
		if len(fifo) == 0 {
			continue
		}
		if fifo[0].counter == counter {
			cmd = fifo[0]
			p.fifos[id] = fifo[1:]
			if len(p.fifos[id]) == 0 {
				delete(p.fifos, id)
			}
			return id, cmd, true
		}
	}
	return 0, pendingCommand{}, false
}

// Expired reports whether the head of any module's queue passed its
// response deadline. The deadline is exclusive: a response arriving
// exactly at the boundary is still acknowledged.
func (p *commandPipeline) Expired(now time.Time) bool {
	for _, fifo := range p.fifos {
		if len(fifo) > 0 && now.Sub(fifo[0].issuedAt) > p.timeout {
			return true
		}
	}
	return false
}

// Reset drops all pending commands.
func (p *commandPipeline) Reset() {
	clear(p.fifos)
}
