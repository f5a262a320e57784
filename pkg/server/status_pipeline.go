package server

import (
	"time"

	"github.com/bringauto/external-server/pkg/fleet"
)

// statusPipeline orders and times inbound statuses.
//
// It keeps the per-device status counter (strictly increasing,
// wrap-aware) and the status timeout state. The default timeout mode is
// the absolute age of the last status across all devices; the
// per-device mode times each device separately.
type statusPipeline struct {
	timeout   time.Duration
	perDevice bool

	// counters holds the last accepted counter per device identity.
	counters map[deviceKey]uint32

	lastStatus   time.Time
	lastByDevice map[deviceKey]time.Time
}

func newStatusPipeline(timeout time.Duration, perDevice bool) *statusPipeline {
	return &statusPipeline{
		timeout:      timeout,
		perDevice:    perDevice,
		counters:     make(map[deviceKey]uint32),
		lastByDevice: make(map[deviceKey]time.Time),
	}
}

// Fresh reports whether the status counter advances the device's
// sequence. The first status of a device always does; afterwards the
// counter must be strictly greater than the last accepted one, with
// wrap-around past 2^32-1 being legal.
func (p *statusPipeline) Fresh(device fleet.Device, counter uint32) bool {
	last, seen := p.counters[keyOf(device)]
	if !seen {
		return true
	}
	return int32(counter-last) > 0
}

// Observe records an accepted status: its counter and arrival time.
func (p *statusPipeline) Observe(device fleet.Device, counter uint32, now time.Time) {
	key := keyOf(device)
	p.counters[key] = counter
	p.lastStatus = now
	if p.perDevice {
		p.lastByDevice[key] = now
	}
}

// Start arms the timeout; called on entering Running.
func (p *statusPipeline) Start(now time.Time) {
	p.lastStatus = now
	if p.perDevice {
		for key := range p.lastByDevice {
			p.lastByDevice[key] = now
		}
	}
}

// Expired reports whether the status timeout elapsed. The deadline is
// exclusive: a status arriving exactly at the boundary is still in
// time.
func (p *statusPipeline) Expired(now time.Time) bool {
	if p.perDevice {
		for _, last := range p.lastByDevice {
			if now.Sub(last) > p.timeout {
				return true
			}
		}
		return false
	}
	if p.lastStatus.IsZero() {
		return false
	}
	return now.Sub(p.lastStatus) > p.timeout
}

// Forget drops the per-device state; called when a device disconnects
// so a reconnecting device seeds a fresh sequence.
func (p *statusPipeline) Forget(device fleet.Device) {
	key := keyOf(device)
	delete(p.counters, key)
	delete(p.lastByDevice, key)
}

// Reset clears all state for a fresh connect sequence.
func (p *statusPipeline) Reset() {
	clear(p.counters)
	clear(p.lastByDevice)
	p.lastStatus = time.Time{}
}
