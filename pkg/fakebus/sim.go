package fakebus

import (
	"github.com/robotalks/moatbus.go/pkg/bus"
)

// Timing maps handler timeouts to simulation ticks.
type Timing struct {
	// Delay is the number of ticks until a wire change is visible.
	Delay int
	// Break is the length of bus.TimeoutBreak.
	Break int
	// Unit is the length of one unit of longer timeouts.
	Unit int
}

// DefaultTiming is a bus with fast propagation.
var DefaultTiming = Timing{Delay: 1, Break: 3, Unit: 10}

// Ticks converts a timeout to ticks, 0 means off.
func (t Timing) Ticks(v bus.Timeout) int {
	switch v {
	case bus.TimeoutOff:
		return 0
	case bus.TimeoutBreak:
		return t.Break
	}
	return int(v-1) * t.Unit
}

// SimNode receives events from a simulated bus.
type SimNode interface {
	Wire(bits uint8)
	Timeout()
}

// Change is a change of the bus state.
type Change struct {
	At   int
	Bits uint8
}

// Sim is a simulated bus.
type Sim struct {
	timing    Timing
	now       int
	ports     []*Port
	bits      uint8
	deliverAt int
	changes   []Change
}

// NewSim creates a simulated bus.
func NewSim(timing Timing) *Sim {
	return &Sim{timing: timing, deliverAt: -1}
}

// Now returns the current tick.
func (s *Sim) Now() int {
	return s.now
}

// Bits returns the current bus state.
func (s *Sim) Bits() uint8 {
	return s.bits
}

// Changes returns the history of bus states.
func (s *Sim) Changes() []Change {
	return s.changes
}

// Attach adds a port to the bus. The node is bound later using Bind
// as it usually needs the port to be constructed.
func (s *Sim) Attach() *Port {
	p := &Port{sim: s, timer: -1, seen: s.bits}
	s.ports = append(s.ports, p)
	return p
}

// Step processes the next event. It returns false if nothing is pending.
func (s *Sim) Step() bool {
	next := s.deliverAt
	for _, p := range s.ports {
		if p.timer >= 0 && (next < 0 || p.timer < next) {
			next = p.timer
		}
	}
	if next < 0 {
		return false
	}
	s.now = next
	for _, p := range s.ports {
		if p.timer == s.now {
			p.timer = -1
			if p.node != nil {
				p.node.Timeout()
			}
		}
	}
	if s.deliverAt == s.now {
		s.deliver()
	}
	return true
}

// Run steps until nothing is pending or limit ticks passed.
// It returns true if the bus became quiet.
func (s *Sim) Run(limit int) bool {
	end := s.now + limit
	for s.now < end {
		if !s.Step() {
			return true
		}
	}
	return false
}

// RunUntil steps until cond is met or limit ticks passed.
func (s *Sim) RunUntil(cond func() bool, limit int) bool {
	end := s.now + limit
	for !cond() {
		if s.now >= end || !s.Step() {
			return cond()
		}
	}
	return true
}

func (s *Sim) schedule() {
	if s.deliverAt < 0 {
		s.deliverAt = s.now + s.timing.Delay
	}
}

func (s *Sim) deliver() {
	s.deliverAt = -1
	var bits uint8
	for _, p := range s.ports {
		bits |= p.out
	}
	if bits == s.bits {
		return
	}
	s.bits = bits
	s.changes = append(s.changes, Change{At: s.now, Bits: bits})
	for _, p := range s.ports {
		p.seen = bits
	}
	for _, p := range s.ports {
		if p.node != nil {
			p.node.Wire(bits)
		}
	}
}

// Port connects a node to a Sim.
// It implements the wire and timer part of bus.Callbacks.
type Port struct {
	sim     *Sim
	node    SimNode
	out     uint8
	seen    uint8
	timer   int
	outputs []uint8
}

// Bind sets the node receiving events.
func (p *Port) Bind(node SimNode) {
	p.node = node
}

// SetTimeout implements bus.Callbacks.
func (p *Port) SetTimeout(v bus.Timeout) {
	p.After(p.sim.timing.Ticks(v))
}

// After arms the timer in raw ticks, 0 cancels it.
func (p *Port) After(ticks int) {
	if ticks <= 0 {
		p.timer = -1
		return
	}
	p.timer = p.sim.now + ticks
}

// SetWire implements bus.Callbacks.
func (p *Port) SetWire(bits uint8) {
	p.out = bits
	p.outputs = append(p.outputs, bits)
	p.sim.schedule()
}

// GetWire implements bus.Callbacks.
func (p *Port) GetWire() uint8 {
	return p.seen
}

// Outputs returns every value passed to SetWire.
func (p *Port) Outputs() []uint8 {
	return p.outputs
}
