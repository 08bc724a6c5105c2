package bus

import (
	"errors"
	"math/rand"
	"time"

	"github.com/robotalks/moatbus.go/pkg/crc"
)

// ErrInvalidWires indicates an unsupported number of wires.
var ErrInvalidWires = errors.New("wires must be 2..4")

// Symbol layout per wire count: digits per chunk, bits per chunk and
// the number of all-ones digits marking the end of data.
var (
	chunkLens = [...]int{0, 0, 7, 5, 3}
	chunkBits = [...]uint{0, 0, 11, 14, 11}
	endLens   = [...]int{0, 0, 3, 2, 1}
)

const maxBackoff = 0xC0

type writeState int

const (
	writeMore writeState = iota
	writeEnd
	writeFinal
	writeCRC
)

// Stats counts handler events.
type Stats struct {
	Sent            int
	Failed          int
	Received        int
	CRCErrors       int
	Collisions      int
	LostArbitration int
	Retries         int
	Errors          int
}

// Handler runs the bus protocol for one node.
// It must only be driven from a single goroutine.
type Handler struct {
	cb Callbacks

	wires     uint
	max       uint8
	chunkLen  int
	chunkBits uint
	endLen    int
	crcLen    int
	valEnd    uint32
	valMax    uint32

	state      State
	writeState writeState
	settle     bool
	flapping   int
	lastZero   int

	last, current, intended uint8
	currentPrio, wantPrio   uint8
	ackMask, nackMask       uint8
	ackMasks                uint8

	noBackoff bool
	backoff   int

	crc        *crc.CRC
	val        uint32
	nval       int
	chunk      [8]uint8
	curLen     int
	curPos     int
	chunkStart int

	queue     Queue
	prioQueue Queue
	sending   *Message
	msgIn     *Message

	rand  *rand.Rand
	stats Stats
}

// NewHandler creates a handler for a bus with the given number of wires.
// It reads the current bus state and arms the timer.
func NewHandler(wires uint, cb Callbacks) (*Handler, error) {
	if wires < 2 || wires > 4 {
		return nil, ErrInvalidWires
	}
	h := &Handler{
		cb:        cb,
		wires:     wires,
		max:       uint8(1<<wires) - 1,
		chunkLen:  chunkLens[wires],
		chunkBits: chunkBits[wires],
		endLen:    endLens[wires],
		crc:       crc.New(crc.CRC11, wires),
		backoff:   int(TimeoutBackoff),
		state:     StateWaitIdle,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	h.crcLen = h.chunkLen
	if wires == 3 {
		h.crcLen--
	}
	h.valEnd = 1
	for i := 0; i < h.endLen; i++ {
		h.valEnd *= uint32(h.max)
	}
	h.valEnd--
	h.valMax = 1 << h.chunkBits

	h.current = cb.GetWire()
	h.last = h.current
	if h.current == 0 {
		h.lastZero = 1
	}
	h.reset()
	h.armIdle()
	return h, nil
}

// Seed sets the source of backoff randomization.
func (h *Handler) Seed(seed int64) {
	h.rand.Seed(seed)
}

// Wires returns the number of wires.
func (h *Handler) Wires() uint {
	return h.wires
}

// State returns the current protocol state.
func (h *Handler) State() State {
	return h.state
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	return h.stats
}

// Queued returns the number of messages waiting, including the one in flight.
func (h *Handler) Queued() int {
	n := h.queue.Len() + h.prioQueue.Len()
	if h.sending != nil {
		n++
	}
	return n
}

// Send queues a message. Urgent messages bypass the normal queue.
func (h *Handler) Send(m *Message) error {
	if m.HeaderLen() == 0 {
		if err := CheckHeader(m.Src, m.Dst, m.Code); err != nil {
			return err
		}
	}
	if m.Prio == PrioUrgent {
		h.prioQueue.Push(m)
	} else {
		h.queue.Push(m)
	}
	h.sendNext()
	return nil
}

// Wire is called when the bus state changed.
func (h *Handler) Wire(bits uint8) {
	for {
		if bits != 0 {
			h.lastZero = 0
		} else {
			h.lastZero = 1
		}
		h.current = bits
		if h.state > StateIdle {
			h.flapping++
			if h.flapping > 2*int(h.wires) {
				h.error(ErrFlap)
				return
			}
		}
		if h.settle {
			h.wireSettle(bits)
		} else {
			h.nextStep(false)
		}
		if bits = h.cb.GetWire(); bits == h.current {
			break
		}
	}
	if h.state > StateIdle {
		h.settle = true
		h.setTimeout(TimeoutSettle)
	}
}

// Timeout is called when the armed timer expires.
func (h *Handler) Timeout() {
	if h.settle {
		h.settle = false
		h.timeoutSettle()
		h.last = h.current
		if h.state >= StateWrite {
			h.setTimeout(TimeoutBreak)
		} else if h.state > StateIdle {
			h.setTimeout(TimeoutZero)
		}
		return
	}
	h.nextStep(true)
	if h.state > StateIdle {
		h.settle = true
		h.setTimeout(TimeoutBreak + 1)
	}
}

func (h *Handler) debugf(format string, args ...interface{}) {
	h.cb.Debug(format, args...)
}

// setTimeout arms the timer. Time the bus has already been zero
// counts towards TimeoutZero.
func (h *Handler) setTimeout(val Timeout) {
	if val > TimeoutBreak {
		if val == TimeoutZero && h.lastZero > 0 {
			if h.lastZero >= int(TimeoutZero) {
				val = TimeoutBreak
			} else {
				val = TimeoutZero - Timeout(h.lastZero) + 1
			}
		}
		if h.lastZero > 0 && h.lastZero-1 < int(TimeoutZero) {
			h.lastZero += int(val)
		}
	}
	h.cb.SetTimeout(val)
}

// armIdle arms the timer for the waiting states.
func (h *Handler) armIdle() {
	switch {
	case h.current != 0:
		h.setTimeout(TimeoutOff)
	case h.state == StateError:
		h.setTimeout(TimeoutError)
	default:
		h.setTimeout(TimeoutZero)
	}
}

// wireSettle handles a wire change while waiting for the bus to settle.
func (h *Handler) wireSettle(bits uint8) {
	switch h.state {
	case StateError, StateWaitIdle:
		h.nextStep(false)
	case StateIdle:
		if bits == 0 {
			return
		}
		if h.noBackoff && h.sending != nil {
			h.startWriter()
		} else {
			h.startReader()
		}
	case StateRead, StateReadAck, StateReadAcquire, StateReadCRC, StateWriteEnd:
	case StateWriteAcquire:
		if bits&(h.wantPrio-1) != 0 {
			h.debugf("prio lost %02x %02x", bits, h.wantPrio)
			h.stats.LostArbitration++
			h.stats.Retries++
			h.startReader()
		}
	case StateWriteAck:
		if bits&^(h.ackMasks|h.last) != 0 {
			h.error(ErrBadCollision)
		}
	case StateWrite, StateWriteCRC:
		if extra := bits &^ (h.intended | h.last); extra != 0 {
			h.writeCollision(extra, false)
		}
	default:
		h.error(ErrUnhandled)
	}
}

// timeoutSettle acts on a bus state which has been stable long enough.
func (h *Handler) timeoutSettle() {
	bits := h.current
	h.flapping = 0

	switch h.state {
	case StateError, StateWaitIdle:
	case StateIdle:
		if h.sending != nil {
			h.settle = true
			h.startWriter()
		}
	case StateWriteAcquire:
		if bits == h.wantPrio {
			h.startFrame(bits)
			h.setState(StateWrite)
		} else {
			h.error(ErrAcquireFatal)
		}
	case StateReadAcquire:
		switch {
		case bits != 0 && bits&(bits-1) == 0:
			h.startFrame(bits)
			h.setState(StateRead)
		case bits == 0:
			h.error(ErrNothing)
		default:
			h.error(ErrAcquireFatal)
		}
	case StateRead:
		h.updateCRC(bits)
		h.readNext(bits)
	case StateReadCRC:
		h.readNext(bits)
	case StateReadAck:
		h.readAck(bits)
	case StateWrite, StateWriteCRC:
		switch {
		case bits == h.intended:
			if h.state == StateWrite {
				h.updateCRC(bits)
			}
		case bits&^h.intended == 0:
			h.error(ErrBadCollision)
		default:
			h.writeCollision(bits&^h.intended, true)
		}
	case StateWriteAck:
		if bits != h.ackMask {
			h.error(ErrBadCollision)
		} else {
			h.setState(StateWriteEnd)
		}
	case StateWriteEnd:
		h.error(ErrCannot)
	default:
		h.error(ErrUnhandled)
	}
}

// nextStep is called when it's time for the next step, either because
// the timer expired or because the wire changed while nothing settled.
func (h *Handler) nextStep(timeout bool) {
	bits := h.current

	switch h.state {
	case StateError:
		if timeout {
			h.state = StateWaitIdle
		}
		h.armIdle()
	case StateWaitIdle:
		if timeout {
			h.error(ErrHoldTime)
		} else {
			h.armIdle()
		}
	case StateIdle:
		if h.sending != nil {
			h.startWriter()
		} else if bits != 0 {
			h.startReader()
		}
	case StateRead, StateReadAck, StateReadAcquire, StateReadCRC:
		if timeout {
			h.error(ErrHoldTime)
		}
	case StateWriteAcquire:
		if bits == h.wantPrio {
			h.startFrame(bits)
			h.setState(StateWrite)
		} else {
			h.error(ErrAcquireFatal)
		}
	case StateWrite, StateWriteCRC:
		if !h.writeNext() {
			break
		}
		if bits&^(h.last|h.intended) != 0 {
			h.writeCollision(bits&^h.intended, false)
		} else {
			h.cb.SetWire(h.intended)
		}
	case StateWriteAck:
		if bits&^(h.last|h.ackMasks) != 0 {
			h.error(ErrBadCollision)
		} else {
			h.cb.SetWire(h.ackMask)
		}
	case StateWriteEnd:
		h.setState(StateWaitIdle)
	default:
		h.error(ErrUnhandled)
	}
}

func (h *Handler) startFrame(prio uint8) {
	h.currentPrio = prio
	h.crc.Reset()
}

func (h *Handler) updateCRC(bits uint8) {
	h.crc.Update(uint32(bits ^ h.currentPrio))
}

func (h *Handler) reportError(typ Error) {
	h.stats.Errors++
	if typ == ErrCRC {
		h.stats.CRCErrors++
	}
	h.cb.ReportError(typ)
}

func (h *Handler) error(typ Error) {
	if h.state == StateError {
		return
	}
	if typ == ErrHoldTime && h.current == 0 {
		if h.state < StateIdle {
			h.setState(StateIdle)
		} else {
			h.setState(StateWaitIdle)
		}
		return
	}

	if typ < 0 {
		if h.backoff < 3*int(TimeoutBackoff) {
			h.backoff = int(float64(h.backoff) * (1.5 + h.rand.Float64()))
		} else {
			h.backoff = h.backoff * 12 / 10
		}
		if h.backoff > maxBackoff {
			h.backoff = maxBackoff
		}
	}
	h.debugf("error %v in %v, backoff %d", typ, h.state, h.backoff)

	h.reportError(typ)
	h.reset()
	prev := h.state
	next := StateWaitIdle
	if typ.IsFatal() {
		if msg := h.clearSending(); msg != nil {
			h.transmitted(msg, ResultFatal)
		}
		next = StateError
	}
	h.setState(next)
	if prev <= StateIdle {
		h.armIdle()
	}
}

func (h *Handler) reset() {
	h.intended = 0
	h.curPos, h.curLen = 0, 0
	h.ackMask = 0
	if h.msgIn == nil {
		h.msgIn = NewMessage(6)
	}
	h.msgIn.StartAdd()
	h.val, h.nval = 0, 0
	h.settle = false
}

func (h *Handler) setState(state State) {
	if state == h.state {
		return
	}
	if state < StateWrite && h.state >= StateWrite {
		h.cb.SetWire(0)
	}
	if state == StateReadAcquire || state == StateWriteAcquire {
		h.noBackoff = false
	}

	switch {
	case state == StateIdle:
		h.state = state
		h.settle = true
		delay := TimeoutBreak + 1
		if !h.noBackoff || h.sending == nil {
			delay += Timeout(h.backoff)
		}
		h.setTimeout(delay)
	case state < StateIdle && h.state > StateIdle:
		h.state = state
		h.reset()
		h.sendNext()
		h.armIdle()
	default:
		h.state = state
	}
}
