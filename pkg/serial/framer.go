package serial

import (
	"errors"

	"github.com/sigurn/crc16"

	"github.com/robotalks/moatbus.go/pkg/bus"
)

const (
	// ByteAck acknowledges a received frame.
	ByteAck byte = 0x06

	// DefaultQueueSize limits the receive and send queues.
	DefaultQueueSize = 32

	// MaxFrameLen is the largest header plus content a frame can carry.
	MaxFrameLen = 0x7FFF

	maxIdle  = 3
	longFlag = 0x80
)

var (
	// ErrQueueFull indicates too many messages wait to be sent.
	ErrQueueFull = errors.New("send queue full")
	// ErrInvalidPrio indicates a priority without a lead byte.
	ErrInvalidPrio = errors.New("invalid priority")
)

// Table is the CRC-16 used on serial links.
var Table = crc16.MakeTable(crc16.Params{
	Poly:   0x5935,
	RefIn:  true,
	RefOut: true,
	Name:   "CRC-16/MOAT",
})

type inState int

const (
	inIdle inState = iota
	inLen
	inLen2
	inData
	inCRC1
	inCRC2
)

type outState int

const (
	outIdle outState = iota
	outInit
	outLen
	outLen2
	outData
	outCRC1
	outCRC2
)

// Stats counts link events.
type Stats struct {
	AckIn    uint
	CRC      uint
	Lost     uint
	Spurious uint
	Overflow uint
	Invalid  uint
}

// Framer translates between bytes and messages.
// It does no I/O and is not safe for concurrent use.
type Framer struct {
	QueueSize int

	sIn    inState
	in     *bus.Message
	prioIn uint8
	lenIn  int
	crcIn  uint16
	idle   int
	recvQ  bus.Queue
	acks   int

	sOut   outState
	sendQ  bus.Queue
	out    *bus.Message
	lenOut int
	crcOut uint16
	ackOut int

	stats Stats
}

// NewFramer creates a Framer.
func NewFramer() *Framer {
	f := &Framer{QueueSize: DefaultQueueSize}
	f.resetIn()
	return f
}

func (f *Framer) resetIn() {
	if f.in == nil {
		f.in = bus.NewMessage(20)
	} else {
		f.in.StartAdd()
	}
	f.sIn = inIdle
	f.crcIn = crc16.Init(Table)
	f.idle = 0
}

// Stats returns the counters.
func (f *Framer) Stats() Stats {
	return f.stats
}

// ByteIn processes a received byte.
func (f *Framer) ByteIn(c byte) {
	f.idle = 0
	switch f.sIn {
	case inIdle:
		switch {
		case c == ByteAck:
			f.stats.AckIn++
			f.acks++
		case c > 0 && c <= bus.PrioLow+1:
			f.prioIn = c - 1
			f.sIn = inLen
		default:
			f.stats.Spurious++
		}
	case inLen:
		if c&longFlag != 0 {
			f.lenIn = int(c&^longFlag) << 8
			f.sIn = inLen2
		} else {
			f.lenIn = int(c)
			f.sIn = f.dataState()
		}
	case inLen2:
		f.lenIn |= int(c)
		f.sIn = f.dataState()
	case inData:
		if err := f.in.AddChunk(uint32(c), 8); err != nil {
			f.stats.Overflow++
			f.resetIn()
			return
		}
		f.crcIn = crc16.Update(f.crcIn, []byte{c}, Table)
		if f.lenIn--; f.lenIn == 0 {
			f.sIn = inCRC1
		}
	case inCRC1:
		f.crcIn = crc16.Complete(f.crcIn, Table) ^ uint16(c)<<8
		f.sIn = inCRC2
	case inCRC2:
		if f.crcIn^uint16(c) != 0 {
			f.stats.CRC++
			f.resetIn()
			return
		}
		f.frameDone()
	}
}

func (f *Framer) dataState() inState {
	if f.lenIn == 0 {
		return inCRC1
	}
	return inData
}

func (f *Framer) frameDone() {
	m := f.in
	f.in = nil
	f.resetIn()
	if err := m.ReadHeader(); err != nil {
		f.stats.Invalid++
		m.Free()
		return
	}
	if f.recvQ.Len() >= f.QueueSize {
		f.stats.Overflow++
		m.Free()
		return
	}
	m.Prio = f.prioIn
	f.recvQ.Push(m)
	f.ackOut++
}

// Recv returns the next received message, nil if none.
func (f *Framer) Recv() *bus.Message {
	return f.recvQ.Pop()
}

// RecvAck returns and clears the number of ACKs received.
func (f *Framer) RecvAck() int {
	n := f.acks
	f.acks = 0
	return n
}

// Idle is called periodically. A frame stalled for more than
// a few calls is dropped. It returns true while a frame is incomplete.
func (f *Framer) Idle() bool {
	if f.sIn == inIdle {
		f.idle = 0
		return false
	}
	if f.idle++; f.idle > maxIdle {
		f.stats.Lost++
		f.resetIn()
	}
	return true
}

// Send queues a message. The framer owns m until it is sent.
func (f *Framer) Send(m *bus.Message) error {
	if m.Prio > bus.PrioLow {
		return ErrInvalidPrio
	}
	if f.sendQ.Len() >= f.QueueSize {
		return ErrQueueFull
	}
	if err := m.AddHeader(); err != nil {
		return err
	}
	if (m.Bits()+7)/8 > MaxFrameLen {
		return bus.ErrMessageTooLong
	}
	f.sendQ.Push(m)
	if f.sOut == outIdle {
		f.sOut = outInit
	}
	return nil
}

// SendAck queues an ACK byte.
func (f *Framer) SendAck() {
	f.ackOut++
}

// Pending reports whether ByteOut has something to return.
func (f *Framer) Pending() bool {
	return f.sOut != outIdle || f.ackOut > 0
}

// ByteOut returns the next byte to transmit.
// ACKs are sent between frames.
func (f *Framer) ByteOut() (byte, bool) {
	switch f.sOut {
	case outIdle, outInit:
		if f.ackOut > 0 {
			f.ackOut--
			return ByteAck, true
		}
		if f.sOut == outIdle {
			return 0, false
		}
		f.out = f.sendQ.Pop()
		f.out.StartExtract()
		f.lenOut = (f.out.Bits() + 7) / 8
		f.crcOut = crc16.Init(Table)
		f.sOut = outLen
		return f.out.Prio + 1, true
	case outLen:
		if f.lenOut >= longFlag {
			f.sOut = outLen2
			return longFlag | byte(f.lenOut>>8), true
		}
		f.sOut = f.nextData()
		return byte(f.lenOut), true
	case outLen2:
		f.sOut = f.nextData()
		return byte(f.lenOut), true
	case outData:
		c := byte(f.out.ExtractChunk(8))
		f.crcOut = crc16.Update(f.crcOut, []byte{c}, Table)
		f.sOut = f.nextData()
		return c, true
	case outCRC1:
		f.crcOut = crc16.Complete(f.crcOut, Table)
		f.sOut = outCRC2
		return byte(f.crcOut >> 8), true
	default:
		c := byte(f.crcOut)
		f.out.Free()
		f.out = nil
		if f.sendQ.Len() > 0 {
			f.sOut = outInit
		} else {
			f.sOut = outIdle
		}
		return c, true
	}
}

func (f *Framer) nextData() outState {
	if f.out.ExtractMore() {
		return outData
	}
	return outCRC1
}
