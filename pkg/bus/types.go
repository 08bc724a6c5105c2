package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr is a bus address.
// Non-negative values are node addresses (0..127),
// -4 is broadcast and -3..-1 are servers.
type Addr int8

// Reserved addresses.
const (
	AddrBroadcast Addr = -4
	AddrMax       Addr = 0x7F
)

// ServerAddr returns the address of server n (1..3).
func ServerAddr(n int) Addr {
	return Addr(n - 4)
}

// IsReserved returns true for broadcast and server addresses.
func (a Addr) IsReserved() bool {
	return a < 0
}

// Valid checks the address is representable in a header.
func (a Addr) Valid() bool {
	return a >= AddrBroadcast
}

// ParseAddr parses the form produced by String.
func ParseAddr(s string) (Addr, error) {
	switch up := strings.ToUpper(s); {
	case up == "B":
		return AddrBroadcast, nil
	case len(up) == 2 && up[0] == 'S' && up[1] >= '1' && up[1] <= '3':
		return ServerAddr(int(up[1] - '0')), nil
	}
	n, err := strconv.ParseUint(s, 10, 7)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return Addr(n), nil
}

func (a Addr) String() string {
	switch {
	case a == AddrBroadcast:
		return "B"
	case a < 0:
		return fmt.Sprintf("S%d", int(a)+4)
	default:
		return fmt.Sprintf("%d", int(a))
	}
}

// Priority classes. PrioUrgent messages are sent before all others.
const (
	PrioUrgent uint8 = iota
	PrioHigh
	PrioNormal
	PrioLow
)

// State is the protocol state of a Handler.
type State int

// Handler states. Values below StateIdle wait for the bus,
// values from StateWrite on mean the handler drives the wires.
const (
	StateError State = iota
	StateWaitIdle
	StateIdle
	StateRead
	StateReadAck
	StateReadAcquire
	StateReadCRC
)

// Writing states.
const (
	StateWrite State = iota + 10
	StateWriteAcquire
	StateWriteAck
	StateWriteEnd
	StateWriteCRC
)

var stateNames = map[State]string{
	StateError:        "ERROR",
	StateWaitIdle:     "WAIT_IDLE",
	StateIdle:         "IDLE",
	StateRead:         "READ",
	StateReadAck:      "READ_ACK",
	StateReadAcquire:  "READ_ACQUIRE",
	StateReadCRC:      "READ_CRC",
	StateWrite:        "WRITE",
	StateWriteAcquire: "WRITE_ACQUIRE",
	StateWriteAck:     "WRITE_ACK",
	StateWriteEnd:     "WRITE_END",
	StateWriteCRC:     "WRITE_CRC",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Error is a protocol error code reported via Callbacks.ReportError.
// Negative codes are retryable, codes at or below ErrFatal are not.
type Error int

// Protocol error codes.
const (
	ErrNothing      Error = 1
	ErrCollision    Error = -2
	ErrHoldTime     Error = -11
	ErrAcquire      Error = -12
	ErrCRC          Error = -13
	ErrBadCollision Error = -14
	ErrNoChange     Error = -16
	ErrMemory       Error = -17
	ErrFatal        Error = -20
	ErrFlap         Error = -21
	ErrAcquireFatal Error = -22
	ErrUnhandled    Error = -23
	ErrCannot       Error = -24
)

var errorNames = map[Error]string{
	ErrNothing:      "nothing",
	ErrCollision:    "collision",
	ErrHoldTime:     "hold time",
	ErrAcquire:      "acquire",
	ErrCRC:          "crc",
	ErrBadCollision: "bad collision",
	ErrNoChange:     "no change",
	ErrMemory:       "memory",
	ErrFatal:        "fatal",
	ErrFlap:         "flap",
	ErrAcquireFatal: "acquire fatal",
	ErrUnhandled:    "unhandled",
	ErrCannot:       "cannot",
}

// IsFatal returns true when the error aborts the current send.
func (e Error) IsFatal() bool {
	return e <= ErrFatal
}

// Error implements error.
func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return "bus: " + name
	}
	return fmt.Sprintf("bus: error %d", int(e))
}

// Result is the outcome of a send reported via Callbacks.Transmitted.
type Result int

// Send results.
const (
	ResultSuccess Result = iota
	ResultMissing
	ResultError
	ResultFatal
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultMissing:
		return "missing"
	case ResultError:
		return "error"
	case ResultFatal:
		return "fatal"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Timeout is a relative timer duration.
// TimeoutOff cancels the timer, TimeoutBreak requests the short delay,
// any larger value n requests n-1 units of the long delay.
type Timeout uint8

// Timer values used by the handler.
const (
	TimeoutOff     Timeout = 0
	TimeoutBreak   Timeout = 1
	TimeoutSettle  Timeout = 2
	TimeoutBackoff Timeout = 2
	TimeoutZero    Timeout = 5
	TimeoutError   Timeout = 10
)

// Callbacks is implemented by the host of a Handler.
type Callbacks interface {
	// SetTimeout arms the one-shot timer, replacing any armed one.
	SetTimeout(Timeout)
	// SetWire asserts exactly these wires.
	SetWire(bits uint8)
	// GetWire reads the current state of the bus.
	GetWire() uint8
	// Process delivers a received message. Returning true acknowledges it.
	Process(*Message) bool
	// Transmitted reports the final outcome of a send.
	Transmitted(*Message, Result)
	// Debug receives diagnostics.
	Debug(format string, args ...interface{})
	// ReportError notifies about a protocol fault.
	ReportError(Error)
}
