package bus

import (
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// MaxMessageSize is the maximum encoded size of a message in bytes.
	MaxMessageSize = 0x7FFF

	maxHeader = 3
	slack     = 4
)

var (
	// ErrMessageTooLong indicates the buffer can't grow any further.
	ErrMessageTooLong = errors.New("message too long")
	// ErrMessageFreed indicates the message buffer was already released.
	ErrMessageFreed = errors.New("message freed")
)

type buffer struct {
	data []byte
	refs int32
}

// Message is a bus message.
//
// The header lives either in Src, Dst and Code only, or additionally
// encoded in the bytes right before the content (HeaderLen() > 0).
// Copies share the byte buffer while cursors are per handle.
type Message struct {
	Src  Addr
	Dst  Addr
	Code uint8
	Prio uint8

	buf *buffer

	// content starts at off, the encoded header occupies [off-hdrLen, off).
	off    int
	hdrLen int
	// endOff is the number of unused bits in data[end], 8 means aligned.
	end    int
	endOff uint
	// posOff is the number of unread bits in data[pos].
	pos    int
	posOff uint

	next  *Message
	tries uint8
}

// NewMessage creates an empty message with room for hint content bytes.
func NewMessage(hint int) *Message {
	if hint < 0 {
		hint = 0
	}
	if hint > MaxMessageSize {
		hint = MaxMessageSize
	}
	m := &Message{
		Prio: PrioLow,
		buf:  &buffer{data: make([]byte, maxHeader+hint+slack), refs: 1},
	}
	m.StartAdd()
	return m
}

// NewMessageWith creates a message with header fields and content.
func NewMessageWith(src, dst Addr, code uint8, data []byte) (*Message, error) {
	m := NewMessage(len(data))
	m.Src, m.Dst, m.Code = src, dst, code
	if err := m.AddData(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Free releases this handle. The buffer is released with the last handle.
func (m *Message) Free() {
	if m.buf == nil {
		return
	}
	if atomic.AddInt32(&m.buf.refs, -1) == 0 {
		m.buf.data = nil
	}
	m.buf = nil
}

// Copy returns a new handle sharing the buffer.
func (m *Message) Copy() *Message {
	atomic.AddInt32(&m.buf.refs, 1)
	c := *m
	c.next, c.tries = nil, 0
	return &c
}

// Resize makes sure n content bytes fit into the buffer.
func (m *Message) Resize(n int) error {
	if n > MaxMessageSize {
		return ErrMessageTooLong
	}
	return m.grow(m.off + n + 1)
}

func (m *Message) grow(size int) error {
	if m.buf == nil {
		return ErrMessageFreed
	}
	if size <= len(m.buf.data) {
		return nil
	}
	limit := maxHeader + MaxMessageSize + 1
	if size > limit {
		return ErrMessageTooLong
	}
	n := len(m.buf.data) * 2
	if n < size {
		n = size
	}
	if n > limit {
		n = limit
	}
	data := make([]byte, n)
	copy(data, m.buf.data)
	m.buf.data = data
	return nil
}

// HeaderLen returns the size of the encoded header, 0 if not encoded.
func (m *Message) HeaderLen() int {
	return m.hdrLen
}

// AddHeader encodes the header in front of the content.
func (m *Message) AddHeader() error {
	if m.hdrLen > 0 {
		return nil
	}
	hdr, err := EncodeHeader(m.Src, m.Dst, m.Code)
	if err != nil {
		return err
	}
	if m.off < len(hdr) {
		return ErrInvalidHeader
	}
	copy(m.buf.data[m.off-len(hdr):m.off], hdr)
	m.hdrLen = len(hdr)
	return nil
}

// ReadHeader decodes the header from the start of the content.
func (m *Message) ReadHeader() error {
	if m.hdrLen > 0 {
		return nil
	}
	src, dst, code, n, err := DecodeHeader(m.buf.data[m.off:m.end])
	if err != nil {
		return err
	}
	m.Src, m.Dst, m.Code = src, dst, code
	m.off += n
	m.hdrLen = n
	return nil
}

// StartSend resets the content for AddData.
func (m *Message) StartSend() {
	m.hdrLen = 0
	m.end, m.endOff = m.off, 8
}

// AddData appends whole bytes.
func (m *Message) AddData(data []byte) error {
	if m.endOff != 8 {
		m.end++
		m.endOff = 8
	}
	if err := m.grow(m.end + len(data) + 1); err != nil {
		return err
	}
	copy(m.buf.data[m.end:], data)
	m.end += len(data)
	return nil
}

// Data returns the complete content bytes.
func (m *Message) Data() []byte {
	if m.buf == nil {
		return nil
	}
	return m.buf.data[m.off:m.end]
}

// Length returns the number of complete content bytes.
func (m *Message) Length() int {
	return m.end - m.off
}

// Bits returns the number of bits including the encoded header.
func (m *Message) Bits() int {
	return m.endBit() - m.startBit()
}

// SentBits returns the number of bits extracted so far.
func (m *Message) SentBits() int {
	return m.posBit() - m.startBit()
}

func (m *Message) startBit() int {
	return (m.off - m.hdrLen) * 8
}

func (m *Message) endBit() int {
	return m.end*8 + int(8-m.endOff)
}

func (m *Message) setEndBit(b int) {
	m.end, m.endOff = b/8, uint(8-b%8)
}

func (m *Message) posBit() int {
	return m.pos*8 + int(8-m.posOff)
}

func (m *Message) setPosBit(b int) {
	m.pos, m.posOff = b/8, uint(8-b%8)
}

func (m *Message) readBits(at, n int) uint32 {
	var v uint32
	for i := at; i < at+n; i++ {
		v = v<<1 | uint32(m.buf.data[i/8]>>(7-uint(i%8))&1)
	}
	return v
}

func (m *Message) writeBits(at int, v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		mask := byte(0x80) >> uint(at%8)
		if v>>uint(i)&1 != 0 {
			m.buf.data[at/8] |= mask
		} else {
			m.buf.data[at/8] &^= mask
		}
		at++
	}
}

// StartExtract encodes the header and rewinds the read cursor
// to the start of the header.
func (m *Message) StartExtract() error {
	if err := m.AddHeader(); err != nil {
		return err
	}
	m.pos, m.posOff = m.off-m.hdrLen, 8
	return nil
}

// ExtractMore reports whether unread bits remain.
func (m *Message) ExtractMore() bool {
	return m.posBit() < m.endBit()
}

// ExtractChunk reads the next width bits.
//
// If fewer bits remain, the remaining bits are returned left aligned.
// When at least 8 bits are missing, the result is shifted right by 8
// and flagged with bit 1<<width so the receiver knows where data ends.
func (m *Message) ExtractChunk(width uint) uint32 {
	if width == 0 || width > 16 {
		panic("bus: invalid chunk width")
	}
	pb := m.posBit()
	n := int(width)
	if avail := m.endBit() - pb; avail < n {
		n = avail
	}
	if n < 0 {
		n = 0
	}
	v := m.readBits(pb, n)
	m.setPosBit(pb + n)
	if deficit := width - uint(n); deficit >= 8 {
		v = v<<(deficit-8) | 1<<width
	} else {
		v <<= deficit
	}
	return v
}

// StartAdd resets the message to receive chunks.
func (m *Message) StartAdd() {
	m.off, m.hdrLen = maxHeader, 0
	m.end, m.endOff = m.off, 8
	m.pos, m.posOff = m.off, 8
}

// AddChunk appends the low width bits of v.
func (m *Message) AddChunk(v uint32, width uint) error {
	if width == 0 || width > 16 {
		panic("bus: invalid chunk width")
	}
	eb := m.endBit()
	if err := m.grow((eb+int(width)+7)/8 + 1); err != nil {
		return err
	}
	m.writeBits(eb, v, int(width))
	m.setEndBit(eb + int(width))
	return nil
}

// Drop removes the last width bits and returns them.
func (m *Message) Drop(width uint) uint32 {
	eb := m.endBit() - int(width)
	if eb < m.startBit() {
		panic("bus: drop beyond message start")
	}
	v := m.readBits(eb, int(width))
	m.setEndBit(eb)
	return v
}

// Align discards a trailing partial byte.
func (m *Message) Align() {
	m.endOff = 8
}

// CopyBits returns a new message holding the first n bits of m.
func (m *Message) CopyBits(n int) (*Message, error) {
	c := NewMessage(n/8 + 1)
	c.Prio = m.Prio
	if err := c.AddIn(m, n); err != nil {
		return nil, err
	}
	return c, nil
}

// AddIn appends the first n bits of src, including its encoded header.
func (m *Message) AddIn(src *Message, n int) error {
	if n > src.Bits() {
		n = src.Bits()
	}
	eb := m.endBit()
	if err := m.grow((eb+n+7)/8 + 1); err != nil {
		return err
	}
	at := src.startBit()
	for n > 0 {
		w := 8
		if n < w {
			w = n
		}
		m.writeBits(eb, src.readBits(at, w), w)
		eb, at, n = eb+w, at+w, n-w
	}
	m.setEndBit(eb)
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Msg< %v > %v c:x%02x p:%d n:% x >",
		m.Src, m.Dst, m.Code, m.Prio, m.Data())
}
