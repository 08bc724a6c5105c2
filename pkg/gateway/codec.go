package gateway

import (
	"errors"
	"fmt"
	"io"

	"github.com/golang/protobuf/proto"

	"github.com/robotalks/moatbus.go/pkg/bus"
)

// Field numbers of the encoded message.
const (
	fieldSrc  = 1
	fieldDst  = 2
	fieldCode = 3
	fieldPrio = 4
	fieldData = 5

	wireVarint = 0
	wireBytes  = 2
)

// DecodeError describes a malformed encoded message.
type DecodeError struct {
	Field int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("decode message: %v", e.Err)
	}
	return fmt.Sprintf("decode message field %d: %v", e.Field, e.Err)
}

// EncodeMessage encodes a message in protobuf wire format.
func EncodeMessage(m *bus.Message) []byte {
	b := proto.NewBuffer(nil)
	b.EncodeVarint(fieldSrc<<3 | wireVarint)
	b.EncodeZigzag32(uint64(int64(m.Src)))
	b.EncodeVarint(fieldDst<<3 | wireVarint)
	b.EncodeZigzag32(uint64(int64(m.Dst)))
	b.EncodeVarint(fieldCode<<3 | wireVarint)
	b.EncodeVarint(uint64(m.Code))
	b.EncodeVarint(fieldPrio<<3 | wireVarint)
	b.EncodeVarint(uint64(m.Prio))
	if data := m.Data(); len(data) > 0 {
		b.EncodeVarint(fieldData<<3 | wireBytes)
		b.EncodeRawBytes(data)
	}
	return b.Bytes()
}

// fieldReader walks the encoded fields and keeps track of what is left,
// so a field cut short is told apart from the end of the input.
type fieldReader struct {
	p []byte
}

func (r *fieldReader) more() bool {
	return len(r.p) > 0
}

func (r *fieldReader) varint() (uint64, error) {
	v, n := proto.DecodeVarint(r.p)
	if n == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.p = r.p[n:]
	return v, nil
}

func (r *fieldReader) zigzag32() (uint64, error) {
	v, err := r.varint()
	if err != nil {
		return 0, err
	}
	return uint64((uint32(v) >> 1) ^ uint32((int32(v&1)<<31)>>31)), nil
}

func (r *fieldReader) bytes() ([]byte, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.p)) {
		return nil, io.ErrUnexpectedEOF
	}
	data := r.p[:n]
	r.p = r.p[n:]
	return data, nil
}

// DecodeMessage decodes a message produced by EncodeMessage.
// Source, destination and code are required.
func DecodeMessage(p []byte) (*bus.Message, error) {
	var (
		src, dst   bus.Addr
		code, prio uint8
		data       []byte
		seen       uint
	)
	prio = bus.PrioLow
	r := &fieldReader{p: p}
	for r.more() {
		key, err := r.varint()
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		field, wire := int(key>>3), int(key&7)
		expect := wireVarint
		if field == fieldData {
			expect = wireBytes
		}
		if field < fieldSrc || field > fieldData {
			return nil, &DecodeError{Field: field, Err: errors.New("unknown field")}
		}
		if wire != expect {
			return nil, &DecodeError{Field: field, Err: fmt.Errorf("wire type %d", wire)}
		}
		seen |= 1 << uint(field)

		var v uint64
		switch field {
		case fieldSrc, fieldDst:
			v, err = r.zigzag32()
		case fieldData:
			data, err = r.bytes()
		default:
			v, err = r.varint()
		}
		if err != nil {
			return nil, &DecodeError{Field: field, Err: err}
		}
		switch field {
		case fieldSrc, fieldDst:
			n := int32(v)
			if n < int32(bus.AddrBroadcast) || n > int32(bus.AddrMax) {
				return nil, &DecodeError{Field: field, Err: fmt.Errorf("address %d out of range", n)}
			}
			if field == fieldSrc {
				src = bus.Addr(n)
			} else {
				dst = bus.Addr(n)
			}
		case fieldCode:
			if v > 0xFF {
				return nil, &DecodeError{Field: field, Err: fmt.Errorf("code %d out of range", v)}
			}
			code = uint8(v)
		case fieldPrio:
			if v > uint64(bus.PrioLow) {
				return nil, &DecodeError{Field: field, Err: fmt.Errorf("priority %d out of range", v)}
			}
			prio = uint8(v)
		}
	}
	for _, field := range []int{fieldSrc, fieldDst, fieldCode} {
		if seen&(1<<uint(field)) == 0 {
			return nil, &DecodeError{Field: field, Err: errors.New("missing")}
		}
	}
	if err := bus.CheckHeader(src, dst, code); err != nil {
		return nil, &DecodeError{Err: err}
	}
	m, err := bus.NewMessageWith(src, dst, code, data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	m.Prio = prio
	return m, nil
}
