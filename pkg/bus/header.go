package bus

import "errors"

var (
	// ErrShortHeader indicates the content is too short to hold a header.
	ErrShortHeader = errors.New("short header")
	// ErrInvalidHeader indicates a field is out of range for its encoding.
	ErrInvalidHeader = errors.New("invalid header")
)

// HeaderLen returns the encoded header size for the address pair.
func HeaderLen(src, dst Addr) int {
	switch {
	case src < 0 && dst < 0:
		return 1
	case src < 0 || dst < 0:
		return 2
	default:
		return 3
	}
}

// CheckHeader validates header fields against their encoding.
func CheckHeader(src, dst Addr, code uint8) error {
	if !src.Valid() || !dst.Valid() {
		return ErrInvalidHeader
	}
	switch HeaderLen(src, dst) {
	case 1:
		if code > 3 {
			return ErrInvalidHeader
		}
	case 2:
		if code > 0x1F {
			return ErrInvalidHeader
		}
	}
	return nil
}

// EncodeHeader serializes the header.
//
//	dst<0 src<0   1DD1SSCC
//	dst<0 src>=0  1DD0SSSS SSSCCCCC
//	dst>=0 src<0  0DDDDDDD 1SSCCCCC
//	dst>=0 src>=0 0DDDDDDD 0SSSSSSS CCCCCCCC
func EncodeHeader(src, dst Addr, code uint8) ([]byte, error) {
	if err := CheckHeader(src, dst, code); err != nil {
		return nil, err
	}
	s, d := byte(src), byte(dst)
	switch {
	case dst < 0 && src < 0:
		return []byte{0x80 | (d&3)<<5 | 0x10 | (s&3)<<2 | code}, nil
	case dst < 0:
		return []byte{0x80 | (d&3)<<5 | s>>3, s<<5 | code}, nil
	case src < 0:
		return []byte{d, 0x80 | (s&3)<<5 | code}, nil
	default:
		return []byte{d, s, code}, nil
	}
}

func reserved(v byte) Addr {
	return Addr(v&3) - 4
}

// DecodeHeader parses a header and returns the number of bytes consumed.
func DecodeHeader(b []byte) (src, dst Addr, code uint8, n int, err error) {
	if len(b) < 1 {
		return 0, 0, 0, 0, ErrShortHeader
	}
	if b[0]&0x80 != 0 {
		dst = reserved(b[0] >> 5)
		if b[0]&0x10 != 0 {
			return reserved(b[0] >> 2), dst, b[0] & 3, 1, nil
		}
		if len(b) < 2 {
			return 0, 0, 0, 0, ErrShortHeader
		}
		return Addr((b[0]&0x0F)<<3 | b[1]>>5), dst, b[1] & 0x1F, 2, nil
	}
	if len(b) < 2 {
		return 0, 0, 0, 0, ErrShortHeader
	}
	dst = Addr(b[0])
	if b[1]&0x80 != 0 {
		return reserved(b[1] >> 5), dst, b[1] & 0x1F, 2, nil
	}
	if len(b) < 3 {
		return 0, 0, 0, 0, ErrShortHeader
	}
	return Addr(b[1]), dst, b[2], 3, nil
}
