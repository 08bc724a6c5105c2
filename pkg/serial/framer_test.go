package serial

import (
	"fmt"
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/moatbus.go/pkg/bus"
)

func drain(f *Framer) []byte {
	var out []byte
	for {
		c, ok := f.ByteOut()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

func frameOf(t *testing.T, src, dst bus.Addr, code uint8, prio uint8, data []byte) []byte {
	m, err := bus.NewMessageWith(src, dst, code, data)
	require.NoError(t, err)
	m.Prio = prio
	f := NewFramer()
	require.NoError(t, f.Send(m))
	return drain(f)
}

func TestFramerRoundTrip(t *testing.T) {
	testCases := []struct {
		src, dst bus.Addr
		code     uint8
		prio     uint8
		size     int
	}{
		{1, 2, 3, bus.PrioUrgent, 0},
		{bus.ServerAddr(1), bus.AddrBroadcast, 2, bus.PrioHigh, 5},
		{0x7F, bus.ServerAddr(3), 0x1F, bus.PrioNormal, 100},
		{9, 10, 0xFF, bus.PrioLow, 200},
		{9, 10, 0xFF, bus.PrioLow, 1000},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%v>%v/%d", tc.src, tc.dst, tc.size), func(t *testing.T) {
			data := payload(tc.size)
			rx := NewFramer()
			for _, c := range frameOf(t, tc.src, tc.dst, tc.code, tc.prio, data) {
				rx.ByteIn(c)
			}
			m := rx.Recv()
			require.NotNil(t, m)
			require.Equal(t, tc.src, m.Src)
			require.Equal(t, tc.dst, m.Dst)
			require.Equal(t, tc.code, m.Code)
			require.Equal(t, tc.prio, m.Prio)
			require.Equal(t, data, append([]byte{}, m.Data()...))
			require.Nil(t, rx.Recv())
			require.Equal(t, Stats{}, rx.Stats())
			require.Equal(t, []byte{ByteAck}, drain(rx))
		})
	}
}

func TestFramerFrameLayout(t *testing.T) {
	out := frameOf(t, 1, 2, 3, bus.PrioNormal, []byte{0xAA})
	hdr, err := bus.EncodeHeader(1, 2, 3)
	require.NoError(t, err)
	body := append(hdr, 0xAA)
	sum := crc16.Checksum(body, Table)
	expected := append([]byte{3, byte(len(body))}, body...)
	expected = append(expected, byte(sum>>8), byte(sum))
	require.Equal(t, expected, out)

	out = frameOf(t, 1, 2, 3, bus.PrioNormal, payload(300))
	require.Equal(t, []byte{3, 0x81, 0x2F}, out[:3])
	require.Len(t, out, 3+303+2)
}

func TestFramerCRCError(t *testing.T) {
	out := frameOf(t, 4, 5, 6, bus.PrioHigh, []byte("hello"))
	for i := 2; i < len(out); i++ {
		t.Run(fmt.Sprintf("byte %d", i), func(t *testing.T) {
			rx := NewFramer()
			for j, c := range out {
				if j == i {
					c ^= 0x10
				}
				rx.ByteIn(c)
			}
			require.Nil(t, rx.Recv())
			require.EqualValues(t, 1, rx.Stats().CRC)
			require.Empty(t, drain(rx))

			for _, c := range out {
				rx.ByteIn(c)
			}
			require.NotNil(t, rx.Recv())
		})
	}
}

func TestFramerAck(t *testing.T) {
	f := NewFramer()
	f.SendAck()
	m, err := bus.NewMessageWith(1, 2, 3, []byte{1})
	require.NoError(t, err)
	require.NoError(t, f.Send(m))
	var out []byte
	for i := 0; i < 2; i++ {
		c, ok := f.ByteOut()
		require.True(t, ok)
		out = append(out, c)
	}
	require.Equal(t, []byte{ByteAck, bus.PrioLow + 1}, out)
	f.SendAck()
	out = append(out, drain(f)...)
	require.Len(t, out, 2+1+4+2+1)
	require.Equal(t, ByteAck, out[len(out)-1])
	require.False(t, f.Pending())

	rx := NewFramer()
	for _, c := range out {
		rx.ByteIn(c)
	}
	require.EqualValues(t, 2, rx.Stats().AckIn)
	require.Equal(t, 2, rx.RecvAck())
	require.Equal(t, 0, rx.RecvAck())
	require.NotNil(t, rx.Recv())
}

func TestFramerIdleDropsStalledFrame(t *testing.T) {
	out := frameOf(t, 1, 2, 3, bus.PrioLow, []byte("stalled"))
	rx := NewFramer()
	require.False(t, rx.Idle())
	for _, c := range out[:6] {
		rx.ByteIn(c)
	}
	for i := 0; i < 3; i++ {
		require.True(t, rx.Idle())
		require.EqualValues(t, 0, rx.Stats().Lost)
	}
	require.True(t, rx.Idle())
	require.EqualValues(t, 1, rx.Stats().Lost)
	require.False(t, rx.Idle())

	for _, c := range out {
		rx.ByteIn(c)
	}
	m := rx.Recv()
	require.NotNil(t, m)
	require.Equal(t, []byte("stalled"), append([]byte{}, m.Data()...))
}

func TestFramerSpurious(t *testing.T) {
	rx := NewFramer()
	for _, c := range []byte{0, 0x55, 0xFF} {
		rx.ByteIn(c)
	}
	require.EqualValues(t, 3, rx.Stats().Spurious)
	require.False(t, rx.Idle())
}

func TestFramerOverflow(t *testing.T) {
	rx := NewFramer()
	rx.QueueSize = 1
	out := frameOf(t, 1, 2, 3, bus.PrioLow, []byte{1, 2})
	for n := 0; n < 2; n++ {
		for _, c := range out {
			rx.ByteIn(c)
		}
	}
	require.EqualValues(t, 1, rx.Stats().Overflow)
	require.Equal(t, []byte{ByteAck}, drain(rx))
	require.NotNil(t, rx.Recv())
	require.Nil(t, rx.Recv())
}

func TestFramerFrameLimit(t *testing.T) {
	n := MaxFrameLen - bus.HeaderLen(1, 2)
	m, err := bus.NewMessageWith(1, 2, 3, payload(n+1))
	require.NoError(t, err)
	tx := NewFramer()
	require.Equal(t, bus.ErrMessageTooLong, tx.Send(m))
	require.False(t, tx.Pending())

	rx := NewFramer()
	for _, c := range frameOf(t, 1, 2, 3, bus.PrioLow, payload(n)) {
		rx.ByteIn(c)
	}
	got := rx.Recv()
	require.NotNil(t, got)
	require.Equal(t, n, got.Length())
	require.Equal(t, payload(n), got.Data())
	require.Equal(t, Stats{}, rx.Stats())
}

func TestFramerSendErrors(t *testing.T) {
	f := NewFramer()
	f.QueueSize = 1
	m, err := bus.NewMessageWith(1, 2, 3, nil)
	require.NoError(t, err)
	m.Prio = 4
	require.Equal(t, ErrInvalidPrio, f.Send(m))
	m.Prio = bus.PrioLow
	require.NoError(t, f.Send(m))
	m2, err := bus.NewMessageWith(1, 2, 3, nil)
	require.NoError(t, err)
	require.Equal(t, ErrQueueFull, f.Send(m2))

	m3, err := bus.NewMessageWith(bus.AddrBroadcast, 2, 0x20, nil)
	require.NoError(t, err)
	require.Error(t, NewFramer().Send(m3))
}

func TestFramerSequence(t *testing.T) {
	tx, rx := NewFramer(), NewFramer()
	for i := 0; i < 5; i++ {
		m, err := bus.NewMessageWith(bus.Addr(i+1), 2, uint8(i), payload(i*40))
		require.NoError(t, err)
		require.NoError(t, tx.Send(m))
	}
	for _, c := range drain(tx) {
		rx.ByteIn(c)
	}
	for i := 0; i < 5; i++ {
		m := rx.Recv()
		require.NotNil(t, m)
		require.Equal(t, bus.Addr(i+1), m.Src)
		require.Equal(t, uint8(i), m.Code)
		require.Equal(t, i*40, m.Length())
	}
	require.Equal(t, []byte{ByteAck, ByteAck, ByteAck, ByteAck, ByteAck}, drain(rx))
}
