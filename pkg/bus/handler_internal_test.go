package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAckMask(t *testing.T) {
	testCases := []struct {
		wires uint
		bits  uint8
		ack   uint8
		nack  uint8
	}{
		{2, 0, 1, 2},
		{2, 1, 2, 0},
		{2, 2, 1, 0},
		{2, 3, 1, 0},
		{3, 0, 1, 2},
		{3, 1, 2, 4},
		{3, 3, 1, 4},
		{3, 6, 1, 2},
		{4, 1, 2, 4},
		{4, 9, 1, 2},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d/%x", tc.wires, tc.bits), func(t *testing.T) {
			h := &Handler{wires: tc.wires, current: tc.bits, last: 0xFF}
			h.setAckMask()
			require.Equal(t, tc.ack, h.ackMask)
			require.Equal(t, tc.nack, h.nackMask)
			require.Equal(t, tc.ack|tc.nack, h.ackMasks)

			h = &Handler{wires: tc.wires, current: 0xFF, last: tc.bits, settle: true}
			h.setAckMask()
			require.Equal(t, tc.ack, h.ackMask)
		})
	}
}

// The end marker must never be produced by the leading digits of a chunk.
func TestEndMarkerUnambiguous(t *testing.T) {
	for wires := uint(2); wires <= 4; wires++ {
		max := uint32(1<<wires) - 1
		lead := uint32(1)
		for i := endLens[wires]; i < chunkLens[wires]; i++ {
			lead *= max
		}
		valEnd := uint32(1)
		for i := 0; i < endLens[wires]; i++ {
			valEnd *= max
		}
		valEnd--
		largest := uint32(1)<<chunkBits[wires] + 1<<(chunkBits[wires]-8) - 1
		require.True(t, largest/lead < valEnd, "wires %d", wires)

		digits := uint32(1)
		for i := 0; i < chunkLens[wires]; i++ {
			digits *= max
		}
		require.True(t, largest < digits, "wires %d", wires)
	}
}

func TestErrorCodes(t *testing.T) {
	require.True(t, ErrFlap.IsFatal())
	require.True(t, ErrAcquireFatal.IsFatal())
	require.False(t, ErrCRC.IsFatal())
	require.False(t, ErrNothing.IsFatal())
	require.Equal(t, "bus: crc", ErrCRC.Error())
	require.Equal(t, "bus: error -99", Error(-99).Error())
	require.Equal(t, "WRITE_ACK", StateWriteAck.String())
	require.Equal(t, "missing", ResultMissing.String())
}

func TestPrioBit(t *testing.T) {
	testCases := []struct {
		wires uint
		bits  [4]uint8
	}{
		{2, [4]uint8{1, 1, 2, 2}},
		{3, [4]uint8{1, 1, 2, 4}},
		{4, [4]uint8{1, 2, 4, 8}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d wires", tc.wires), func(t *testing.T) {
			for prio, bit := range tc.bits {
				require.Equal(t, bit, prioBit(uint8(prio), tc.wires), "prio %d", prio)
			}
			require.Equal(t, tc.bits[PrioLow], prioBit(7, tc.wires))
		})
	}
}
